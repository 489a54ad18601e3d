package addons

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/quickhuber/mitmproxy/pkg/proxy"
)

// EventLogger is a built-in addon that logs every connection lifecycle
// event and forwards handler log records to the structured logger.
type EventLogger struct {
	logger zerolog.Logger
}

// NewEventLogger returns an EventLogger writing to the given logger.
func NewEventLogger(logger zerolog.Logger) *EventLogger {
	return &EventLogger{logger: logger.With().Str("component", "events").Logger()}
}

func (e *EventLogger) Name() string { return "eventlog" }

func (e *EventLogger) ClientConnected(ctx context.Context, flow *proxy.ConnFlow) {
	e.logger.Info().
		Str("flow", flow.ID).
		Str("client", formatAddr(flow.Client.Address)).
		Msg("client connected")
}

func (e *EventLogger) ClientDisconnected(ctx context.Context, flow *proxy.ConnFlow) {
	e.logger.Info().
		Str("flow", flow.ID).
		Str("client", formatAddr(flow.Client.Address)).
		Msg("client disconnected")
}

func (e *EventLogger) ServerConnected(ctx context.Context, flow *proxy.ConnFlow) {
	e.logger.Info().
		Str("flow", flow.ID).
		Str("server", formatAddr(flow.Server.Address)).
		Msg("server connected")
}

func (e *EventLogger) ServerDisconnected(ctx context.Context, flow *proxy.ConnFlow) {
	e.logger.Info().
		Str("flow", flow.ID).
		Str("server", formatAddr(flow.Server.Address)).
		Msg("server disconnected")
}

func (e *EventLogger) Log(rec *proxy.LogRecord) {
	switch rec.Level {
	case "debug":
		e.logger.Debug().Msg(rec.Message)
	case "warn", "warning":
		e.logger.Warn().Msg(rec.Message)
	case "error":
		e.logger.Error().Msg(rec.Message)
	default:
		e.logger.Info().Msg(rec.Message)
	}
}

func formatAddr(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
