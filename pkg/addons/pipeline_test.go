package addons

import (
	"context"
	"testing"

	"github.com/quickhuber/mitmproxy/pkg/proxy"
)

// orderAddon appends its name to a shared trace for every hook it handles.
type orderAddon struct {
	name  string
	trace *[]string
}

func (a *orderAddon) Name() string { return a.name }

func (a *orderAddon) ClientConnected(ctx context.Context, flow *proxy.ConnFlow) {
	*a.trace = append(*a.trace, a.name)
}

// vetoingAddon sets the flow error on clientconnect.
type vetoingAddon struct {
	trace *[]string
}

func (a *vetoingAddon) Name() string { return "veto" }

func (a *vetoingAddon) ClientConnected(ctx context.Context, flow *proxy.ConnFlow) {
	flow.Error = "denied"
	*a.trace = append(*a.trace, "veto")
}

// logOnlyAddon implements just the log capability.
type logOnlyAddon struct {
	records []*proxy.LogRecord
}

func (a *logOnlyAddon) Name() string { return "logonly" }

func (a *logOnlyAddon) Log(rec *proxy.LogRecord) {
	a.records = append(a.records, rec)
}

func newFlow() *proxy.ConnFlow {
	flow := &proxy.ConnFlow{
		ID:     "flow-1",
		Client: proxy.NewClient(nil),
		Server: proxy.NewServer(nil),
	}
	flow.SetReply(proxy.NewReply(flow))
	return flow
}

// TestPipeline_RegistrationOrder tests that addons run in registration
// order and that the reply commits after the last one.
func TestPipeline_RegistrationOrder(t *testing.T) {
	var trace []string
	p := NewPipeline()
	for _, name := range []string{"first", "second", "third"} {
		if err := p.Register(&orderAddon{name: name, trace: &trace}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	p.Seal()

	flow := newFlow()
	if err := p.HandleLifecycle(context.Background(), proxy.KindClientConnected, flow); err != nil {
		t.Fatalf("HandleLifecycle: %v", err)
	}

	want := []string{"first", "second", "third"}
	if len(trace) != len(want) {
		t.Fatalf("trace: got %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace: got %v, want %v", trace, want)
		}
	}
	if !flow.Reply().Committed() {
		t.Error("reply should be committed after dispatch")
	}
}

// TestPipeline_VetoDoesNotStopOthers tests that an addon setting the flow
// error still lets later addons observe the hook.
func TestPipeline_VetoDoesNotStopOthers(t *testing.T) {
	var trace []string
	p := NewPipeline()
	p.Register(&vetoingAddon{trace: &trace})
	p.Register(&orderAddon{name: "after", trace: &trace})
	p.Seal()

	flow := newFlow()
	if err := p.HandleLifecycle(context.Background(), proxy.KindClientConnected, flow); err != nil {
		t.Fatalf("HandleLifecycle: %v", err)
	}

	if !flow.Killed() {
		t.Error("flow should carry the veto")
	}
	if len(trace) != 2 || trace[1] != "after" {
		t.Errorf("later addon skipped: trace %v", trace)
	}
	if !flow.Reply().Committed() {
		t.Error("reply must commit even for vetoed flows")
	}
}

// TestPipeline_SealRejectsRegistration tests the startup-only contract.
func TestPipeline_SealRejectsRegistration(t *testing.T) {
	var trace []string
	p := NewPipeline()
	p.Seal()

	if err := p.Register(&orderAddon{name: "late", trace: &trace}); err == nil {
		t.Error("registration after Seal should fail")
	}
}

// TestPipeline_UncapableAddonsSkipped tests that an addon without the
// matching capability is passed over without error.
func TestPipeline_UncapableAddonsSkipped(t *testing.T) {
	p := NewPipeline()
	p.Register(&logOnlyAddon{})
	p.Seal()

	flow := newFlow()
	if err := p.HandleLifecycle(context.Background(), proxy.KindServerConnected, flow); err != nil {
		t.Fatalf("HandleLifecycle: %v", err)
	}
	if !flow.Reply().Committed() {
		t.Error("reply should commit even when no addon cares")
	}
}

// TestPipeline_LogDispatch tests routing of log records.
func TestPipeline_LogDispatch(t *testing.T) {
	sink := &logOnlyAddon{}
	p := NewPipeline()
	p.Register(sink)
	p.Seal()

	rec := &proxy.LogRecord{Message: "hello", Level: "info"}
	rec.SetReply(proxy.NewDummyReply())
	if err := p.HandleLifecycle(context.Background(), proxy.KindLog, rec); err != nil {
		t.Fatalf("HandleLifecycle: %v", err)
	}
	if len(sink.records) != 1 || sink.records[0].Message != "hello" {
		t.Errorf("log record not delivered: %v", sink.records)
	}
}

// TestPipeline_PayloadTypeMismatch tests that a wrongly typed payload is
// an error, not a silent skip.
func TestPipeline_PayloadTypeMismatch(t *testing.T) {
	p := NewPipeline()
	p.Seal()

	rec := &proxy.LogRecord{Message: "not a flow"}
	rec.SetReply(proxy.NewDummyReply())
	if err := p.HandleLifecycle(context.Background(), proxy.KindClientConnected, rec); err == nil {
		t.Error("lifecycle hook with log payload should fail")
	}

	flow := newFlow()
	if err := p.HandleLifecycle(context.Background(), proxy.KindLog, flow); err == nil {
		t.Error("log hook with flow payload should fail")
	}
}

// TestPipeline_UnknownKind tests rejection of kinds outside the enum.
func TestPipeline_UnknownKind(t *testing.T) {
	p := NewPipeline()
	p.Seal()

	if err := p.HandleLifecycle(context.Background(), proxy.HookKind(99), newFlow()); err == nil {
		t.Error("unknown hook kind should fail")
	}
}
