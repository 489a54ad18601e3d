// Package main implements the mitmgo CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pion/stun/v3"
	"golang.org/x/sync/errgroup"

	"github.com/quickhuber/mitmproxy/pkg/addons"
	"github.com/quickhuber/mitmproxy/pkg/config"
	"github.com/quickhuber/mitmproxy/pkg/log"
	"github.com/quickhuber/mitmproxy/pkg/metrics"
	"github.com/quickhuber/mitmproxy/pkg/proxy"
	"github.com/quickhuber/mitmproxy/pkg/tlsprobe"
)

// CLI defines the command-line interface.
var CLI struct {
	Run     RunCmd     `cmd:"" help:"Run the proxy server"`
	Probe   ProbeCmd   `cmd:"" help:"Inspect an upstream TLS endpoint"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// RunCmd runs the proxy server.
type RunCmd struct {
	Config   string `short:"c" help:"Path to config file" type:"existingfile"`
	Host     string `help:"Listen host (overrides config)"`
	Port     int    `short:"p" help:"Listen port (overrides config)"`
	Upstream string `short:"u" help:"Upstream host:port (overrides config)"`
	Announce bool   `short:"a" help:"Announce the public proxy address on startup (detects public IP via STUN)"`
}

func (c *RunCmd) Run() error {
	fileCfg, err := config.Load(c.Config)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}
	if fileCfg.LogLevel != "" {
		log.SetLevel(fileCfg.LogLevel)
	}

	values, err := fileCfg.ToValues()
	if err != nil {
		log.Error().Err(err).Msg("invalid config")
		return err
	}
	c.override(&values)

	opts, err := config.NewOptions(values)
	if err != nil {
		return err
	}

	pipeline := addons.NewPipeline()
	if err := pipeline.Register(addons.NewEventLogger(log.Logger)); err != nil {
		return err
	}
	pipeline.Seal()

	server := proxy.NewProxyserver(opts, pipeline, log.Logger)
	if err := server.Start(); err != nil {
		log.Error().Err(err).Msg("failed to start proxy server")
		return err
	}
	defer server.Shutdown()

	if c.Announce {
		if err := announce(values.ListenPort); err != nil {
			log.Warn().Err(err).Msg("failed to announce public address")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if fileCfg.MetricsAddr != "" {
		msrv := &http.Server{Addr: fileCfg.MetricsAddr, Handler: metrics.Handler()}
		g.Go(func() error {
			log.Info().Str("addr", fileCfg.MetricsAddr).Msg("metrics endpoint listening")
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return msrv.Shutdown(shutdownCtx)
		})
	}

	// SIGHUP reloads the config file; the options store pushes relevant
	// changes into the running listener.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				if err := c.reload(opts); err != nil {
					log.Warn().Err(err).Msg("config reload failed")
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		return nil
	})

	return g.Wait()
}

func (c *RunCmd) override(v *config.Values) {
	if c.Host != "" {
		v.ListenHost = c.Host
	}
	if c.Port != 0 {
		v.ListenPort = c.Port
	}
	if c.Upstream != "" {
		v.Upstream = c.Upstream
	}
}

func (c *RunCmd) reload(opts *config.Options) error {
	fileCfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	values, err := fileCfg.ToValues()
	if err != nil {
		return err
	}
	c.override(&values)
	if err := opts.Set(values); err != nil {
		return err
	}
	log.Info().Msg("configuration reloaded")
	return nil
}

// announce detects the public IP via STUN and logs a shareable proxy URL.
func announce(port int) error {
	publicIP, err := getPublicIP()
	if err != nil {
		return fmt.Errorf("STUN failed: %w", err)
	}
	log.Info().
		Str("url", "http://"+net.JoinHostPort(publicIP, strconv.Itoa(port))).
		Msg("proxy reachable at")
	return nil
}

// getPublicIP discovers the public IP address using STUN.
func getPublicIP() (string, error) {
	conn, err := net.Dial("udp", "stun.l.google.com:19302")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	c, err := stun.NewClient(conn)
	if err != nil {
		return "", err
	}
	defer c.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	var xorAddr stun.XORMappedAddress
	if err := c.Do(message, func(res stun.Event) {
		if res.Error != nil {
			err = res.Error
			return
		}
		if getErr := xorAddr.GetFrom(res.Message); getErr != nil {
			err = getErr
		}
	}); err != nil {
		return "", err
	}

	return xorAddr.IP.String(), nil
}

// ProbeCmd dials an upstream and reports reachability, handshake
// parameters, and the served certificate.
type ProbeCmd struct {
	Address string   `arg:"" help:"Upstream host:port to probe"`
	SNI     string   `help:"Server name to send during the handshake (default: none)"`
	ALPN    []string `help:"Protocols to offer during the handshake"`
}

func (c *ProbeCmd) Run() error {
	prober := tlsprobe.NewProber()
	prober.NextProtos = c.ALPN

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := prober.Probe(ctx, c.Address, c.SNI)
	if err != nil {
		log.Error().Err(err).Str("addr", c.Address).Msg("probe failed")
		return err
	}

	log.Info().
		Str("addr", res.Address).
		Dur("rtt", res.RTT).
		Str("tls_version", res.TLSVersion).
		Str("cipher", res.Cipher).
		Str("alpn", res.ALPN).
		Msg("handshake")
	log.Info().
		Str("subject", res.Subject).
		Str("issuer", res.Issuer).
		Strs("dns_names", res.DNSNames).
		Time("not_after", res.NotAfter).
		Int("chain_length", len(res.Chain)).
		Msg("certificate")
	return nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	log.Info().
		Str("version", "v0.1.0").
		Str("description", "Interactive TLS-capable intercepting proxy core").
		Msg("mitmgo")
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("mitmgo"),
		kong.Description("Interactive TLS-capable intercepting proxy"),
		kong.UsageOnError(),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
