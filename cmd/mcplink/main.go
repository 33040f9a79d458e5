package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcplink/mcplink/internal/bridge"
	"github.com/mcplink/mcplink/internal/config"
	"github.com/mcplink/mcplink/internal/identity"
	"github.com/mcplink/mcplink/internal/logx"
	"github.com/mcplink/mcplink/internal/metrics"
	"github.com/mcplink/mcplink/internal/rpc"
	"github.com/mcplink/mcplink/internal/server"
	"github.com/mcplink/mcplink/internal/upstream"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ServerConfig
	cfg.ApplyEnv()
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "mcplink version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("mcplink version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	// the connector and the bridge reference each other through
	// closures; the connector is constructed first
	var b *bridge.Bridge
	conn, err := upstream.New(upstream.Options{
		BaseURL:          cfg.UpstreamURL,
		Token:            cfg.UpstreamToken,
		ClientVersion:    version,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadyWait:        cfg.ReadyWait,
		OnMessage:        func(env *rpc.Envelope) { b.Route(env) },
		OnDown:           func(err error) { b.ConnectionLost(err) },
	})
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("configure upstream")
	}
	b = bridge.New(conn, bridge.Options{
		CallTimeout: cfg.CallTimeout,
		SessionIdle: cfg.SessionIdle,
		Version:     version,
	})
	stopSweep := b.Sessions().StartSweep(cfg.SweepInterval)

	var ident identity.Extractor
	if len(cfg.Identities) > 0 {
		ident = identity.Chain{
			&identity.BearerExtractor{Tokens: cfg.Identities},
			&identity.APIKeyExtractor{Keys: cfg.Identities},
		}
	}

	handler := server.New(b, conn, cfg, ident, version)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logx.Log.Info().Msg("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	if cfg.APIKey != "" {
		logx.Log.Info().Msg("API key auth enabled")
	}
	logx.Log.Info().Int("port", cfg.Port).Str("upstream", cfg.UpstreamURL).Msg("bridge starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Log.Fatal().Err(err).Msg("server error")
	}

	stopSweep()
	b.Shutdown()
	conn.Close()
}
