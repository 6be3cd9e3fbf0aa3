package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Enanyy/Frame/internal/app"
	"github.com/Enanyy/Frame/internal/config"
	"github.com/Enanyy/Frame/internal/logx"
	"github.com/Enanyy/Frame/internal/metrics"
	"github.com/Enanyy/Frame/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	var cfg config.ServerConfig
	// defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv()
	if p, ok := config.ConfigPathFromArgs(os.Args[1:]); ok {
		cfg.ConfigFile = p
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()

	fs := flag.NewFlagSet("framesrv", flag.ExitOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	cfg.BindFlagsFromCurrent(fs)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(fs.Output(), "framesrv version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if *showVersion {
		fmt.Printf("framesrv version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store serverstate.Store
	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(ctx, cfg.RedisAddr, "")
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		store = rs
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis state store")
	}
	tracker := serverstate.NewTracker(store)

	srv, err := app.NewServer(cfg, tracker, reg)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logx.Log.Info().Msg("termination requested")
		tracker.StartDrain()
		cancel()
	}()

	logx.Log.Info().
		Str("version", version).
		Str("stream", srv.Net().StreamAddr().String()).
		Str("datagram", srv.Net().DatagramAddr().String()).
		Str("sync_mode", cfg.SyncMode).
		Str("datagram_mode", cfg.DatagramMode).
		Dur("frame_interval", cfg.FrameInterval).
		Msg("frame server starting")
	if err := srv.Run(ctx); err != nil {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	logx.Log.Info().Msg("frame server stopped")
}
