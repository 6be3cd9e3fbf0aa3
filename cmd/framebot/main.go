package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Enanyy/Frame/internal/app"
	"github.com/Enanyy/Frame/internal/config"
	"github.com/Enanyy/Frame/internal/logx"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	var cfg config.BotConfig
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

	fs := flag.NewFlagSet("framebot", flag.ExitOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	cfg.BindFlagsFromCurrent(fs)
	_ = fs.Parse(os.Args[1:])
	if *showVersion {
		fmt.Printf("framebot version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logx.Log.Info().Str("version", version).Str("server", cfg.StreamAddr()).Str("name", cfg.Name).Msg("bot starting")
	if err := app.NewBot(cfg).Run(ctx); err != nil {
		logx.Log.Error().Err(err).Msg("bot stopped")
		os.Exit(1)
	}
}
