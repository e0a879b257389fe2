package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/caselink/signalhub/internal/app"
	"github.com/caselink/signalhub/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var (
	cfgPath     = flag.String("config", "signalhub.json", "Path to the bootstrap config file")
	showVersion = flag.Bool("version", false, "Show version")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("signalhub v%s\n", appVersion)
		return
	}

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("wrote %s: fill in identity.user_id and restart\n", *cfgPath)
		return
	}

	lvl, _ := zerolog.ParseLevel(cfg.Log.Level)
	zerolog.SetGlobalLevel(lvl)
	var log zerolog.Logger
	if cfg.Log.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{CfgPath: *cfgPath, Cfg: cfg, Log: log}); err != nil {
		log.Fatal().Err(err).Msg("signalhub failed")
	}
}
