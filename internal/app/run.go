// Package app wires the backend adapter, local cache, config manager and
// signaling service together and runs them until the context is cancelled.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/caselink/signalhub/internal/backend"
	"github.com/caselink/signalhub/internal/cache"
	"github.com/caselink/signalhub/internal/config"
	"github.com/caselink/signalhub/internal/rtcconfig"
	"github.com/caselink/signalhub/internal/signal"
	"github.com/caselink/signalhub/internal/util"
)

type Options struct {
	CfgPath string
	Cfg     config.Config
	Log     zerolog.Logger
}

func Run(ctx context.Context, opt Options) error {
	log := opt.Log
	baseDir := filepath.Dir(opt.CfgPath)

	store, err := openBackend(ctx, opt.Cfg.Backend, log)
	if err != nil {
		return err
	}
	defer store.Close()

	local, err := cache.Open(util.ResolvePath(baseDir, opt.Cfg.Cache.Dir))
	if err != nil {
		return fmt.Errorf("open local cache: %w", err)
	}
	defer local.Close()

	cfgService := rtcconfig.NewService(store, local, log)
	cfgManager := rtcconfig.NewManager(cfgService, log)
	if err := cfgManager.Initialize(ctx); err != nil {
		return err
	}
	defer cfgManager.Destroy()

	unsubCfg := cfgManager.OnConfigUpdate(func(c *rtcconfig.Config) {
		log.Info().Int("version", c.Version).
			Bool("video", c.EnableVideoCall).
			Msg("runtime config active")
	})
	defer unsubCfg()

	signaling := signal.New(store, log)
	if err := signaling.Initialize(ctx, opt.Cfg.Identity.UserID, opt.Cfg.Identity.Groups...); err != nil {
		return err
	}
	defer signaling.Destroy()

	// Re-level the logger when the bootstrap file changes on disk.
	stopWatch, err := config.Watch(opt.CfgPath, log, func(c config.Config) {
		if lvl, err := zerolog.ParseLevel(c.Log.Level); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("config file watch unavailable")
	} else {
		defer stopWatch()
	}

	go cleanupLoop(ctx, signaling, cfgManager, log)

	log.Info().Str("user", opt.Cfg.Identity.UserID).
		Str("backend", opt.Cfg.Backend.Kind).
		Msg("signalhub running")
	<-ctx.Done()

	st := signaling.Status()
	log.Info().Int64("delivered", st.Delivered).Msg("shutting down")
	return nil
}

func openBackend(ctx context.Context, cfg config.Backend, log zerolog.Logger) (backend.Store, error) {
	switch cfg.Kind {
	case "redis":
		return backend.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
	case "gateway":
		return backend.DialGateway(ctx, cfg.GatewayURL, log)
	case "memory":
		return backend.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
}

// cleanupLoop periodically sweeps expired signals. Retention and interval
// come from the live runtime config, so an admin change takes effect on the
// next tick without a restart.
func cleanupLoop(ctx context.Context, s *signal.Service, mgr *rtcconfig.Manager, log zerolog.Logger) {
	for {
		interval := mgr.GetConfigSync().CleanupInterval()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			retention := mgr.GetConfigSync().SignalRetention()
			if n := s.CleanupExpired(ctx, retention); n > 0 {
				log.Debug().Int("deleted", n).Msg("cleanup sweep done")
			}
		}
	}
}
