// Package config holds the local bootstrap configuration: which backend to
// talk to, where the cache lives, and who the local identity is. This is
// deliberately separate from the shared runtime config document, which is
// owned by the backend and distributed live.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/caselink/signalhub/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Backend  Backend  `json:"backend"`
	Cache    Cache    `json:"cache"`
	Log      Log      `json:"log"`
}

type Identity struct {
	// UserID is the stable identifier the signaling subscription filters on.
	// Issued externally; never minted here.
	UserID string   `json:"user_id"`
	Groups []string `json:"groups"`
}

type Backend struct {
	// Kind selects the live data backend adapter: "redis", "gateway" or
	// "memory" (in-process, for offline/demo runs).
	Kind string `json:"kind"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	// GatewayURL is the ws:// or wss:// address of the live-query gateway.
	GatewayURL string `json:"gateway_url"`
}

type Cache struct {
	// Dir is where the local SQLite cache lives, relative to the config file.
	Dir string `json:"dir"`
}

type Log struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

func Default() Config {
	return Config{
		Backend: Backend{
			Kind:      "redis",
			RedisAddr: "127.0.0.1:6379",
		},
		Cache: Cache{
			Dir: "data",
		},
		Log: Log{
			Level:  "info",
			Pretty: true,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}

	switch c.Backend.Kind {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Backend.RedisAddr) == "" {
			return errors.New("backend.redis_addr is required for the redis backend")
		}
	case "gateway":
		u, err := url.Parse(c.Backend.GatewayURL)
		if err != nil {
			return fmt.Errorf("backend.gateway_url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("backend.gateway_url scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("backend.gateway_url is missing a host")
		}
	default:
		return fmt.Errorf("backend.kind must be redis, gateway or memory (got %q)", c.Backend.Kind)
	}

	if strings.TrimSpace(c.Cache.Dir) == "" {
		return errors.New("cache.dir is required")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %v", err)
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err). The default config fails validation until
// the operator fills in identity.user_id, so a fresh file is written without
// being validated and returned as-is.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
