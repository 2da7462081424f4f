// Package config provides layered configuration loading for the medvault
// service: struct defaults overlaid by MEDVAULT_* environment variables,
// validated before use.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds the merged runtime configuration. Precedence (lowest →
// highest): defaults → environment.
type Config struct {
	Addr            string        `koanf:"addr" validate:"ip_port"`                    // listen address, e.g. ":8080"
	DataDir         string        `koanf:"data_dir" validate:"safepath"`               // root for repositories, snapshots, and the registry db
	ExternalURL     string        `koanf:"external_url" validate:"omitempty,url"`      // base URL disclosure payloads point at
	InternalSecret  string        `koanf:"internal_secret"`                            // shared secret for the internal RPC; empty disables it
	TokenSecret     string        `koanf:"token_secret" validate:"required,min=16"`    // HMAC key for principal tokens
	HookBin         string        `koanf:"hook_bin"`                                   // binary pre-receive hooks exec; empty disables the gate
	SessionTTL      time.Duration `koanf:"session_ttl" validate:"min=1m,max=24h"`      // scan session lifetime
	CleanupInterval time.Duration `koanf:"cleanup_interval" validate:"min=10s"`        // janitor cycle interval
	MaxBodyBytes    int64         `koanf:"max_body_bytes" validate:"omitempty,gte=0"`  // cap on RPC bodies; 0 disables
}

// DefaultAppConfig is the baseline configuration before any overlay.
var DefaultAppConfig = Config{
	Addr:            ":8080",
	DataDir:         "./data",
	SessionTTL:      time.Hour,
	CleanupInterval: time.Minute,
	TokenSecret:     "", // must be provided; the default fails validation
}

const envPrefix = "MEDVAULT_"

// Loader hooks are variables so tests can inject failures.
var (
	defaultLoader = func(k *koanf.Koanf) error {
		return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
	}
	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix: envPrefix,
			TransformFunc: func(key, value string) (string, any) {
				return strings.ToLower(strings.TrimPrefix(key, envPrefix)), value
			},
		}), nil)
	}
)

// Load merges defaults and environment and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	v := validator.New()
	if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
		return nil, err
	}
	if err := v.RegisterValidation("safepath", validSafePath); err != nil {
		return nil, err
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ReposDir is where bare repositories live.
func (c *Config) ReposDir() string { return joinPath(c.DataDir, "repos") }

// StagingDir is where disclosure snapshot worktrees are built.
func (c *Config) StagingDir() string { return joinPath(c.DataDir, "staging") }

// SQLiteDSN returns the registry database DSN with the pragmas the service
// depends on: WAL journaling, foreign keys, a busy timeout, full sync.
func (c *Config) SQLiteDSN() string {
	return "file:" + joinPath(c.DataDir, "medvault.db") +
		"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL"
}

func joinPath(dir, name string) string {
	if dir != "" && dir[len(dir)-1] == '/' {
		return dir + name
	}
	return dir + "/" + name
}

// validIPPort accepts "ip:port" (or ":port") where the host, when present,
// is a literal IP and the port is numeric in [1, 65535].
func validIPPort(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return false
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// validSafePath rejects empty, root, and parent-traversing directories.
func validSafePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" || p == "." || strings.Trim(p, "/") == "" {
		return false
	}
	for _, part := range strings.Split(strings.TrimSuffix(p, "/"), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
