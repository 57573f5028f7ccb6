package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/radiofeira123-cloud/photorelay/relay/session"
	"github.com/radiofeira123-cloud/photorelay/relay/upload"
	"github.com/radiofeira123-cloud/photorelay/relay/viewer"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Session modes.
const (
	ModePerCapture = "per_capture"
	ModeShared     = "shared"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Viewer  ViewerConfig  `yaml:"viewer"`
	Upload  UploadConfig  `yaml:"upload"`
	Ngrok   NgrokConfig   `yaml:"ngrok"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	PublicURL       string        `yaml:"public_url"`
	StaticDir       string        `yaml:"static_dir"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type SessionConfig struct {
	Mode      string        `yaml:"mode"`
	SharedID  string        `yaml:"shared_id"`
	EndPolicy string        `yaml:"end_policy"`
	IdleTTL   time.Duration `yaml:"idle_ttl"`
}

type ViewerConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	UploadPause   time.Duration `yaml:"upload_pause"`
}

type UploadConfig struct {
	APIKey         string        `yaml:"api_key"`
	Endpoint       string        `yaml:"endpoint"`
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	BackoffMin     time.Duration `yaml:"backoff_min"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxDimension   int           `yaml:"max_dimension"`
}

type NgrokConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"auth_token"`
	Domain    string `yaml:"domain"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	gw := upload.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            10000,
			AllowedOrigins:  []string{"*"},
			MaxMessageBytes: 16 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			Mode:      ModePerCapture,
			SharedID:  "default",
			EndPolicy: string(session.EndClear),
		},
		Viewer: ViewerConfig{
			TTL:           viewer.DefaultTTL,
			SweepInterval: time.Hour,
			UploadPause:   300 * time.Millisecond,
		},
		Upload: UploadConfig{
			Endpoint:       upload.DefaultImgBBEndpoint,
			MaxAttempts:    gw.MaxAttempts,
			AttemptTimeout: gw.AttemptTimeout,
			BackoffMin:     gw.BackoffMin,
			BackoffMax:     gw.BackoffMax,
			MaxBytes:       gw.MaxBytes,
			MaxDimension:   gw.MaxDimension,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("HOST", &c.Server.Host)
	str("PUBLIC_URL", &c.Server.PublicURL)
	str("STATIC_DIR", &c.Server.StaticDir)
	str("IMGBB_API_KEY", &c.Upload.APIKey)
	str("SESSION_MODE", &c.Session.Mode)
	str("SESSION_END_POLICY", &c.Session.EndPolicy)
	str("NGROK_DOMAIN", &c.Ngrok.Domain)
	str("NGROK_AUTH_TOKEN", &c.Ngrok.AuthToken)
	str("NGROK_AUTHTOKEN", &c.Ngrok.AuthToken)

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PORT %q is not a number", ErrInvalidConfig, v)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("NGROK_ENABLED"); ok {
		c.Ngrok.Enabled = v == "true" || v == "1"
	}
	return nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if c.Server.MaxMessageBytes <= 0 {
		return fmt.Errorf("%w: max_message_bytes must be positive", ErrInvalidConfig)
	}

	switch c.Session.Mode {
	case ModePerCapture:
	case ModeShared:
		if c.Session.SharedID == "" {
			return fmt.Errorf("%w: shared session mode requires shared_id", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown session mode %q", ErrInvalidConfig, c.Session.Mode)
	}

	switch session.EndPolicy(c.Session.EndPolicy) {
	case session.EndClear, session.EndDelete:
	default:
		return fmt.Errorf("%w: unknown end policy %q", ErrInvalidConfig, c.Session.EndPolicy)
	}

	if c.Viewer.TTL <= 0 {
		return fmt.Errorf("%w: viewer ttl must be positive", ErrInvalidConfig)
	}
	if c.Viewer.SweepInterval <= 0 {
		return fmt.Errorf("%w: viewer sweep_interval must be positive", ErrInvalidConfig)
	}
	if c.Upload.MaxAttempts < 1 {
		return fmt.Errorf("%w: upload max_attempts must be at least 1", ErrInvalidConfig)
	}
	if c.Upload.AttemptTimeout <= 0 {
		return fmt.Errorf("%w: upload attempt_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Shared reports whether every client shares one session.
func (s SessionConfig) Shared() bool {
	return s.Mode == ModeShared
}

// Gateway converts the upload section into gateway limits.
func (u UploadConfig) Gateway() upload.Config {
	return upload.Config{
		MaxAttempts:    u.MaxAttempts,
		AttemptTimeout: u.AttemptTimeout,
		BackoffMin:     u.BackoffMin,
		BackoffMax:     u.BackoffMax,
		MaxBytes:       u.MaxBytes,
		MaxDimension:   u.MaxDimension,
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
