package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	Env            string `env:"ENVIRONMENT" envDefault:"development"`
	ServerPort     int    `env:"SERVER_PORT" envDefault:"8080"`
	BasicAuthCreds string `env:"BASIC_AUTH_CREDS"`
	TenantID       string `env:"TENANT_ID" envDefault:"default"`

	Checkpoint struct {
		Backend      string `env:"CHECKPOINT_BACKEND" envDefault:"sqlite"`
		DatabasePath string `env:"DATABASE_PATH" envDefault:"recordwatch.sqlite"`
		BadgerDir    string `env:"BADGER_DIR" envDefault:"recordwatch.badger"`
	}

	Remote struct {
		InstanceURL string `env:"REMOTE_INSTANCE_URL"`
		APIVersion  string `env:"REMOTE_API_VERSION" envDefault:"59.0"`
		TimeoutSecs int    `env:"REMOTE_TIMEOUT_SECS" envDefault:"60"`
	}

	Auth struct {
		AccessToken  string `env:"AUTH_ACCESS_TOKEN"`
		Username     string `env:"AUTH_USERNAME"`
		TokenURL     string `env:"AUTH_TOKEN_URL"`
		ClientID     string `env:"AUTH_CLIENT_ID"`
		ClientSecret string `env:"AUTH_CLIENT_SECRET"`
		RefreshToken string `env:"AUTH_REFRESH_TOKEN"`
	}

	Stream struct {
		Path               string        `env:"STREAM_PATH" envDefault:"/cometd/59.0"`
		HandshakeTimeout   time.Duration `env:"STREAM_HANDSHAKE_TIMEOUT" envDefault:"30s"`
		LongPollTimeout    time.Duration `env:"STREAM_LONG_POLL_TIMEOUT" envDefault:"120s"`
		MaxRenewAttempts   int           `env:"STREAM_MAX_RENEW_ATTEMPTS" envDefault:"3"`
		RenewDelay         time.Duration `env:"STREAM_RENEW_DELAY" envDefault:"1s"`
		MaxConnectFailures int           `env:"STREAM_MAX_CONNECT_FAILURES" envDefault:"5"`
	}

	Watcher struct {
		WakeupInterval time.Duration `env:"WATCHER_WAKEUP_INTERVAL" envDefault:"1m"`
		PollInterval   time.Duration `env:"WATCHER_POLL_INTERVAL" envDefault:"5m"`
		Concurrency    int           `env:"WATCHER_CONCURRENCY" envDefault:"5"`
		ChangeLogTTL   time.Duration `env:"WATCHER_CHANGELOG_TTL" envDefault:"336h"`
	}

	Mailgun struct {
		Domain      string `env:"MAILGUN_DOMAIN"`
		APIKey      string `env:"MAILGUN_API_KEY"`
		SenderFrom  string `env:"MAILGUN_SENDER_FROM"`
		APIBase     string `env:"MAILGUN_API_BASE"`
		TimeoutSecs int    `env:"MAILGUN_TIMEOUT_SECS" envDefault:"10"`
	}

	log   *zap.Logger
	creds map[string]string
}

func NewConfig(lc fx.Lifecycle, log *zap.Logger) (*Config, error) {
	cfg := &Config{log: log}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) load() error {
	creds, err := cfg.parseCreds()
	if err != nil {
		if cfg.Env == "production" {
			return err
		}
		cfg.log.Sugar().Infof("%s (credentials will be set to default outside production)", err)
		creds = map[string]string{"admin": "password"}
	}
	cfg.creds = creds

	switch cfg.Checkpoint.Backend {
	case "sqlite", "badger", "memory":
	default:
		return fmt.Errorf("unsupported CHECKPOINT_BACKEND %q, expected one of sqlite, badger, memory", cfg.Checkpoint.Backend)
	}
	if cfg.TenantID == "" {
		return errors.New("TENANT_ID must not be empty")
	}
	if cfg.Stream.MaxRenewAttempts < 1 {
		cfg.Stream.MaxRenewAttempts = 1
	}
	return nil
}

func (cfg *Config) GetCreds() map[string]string {
	return cfg.creds
}

func (cfg *Config) parseCreds() (map[string]string, error) {
	if cfg.BasicAuthCreds == "" {
		return nil, errors.New("BASIC_AUTH_CREDS envvar must be populated")
	}

	creds := strings.Split(cfg.BasicAuthCreds, ",")
	result := make(map[string]string)
	for _, cred := range creds {
		userPass := strings.Split(cred, ":")
		if len(userPass) != 2 {
			return nil, fmt.Errorf("failed to parse '%s', each credential should be delimited by a colon -- user1:pass1,user2:pass2", cred)
		}

		user, pass := userPass[0], userPass[1]
		result[strings.Trim(user, " ")] = strings.Trim(pass, " ")
	}

	return result, nil
}

// StreamURL is the long-polling endpoint on the remote instance.
func (cfg *Config) StreamURL() string {
	return strings.TrimRight(cfg.Remote.InstanceURL, "/") + cfg.Stream.Path
}
