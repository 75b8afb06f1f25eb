package app

import (
	"context"
	"net/http"
	"time"

	"github.com/fiffu/recordwatch/config"
	"github.com/fiffu/recordwatch/lib/auth"
	"github.com/fiffu/recordwatch/lib/cursor"
	"github.com/fiffu/recordwatch/lib/metrics"
	"github.com/fiffu/recordwatch/lib/poller"
	"github.com/fiffu/recordwatch/lib/remote"
	"github.com/fiffu/recordwatch/lib/streaming"
	"github.com/fiffu/recordwatch/lib/streaming/bayeux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func NewMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func NewAuthProvider(cfg *config.Config, log *zap.Logger, transport http.RoundTripper) auth.Provider {
	seed := auth.Identity{
		TenantID:    cfg.TenantID,
		Username:    cfg.Auth.Username,
		SessionID:   cfg.Auth.AccessToken,
		InstanceURL: cfg.Remote.InstanceURL,
		IssuedAt:    time.Now().UTC(),
	}
	if cfg.Auth.RefreshToken == "" {
		log.Sugar().Info("No refresh token configured, expired sessions will not be renewed")
	}
	return auth.NewRefreshTokenProvider(log, transport, seed, auth.RefreshConfig{
		TokenURL:     cfg.Auth.TokenURL,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RefreshToken: cfg.Auth.RefreshToken,
	})
}

func NewRemoteClient(cfg *config.Config, log *zap.Logger, transport http.RoundTripper, provider auth.Provider) *remote.Client {
	timeout := time.Duration(cfg.Remote.TimeoutSecs) * time.Second
	return remote.NewClient(log, transport, provider, cfg.Remote.APIVersion, timeout)
}

func NewPoller(log *zap.Logger, c *cursor.Cursor, client *remote.Client, m *metrics.Metrics) *poller.Poller {
	return poller.New(c, client, log, m)
}

func NewSession(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, transport http.RoundTripper, provider auth.Provider, m *metrics.Metrics) *streaming.Session {
	dial := bayeux.NewDialer(log, transport, bayeux.Config{
		Path:               cfg.Stream.Path,
		LongPollTimeout:    cfg.Stream.LongPollTimeout,
		MaxConnectFailures: cfg.Stream.MaxConnectFailures,
	})

	session := streaming.NewSession(log, streaming.NewRegistry(), provider, dial, m, streaming.SessionConfig{
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		MaxRenewAttempts: cfg.Stream.MaxRenewAttempts,
		RenewDelay:       cfg.Stream.RenewDelay,
		OnFailure: func(err error) {
			log.Sugar().Errorw("Notification session gave up, the watcher will reconnect", "err", err)
		},
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Sugar().Infow("Starting notification session", "url", cfg.StreamURL())
			session.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Sugar().Info("Trying to stop notification session")
			session.Stop()
			return nil
		},
	})

	return session
}
