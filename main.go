package main

import (
	"net/http"
	"os"
	"time"

	"github.com/fiffu/recordwatch/app"
	"github.com/fiffu/recordwatch/config"
	"github.com/fiffu/recordwatch/lib"
	"github.com/fiffu/recordwatch/lib/watcher"
	"github.com/fiffu/recordwatch/senders"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger() (*zap.Logger, error) {
	switch os.Getenv("ENVIRONMENT") {
	default:
		return zap.NewDevelopment()

	case "production":
		logCfg := zap.NewProductionConfig()
		logCfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			t = t.UTC()
			zapcore.ISO8601TimeEncoder(t, enc)
		}
		return logCfg.Build()
	}
}

func main() {
	fx.New(
		fx.Provide(config.NewConfig),
		fx.Provide(NewLogger),

		fx.Provide(senders.NewSenderRegistry),

		fx.Provide(app.NewDatabase),
		fx.Provide(app.NewTransport),
		fx.Provide(app.NewMetricsRegistry),
		fx.Provide(app.NewMetrics),

		fx.Provide(app.NewCheckpointStore),
		fx.Provide(app.NewCursor),
		fx.Provide(app.NewAuthProvider),
		fx.Provide(app.NewRemoteClient),
		fx.Provide(app.NewPoller),
		fx.Provide(app.NewSession),

		fx.Provide(watcher.NewWatcher),
		fx.Provide(lib.NewService),
		fx.Provide(app.NewAPI),

		fx.Invoke(func(*http.Server) {}),
	).Run()
}
