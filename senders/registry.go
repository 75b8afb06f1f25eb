package senders

import (
	"context"
	"net/http"

	"github.com/fiffu/recordwatch/config"
	"github.com/fiffu/recordwatch/lib/models"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Sender delivers one change log to a recipient and returns the platform's
// message id.
type Sender interface {
	SendChanges(ctx context.Context, recipient string, change *models.ChangeLog) (string, error)
}

type Registry map[string]Sender

func NewSenderRegistry(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, transport http.RoundTripper) Registry {
	base := base{log, cfg, transport}
	return map[string]Sender{
		"email": &mailgunSender{base},
		"log":   &logSender{base},
	}
}

type base struct {
	log       *zap.Logger
	cfg       *config.Config
	transport http.RoundTripper
}
