// Package auth supplies the session identity used by the remote API and the
// notification transport.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/carlmjohnson/requests"
	"go.uber.org/zap"
)

var (
	ErrRenewUnsupported = errors.New("session renewal is not configured")
	ErrNoSession        = errors.New("no session identity available")
)

// Identity is attached to every remote request.
type Identity struct {
	TenantID    string
	Username    string
	SessionID   string
	InstanceURL string
	IssuedAt    time.Time
}

type Provider interface {
	CurrentIdentity(ctx context.Context) (Identity, error)
	Renew(ctx context.Context) (Identity, error)
}

type RefreshConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// RefreshTokenProvider starts from a configured identity and renews it with
// the OAuth2 refresh_token grant.
type RefreshTokenProvider struct {
	log       *zap.Logger
	transport http.RoundTripper
	refresh   RefreshConfig

	mu       sync.Mutex
	identity Identity
}

func NewRefreshTokenProvider(log *zap.Logger, transport http.RoundTripper, seed Identity, refresh RefreshConfig) *RefreshTokenProvider {
	return &RefreshTokenProvider{
		log:       log,
		transport: transport,
		refresh:   refresh,
		identity:  seed,
	}
}

func (p *RefreshTokenProvider) CurrentIdentity(ctx context.Context) (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.identity.SessionID == "" {
		return Identity{}, ErrNoSession
	}
	return p.identity, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
	IssuedAt    string `json:"issued_at"`
}

func (p *RefreshTokenProvider) Renew(ctx context.Context) (Identity, error) {
	if p.refresh.TokenURL == "" || p.refresh.RefreshToken == "" {
		return Identity{}, ErrRenewUnsupported
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", p.refresh.RefreshToken)
	form.Set("client_id", p.refresh.ClientID)
	if p.refresh.ClientSecret != "" {
		form.Set("client_secret", p.refresh.ClientSecret)
	}

	var res tokenResponse
	err := requests.URL(p.refresh.TokenURL).
		Transport(p.transport).
		BodyForm(form).
		ToJSON(&res).
		Fetch(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("renew session: %w", err)
	}
	if res.AccessToken == "" {
		return Identity{}, errors.New("renew session: token endpoint returned no access token")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.identity.SessionID = res.AccessToken
	if res.InstanceURL != "" {
		p.identity.InstanceURL = res.InstanceURL
	}
	p.identity.IssuedAt = time.Now().UTC()
	p.log.Sugar().Infow("Renewed session", "tenant", p.identity.TenantID, "instance", p.identity.InstanceURL)
	return p.identity, nil
}
