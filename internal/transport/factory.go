package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// OAuthApp is the client registration used to refresh sender tokens.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	Scopes       []string
}

func (a OAuthApp) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		Endpoint:     a.Endpoint,
		Scopes:       a.Scopes,
	}
}

// TokenStore persists refreshed sender tokens.
type TokenStore interface {
	SaveOAuthToken(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error
}

type FactoryConfig struct {
	HeloName    string
	SMTPTimeout time.Duration
	GraphURL    string
	Microsoft   OAuthApp
	Google      OAuthApp
}

// Factory builds the transport of a sender.
type Factory struct {
	cfg    FactoryConfig
	tokens TokenStore
	logger *zap.Logger
}

func NewFactory(cfg FactoryConfig, tokens TokenStore, logger *zap.Logger) *Factory {
	return &Factory{cfg: cfg, tokens: tokens, logger: logger}
}

// For returns the transport for sender: Graph for Outlook identities, SMTP
// otherwise, authenticating with OAuth when the sender carries tokens.
func (f *Factory) For(ctx context.Context, sender *model.Sender) (Transport, error) {
	if sender.Provider == model.SenderOutlook {
		if !sender.UsesOAuth() {
			return nil, fmt.Errorf("outlook sender %d has no oauth token", sender.ID)
		}
		ts := f.tokenSource(ctx, f.cfg.Microsoft, sender)
		return NewGraphTransport(ctx, ts, f.cfg.GraphURL, f.logger), nil
	}

	if sender.SMTPHost == "" {
		return nil, fmt.Errorf("sender %d has no smtp host", sender.ID)
	}
	cfg := SMTPConfig{
		Host:     sender.SMTPHost,
		Port:     sender.SMTPPort,
		Secure:   sender.SMTPSecure,
		StartTLS: !sender.SMTPSecure,
		Username: sender.SMTPUser,
		Password: sender.SMTPPass,
		HeloName: f.cfg.HeloName,
		Timeout:  f.cfg.SMTPTimeout,
	}
	if cfg.Username == "" {
		cfg.Username = sender.Email
	}
	if sender.UsesOAuth() {
		cfg.TokenSource = f.tokenSource(ctx, f.cfg.Google, sender)
	}
	return NewSMTPTransport(cfg, f.logger), nil
}

func (f *Factory) tokenSource(ctx context.Context, app OAuthApp, sender *model.Sender) oauth2.TokenSource {
	initial := &oauth2.Token{
		AccessToken:  sender.OAuthAccessToken,
		RefreshToken: sender.OAuthRefreshToken,
		TokenType:    "Bearer",
	}
	if sender.OAuthExpiry != nil {
		initial.Expiry = *sender.OAuthExpiry
	}
	return &persistingTokenSource{
		ctx:      ctx,
		base:     app.config().TokenSource(ctx, initial),
		senderID: sender.ID,
		store:    f.tokens,
		last:     sender.OAuthAccessToken,
		logger:   f.logger,
	}
}

// persistingTokenSource saves every newly refreshed token so the next send
// starts from it.
type persistingTokenSource struct {
	ctx      context.Context
	base     oauth2.TokenSource
	senderID int64
	store    TokenStore

	mu     sync.Mutex
	last   string
	logger *zap.Logger
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken == p.last || p.store == nil {
		return tok, nil
	}
	p.last = tok.AccessToken

	if err := p.store.SaveOAuthToken(p.ctx, p.senderID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		p.logger.Error("failed to persist refreshed token", zap.Int64("sender_id", p.senderID), zap.Error(err))
	} else {
		p.logger.Info("sender token refreshed", zap.Int64("sender_id", p.senderID))
	}
	return tok, nil
}
