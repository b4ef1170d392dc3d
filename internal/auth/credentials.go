package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailmirror/internal/apperr"
	"github.com/Martian-dev/mailmirror/internal/model"
)

// CredentialStore persists a refreshed credential bundle
type CredentialStore interface {
	UpdateCredentials(ctx context.Context, acct *model.Account, creds model.Credentials) error
}

// Manager owns the OAuth2 lifecycle of one provider's accounts
type Manager struct {
	cfg        *oauth2.Config
	store      CredentialStore
	httpClient *http.Client
	log        *logrus.Entry
}

// NewManager creates a credential manager over an arbitrary OAuth2 config
func NewManager(cfg *oauth2.Config, store CredentialStore, log *logrus.Entry) *Manager {
	return &Manager{
		cfg:   cfg,
		store: store,
		log:   log.WithField("component", "credentials"),
	}
}

// NewMicrosoft creates a credential manager against the Azure AD tenant
func NewMicrosoft(clientID, clientSecret, tenantID, redirectURL string, store CredentialStore, log *logrus.Entry) *Manager {
	return NewManager(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     microsoft.AzureADEndpoint(tenantID),
		Scopes:       []string{"openid", "profile", "email", "offline_access", "User.Read", "Mail.ReadWrite"},
	}, store, log)
}

// NewGoogle creates a credential manager against Google's token endpoint
func NewGoogle(clientID, clientSecret, redirectURL string, store CredentialStore, log *logrus.Entry) *Manager {
	return NewManager(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"openid", "email", "profile", gmail.GmailModifyScope},
	}, store, log)
}

// WithHTTPClient makes token requests go through client
func (m *Manager) WithHTTPClient(client *http.Client) *Manager {
	m.httpClient = client
	return m
}

// AuthHeader returns the Authorization header value for acct
func (m *Manager) AuthHeader(acct *model.Account) string {
	return "Bearer " + acct.Credentials.AccessToken
}

// AuthCodeURL returns the consent page a user visits to link a mailbox
func (m *Manager) AuthCodeURL(state string) string {
	return m.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades an authorization code for a credential bundle
func (m *Manager) Exchange(ctx context.Context, code string) (model.Credentials, error) {
	tok, err := m.cfg.Exchange(m.tokenContext(ctx), code)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("%w: code exchange failed: %v", apperr.ErrAuthInvalid, err)
	}
	return model.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// Refresh runs the refresh-token grant for acct, persists the new pair and
// then updates acct in place. A failed grant is ErrAuthInvalid.
func (m *Manager) Refresh(ctx context.Context, acct *model.Account) error {
	log := m.log.WithField("account", acct.ID)

	src := m.cfg.TokenSource(m.tokenContext(ctx), &oauth2.Token{RefreshToken: acct.Credentials.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		log.WithError(err).Warn("token refresh failed")
		return fmt.Errorf("%w: refresh failed: %v", apperr.ErrAuthInvalid, err)
	}

	creds := acct.Credentials
	creds.AccessToken = tok.AccessToken
	creds.Expiry = tok.Expiry
	// some providers only rotate the refresh token occasionally
	if tok.RefreshToken != "" {
		creds.RefreshToken = tok.RefreshToken
	}

	if err := m.store.UpdateCredentials(ctx, acct, creds); err != nil {
		return fmt.Errorf("failed to persist refreshed credentials: %w", err)
	}
	acct.Credentials = creds

	log.Debug("access token refreshed")
	return nil
}

func (m *Manager) tokenContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}
