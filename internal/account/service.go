package account

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/apperr"
	"github.com/Martian-dev/mailmirror/internal/events"
	"github.com/Martian-dev/mailmirror/internal/model"
	"github.com/Martian-dev/mailmirror/internal/store"
)

// OAuth is the consent half of a credential manager
type OAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (model.Credentials, error)
}

// ProfileFunc loads the remote identity behind an access token
type ProfileFunc func(ctx context.Context, accessToken string) (model.Profile, error)

// Provider bundles what linking needs from one mail provider
type Provider struct {
	OAuth   OAuth
	Profile ProfileFunc
}

// Store is the persistence the service reads and writes
type Store interface {
	CreateAccount(ctx context.Context, acct *model.Account) (string, error)
	GetAccount(ctx context.Context, userID, accountID string) (*model.Account, error)
	GetAccountByEmail(ctx context.Context, userID, email string) (*model.Account, error)
	ListAccounts(ctx context.Context, userID string) (store.Page[model.Account], error)
	DeleteAccount(ctx context.Context, userID, accountID string) error
	ListFolders(ctx context.Context, accountID string) (store.Page[model.Folder], error)
	GetFolder(ctx context.Context, accountID, folderID string) (*model.Folder, error)
	ListMessages(ctx context.Context, folderID string, limit, offset int) (store.Page[model.Message], error)
	GetMessage(ctx context.Context, folderID, messageID string) (*model.Message, error)
}

// Service links mailboxes to users and exposes the local mirror
type Service struct {
	providers map[model.ProviderType]Provider
	store     Store
	bus       events.Bus
	now       func() time.Time
	log       *logrus.Entry
}

// NewService creates an account service
func NewService(providers map[model.ProviderType]Provider, st Store, bus events.Bus, log *logrus.Entry) *Service {
	return &Service{
		providers: providers,
		store:     st,
		bus:       bus,
		now:       time.Now,
		log:       log.WithField("component", "account"),
	}
}

func (s *Service) provider(t model.ProviderType) (Provider, error) {
	p, ok := s.providers[t]
	if !ok {
		return Provider{}, fmt.Errorf("%s: %w", t, apperr.ErrUnknownProvider)
	}
	return p, nil
}

// AuthURL returns the consent page for a provider
func (s *Service) AuthURL(t model.ProviderType, state string) (string, error) {
	p, err := s.provider(t)
	if err != nil {
		return "", err
	}
	return p.OAuth.AuthCodeURL(state), nil
}

// Link exchanges an authorization code, stores the new account and kicks
// off its first sync
func (s *Service) Link(ctx context.Context, userID string, t model.ProviderType, code string) (*model.Account, error) {
	p, err := s.provider(t)
	if err != nil {
		return nil, err
	}

	creds, err := p.OAuth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	profile, err := p.Profile(ctx, creds.AccessToken)
	if err != nil {
		return nil, err
	}
	creds.ExternalUserID = profile.ExternalUserID

	existing, err := s.store.GetAccountByEmail(ctx, userID, profile.Email)
	if err != nil && !apperr.IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.Conflict("account", "email "+profile.Email)
	}

	name := profile.Name
	if name == "" {
		name = profile.Email
	}
	acct := &model.Account{
		UserID:      userID,
		Email:       profile.Email,
		Name:        name,
		CreatedAt:   s.now().UnixMilli(),
		Type:        t,
		Credentials: creds,
	}
	if _, err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{"account": acct.ID, "provider": t})
	log.Info("account linked")

	ev := events.New(events.AccountLinked, events.Payload{UserID: userID, AccountID: acct.ID})
	if err := s.bus.Publish(ctx, ev); err != nil {
		// the account exists; the scheduler or a manual sync picks it up later
		log.WithError(err).Warn("failed to publish account.linked")
	}
	return acct, nil
}

// List returns the accounts of a user without credentials
func (s *Service) List(ctx context.Context, userID string) ([]model.AccountSummary, error) {
	page, err := s.store.ListAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.AccountSummary, 0, len(page.List))
	for i := range page.List {
		out = append(out, page.List[i].Summary())
	}
	return out, nil
}

// Get returns one account without credentials
func (s *Service) Get(ctx context.Context, userID, accountID string) (model.AccountSummary, error) {
	acct, err := s.store.GetAccount(ctx, userID, accountID)
	if err != nil {
		return model.AccountSummary{}, err
	}
	return acct.Summary(), nil
}

// Delete removes an account and its mirrored mail
func (s *Service) Delete(ctx context.Context, userID, accountID string) error {
	if _, err := s.store.GetAccount(ctx, userID, accountID); err != nil {
		return err
	}
	if err := s.store.DeleteAccount(ctx, userID, accountID); err != nil {
		return err
	}
	s.log.WithField("account", accountID).Info("account deleted")
	return nil
}

// TriggerSync schedules a folder sync for one account
func (s *Service) TriggerSync(ctx context.Context, userID, accountID string) error {
	if _, err := s.store.GetAccount(ctx, userID, accountID); err != nil {
		return err
	}
	return s.bus.Publish(ctx, events.New(events.FoldersSync, events.Payload{UserID: userID, AccountID: accountID}))
}

// Folders lists the mirrored folders of an account
func (s *Service) Folders(ctx context.Context, userID, accountID string) ([]model.Folder, error) {
	if _, err := s.store.GetAccount(ctx, userID, accountID); err != nil {
		return nil, err
	}
	page, err := s.store.ListFolders(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return page.List, nil
}

// Messages lists the mirrored messages of a folder, newest first
func (s *Service) Messages(ctx context.Context, userID, accountID, folderID string, limit, offset int) (store.Page[model.Message], error) {
	if err := s.checkFolder(ctx, userID, accountID, folderID); err != nil {
		return store.Page[model.Message]{}, err
	}
	return s.store.ListMessages(ctx, folderID, limit, offset)
}

// Message returns one mirrored message
func (s *Service) Message(ctx context.Context, userID, accountID, folderID, messageID string) (*model.Message, error) {
	if err := s.checkFolder(ctx, userID, accountID, folderID); err != nil {
		return nil, err
	}
	return s.store.GetMessage(ctx, folderID, messageID)
}

func (s *Service) checkFolder(ctx context.Context, userID, accountID, folderID string) error {
	if _, err := s.store.GetAccount(ctx, userID, accountID); err != nil {
		return err
	}
	_, err := s.store.GetFolder(ctx, accountID, folderID)
	return err
}
