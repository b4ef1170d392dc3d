package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/Martian-dev/mailmirror/internal/apperr"
	"github.com/Martian-dev/mailmirror/internal/events"
	"github.com/Martian-dev/mailmirror/internal/model"
	"github.com/Martian-dev/mailmirror/internal/store"
)

type fakeOAuth struct {
	creds model.Credentials
	err   error
	codes []string
}

func (f *fakeOAuth) AuthCodeURL(state string) string {
	return "https://login.example.com/authorize?state=" + state
}

func (f *fakeOAuth) Exchange(ctx context.Context, code string) (model.Credentials, error) {
	f.codes = append(f.codes, code)
	return f.creds, f.err
}

type recordingBus struct {
	mu        sync.Mutex
	published []events.Event
	err       error
}

func (b *recordingBus) Publish(ctx context.Context, ev events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, ev)
	return nil
}

func (b *recordingBus) Subscribe(name events.Name, h events.Handler) error {
	return nil
}

type ServiceTestSuite struct {
	suite.Suite
	store   *store.Store
	bus     *recordingBus
	oauth   *fakeOAuth
	profile model.Profile
	svc     *Service
	ctx     context.Context
}

func (s *ServiceTestSuite) SetupTest() {
	st, err := store.Open(store.DriverModernc, ":memory:")
	s.Require().NoError(err)
	s.store = st
	s.bus = &recordingBus{}
	s.ctx = context.Background()

	s.oauth = &fakeOAuth{creds: model.Credentials{AccessToken: "at", RefreshToken: "rt"}}
	s.profile = model.Profile{ExternalUserID: "ext-1", Email: "ann@contoso.com", Name: "Ann"}

	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)

	providers := map[model.ProviderType]Provider{
		model.ProviderMicrosoft: {
			OAuth: s.oauth,
			Profile: func(ctx context.Context, accessToken string) (model.Profile, error) {
				s.Equal("at", accessToken)
				return s.profile, nil
			},
		},
	}
	s.svc = NewService(providers, st, s.bus, logrus.NewEntry(l))
	s.svc.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
}

func (s *ServiceTestSuite) TearDownTest() {
	s.store.Close()
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

func (s *ServiceTestSuite) TestAuthURL() {
	u, err := s.svc.AuthURL(model.ProviderMicrosoft, "st-1")
	s.Require().NoError(err)
	s.Contains(u, "state=st-1")

	_, err = s.svc.AuthURL(model.ProviderGoogle, "st-1")
	s.ErrorIs(err, apperr.ErrUnknownProvider)
}

func (s *ServiceTestSuite) TestLinkCreatesAccountAndEmitsEvent() {
	acct, err := s.svc.Link(s.ctx, "user-1", model.ProviderMicrosoft, "code-1")
	s.Require().NoError(err)

	s.Equal([]string{"code-1"}, s.oauth.codes)
	s.NotEmpty(acct.ID)
	s.Equal("ann@contoso.com", acct.Email)
	s.Equal("Ann", acct.Name)
	s.EqualValues(1_700_000_000_000, acct.CreatedAt)
	s.Equal("ext-1", acct.Credentials.ExternalUserID)

	stored, err := s.store.GetAccount(s.ctx, "user-1", acct.ID)
	s.Require().NoError(err)
	s.Equal("rt", stored.Credentials.RefreshToken)

	s.Require().Len(s.bus.published, 1)
	s.Equal(events.AccountLinked, s.bus.published[0].Name)
	s.Equal(events.Payload{UserID: "user-1", AccountID: acct.ID}, s.bus.published[0].Payload)
}

func (s *ServiceTestSuite) TestLinkRejectsDuplicateEmail() {
	_, err := s.svc.Link(s.ctx, "user-1", model.ProviderMicrosoft, "code-1")
	s.Require().NoError(err)

	_, err = s.svc.Link(s.ctx, "user-1", model.ProviderMicrosoft, "code-2")
	s.True(apperr.IsConflict(err))
	s.Len(s.bus.published, 1)

	// another user may link the same mailbox
	_, err = s.svc.Link(s.ctx, "user-2", model.ProviderMicrosoft, "code-3")
	s.NoError(err)
}

func (s *ServiceTestSuite) TestLinkFallsBackToEmailForName() {
	s.profile.Name = ""
	acct, err := s.svc.Link(s.ctx, "user-1", model.ProviderMicrosoft, "code-1")
	s.Require().NoError(err)
	s.Equal("ann@contoso.com", acct.Name)
}

func (s *ServiceTestSuite) TestLinkSurfacesExchangeFailure() {
	s.oauth.err = errors.New("invalid_grant")
	_, err := s.svc.Link(s.ctx, "user-1", model.ProviderMicrosoft, "bad")
	s.EqualError(err, "invalid_grant")

	page, err := s.store.ListAccounts(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Zero(page.Count)
}

func (s *ServiceTestSuite) TestLinkSurvivesPublishFailure() {
	s.bus.err = events.ErrClosed
	acct, err := s.svc.Link(s.ctx, "user-1", model.ProviderMicrosoft, "code-1")
	s.Require().NoError(err)
	s.NotEmpty(acct.ID)
}

func (s *ServiceTestSuite) TestListGetDelete() {
	acct, err := s.svc.Link(s.ctx, "user-1", model.ProviderMicrosoft, "code-1")
	s.Require().NoError(err)

	list, err := s.svc.List(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Equal(acct.Summary(), list[0])

	got, err := s.svc.Get(s.ctx, "user-1", acct.ID)
	s.Require().NoError(err)
	s.Equal(model.ProviderMicrosoft, got.Type)

	_, err = s.svc.Get(s.ctx, "user-2", acct.ID)
	s.True(apperr.IsNotFound(err))

	s.Require().NoError(s.svc.Delete(s.ctx, "user-1", acct.ID))
	_, err = s.svc.Get(s.ctx, "user-1", acct.ID)
	s.True(apperr.IsNotFound(err))

	s.True(apperr.IsNotFound(s.svc.Delete(s.ctx, "user-1", acct.ID)))
}

func (s *ServiceTestSuite) TestTriggerSync() {
	acct, err := s.svc.Link(s.ctx, "user-1", model.ProviderMicrosoft, "code-1")
	s.Require().NoError(err)

	s.Require().NoError(s.svc.TriggerSync(s.ctx, "user-1", acct.ID))
	s.Require().Len(s.bus.published, 2)
	s.Equal(events.FoldersSync, s.bus.published[1].Name)

	s.True(apperr.IsNotFound(s.svc.TriggerSync(s.ctx, "user-1", "nope")))
}

func (s *ServiceTestSuite) TestMirrorQueriesCheckOwnership() {
	acct, err := s.svc.Link(s.ctx, "user-1", model.ProviderMicrosoft, "code-1")
	s.Require().NoError(err)

	folder := &model.Folder{AccountID: acct.ID, ExternalID: "F1", DisplayName: "Inbox"}
	_, err = s.store.CreateFolder(s.ctx, folder)
	s.Require().NoError(err)
	for i, ext := range []string{"M1", "M2", "M3"} {
		_, err := s.store.CreateMessage(s.ctx, &model.Message{FolderID: folder.ID, ExternalID: ext, ReceivedDateTime: int64(i)})
		s.Require().NoError(err)
	}

	folders, err := s.svc.Folders(s.ctx, "user-1", acct.ID)
	s.Require().NoError(err)
	s.Len(folders, 1)

	page, err := s.svc.Messages(s.ctx, "user-1", acct.ID, folder.ID, 2, 0)
	s.Require().NoError(err)
	s.Equal(3, page.Count)
	s.Require().Len(page.List, 2)
	s.Equal("M3", page.List[0].ExternalID)

	msg, err := s.svc.Message(s.ctx, "user-1", acct.ID, folder.ID, page.List[1].ID)
	s.Require().NoError(err)
	s.Equal("M2", msg.ExternalID)

	_, err = s.svc.Folders(s.ctx, "user-2", acct.ID)
	s.True(apperr.IsNotFound(err))
	_, err = s.svc.Messages(s.ctx, "user-1", acct.ID, "other-folder", 10, 0)
	s.True(apperr.IsNotFound(err))
}

func TestUnknownProviderLink(t *testing.T) {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	svc := NewService(nil, nil, &recordingBus{}, logrus.NewEntry(l))

	_, err := svc.Link(context.Background(), "u", model.ProviderGoogle, "c")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUnknownProvider)
}
