package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmirror/internal/model"
	"github.com/Martian-dev/mailmirror/internal/notify"
	"github.com/Martian-dev/mailmirror/internal/store"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type fakeProvider struct {
	mu sync.Mutex

	folders   []RemoteFolder
	folderErr error

	// pages are served in order per folder externalId; an exhausted queue
	// answers with a delta token
	pages    map[string][]*DeltaPage
	deltaErr map[string]error
	endless  map[string]bool

	deltaCalls  map[string]int
	seenCursors map[string][][2]string
	marked      []string
	markErr     error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		pages:       map[string][]*DeltaPage{},
		deltaErr:    map[string]error{},
		endless:     map[string]bool{},
		deltaCalls:  map[string]int{},
		seenCursors: map[string][][2]string{},
	}
}

func (p *fakeProvider) FetchFolderList(ctx context.Context, acct *model.Account) ([]RemoteFolder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.folderErr != nil {
		return nil, p.folderErr
	}
	return append([]RemoteFolder(nil), p.folders...), nil
}

func (p *fakeProvider) FetchDeltaMessages(ctx context.Context, acct *model.Account, folder *model.Folder) (*DeltaPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ext := folder.ExternalID
	p.deltaCalls[ext]++
	p.seenCursors[ext] = append(p.seenCursors[ext], [2]string{folder.DeltaToken, folder.SkipToken})

	if err := p.deltaErr[ext]; err != nil {
		return nil, err
	}
	if p.endless[ext] {
		return &DeltaPage{SkipToken: fmt.Sprintf("skip-%d", p.deltaCalls[ext])}, nil
	}
	queue := p.pages[ext]
	if len(queue) == 0 {
		return &DeltaPage{DeltaToken: "delta-final"}, nil
	}
	page := queue[0]
	p.pages[ext] = queue[1:]
	return page, nil
}

func (p *fakeProvider) MarkMessageAsRead(ctx context.Context, acct *model.Account, folder *model.Folder, msg *model.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.markErr != nil {
		return p.markErr
	}
	p.marked = append(p.marked, msg.ExternalID)
	return nil
}

type recordingSink struct {
	mu   sync.Mutex
	sent []notify.Invalidation
}

func (s *recordingSink) Invalidate(userID string, inv notify.Invalidation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, inv)
}

func (s *recordingSink) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, inv := range s.sent {
		if inv.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	provider   *fakeProvider
	store      *store.Store
	sink       *recordingSink
	reconciler *Reconciler
	account    *model.Account
	ctx        context.Context
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	st, err := store.Open(store.DriverModernc, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	acct := &model.Account{UserID: "user-1", Email: "me@example.com", Type: model.ProviderMicrosoft}
	_, err = st.CreateAccount(ctx, acct)
	require.NoError(t, err)

	p := newFakeProvider()
	sink := &recordingSink{}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)

	return &fixture{
		provider:   p,
		store:      st,
		sink:       sink,
		reconciler: NewReconciler(p, st, sink, testLogger(), opts...),
		account:    acct,
		ctx:        ctx,
	}
}

func (f *fixture) folder(t *testing.T, folder model.Folder) *model.Folder {
	t.Helper()
	folder.AccountID = f.account.ID
	_, err := f.store.CreateFolder(f.ctx, &folder)
	require.NoError(t, err)
	return &folder
}

func (f *fixture) message(t *testing.T, msg model.Message) *model.Message {
	t.Helper()
	_, err := f.store.CreateMessage(f.ctx, &msg)
	require.NoError(t, err)
	return &msg
}

func (f *fixture) reloadFolder(t *testing.T, id string) *model.Folder {
	t.Helper()
	folder, err := f.store.GetFolder(f.ctx, f.account.ID, id)
	require.NoError(t, err)
	return folder
}

func ptr[T any](v T) *T { return &v }
