package sync

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/apperr"
	"github.com/Martian-dev/mailmirror/internal/model"
	"github.com/Martian-dev/mailmirror/internal/notify"
	"github.com/Martian-dev/mailmirror/internal/store"
)

// DefaultMaxChunksPerFolder bounds the chunk loop of one folder per pass
const DefaultMaxChunksPerFolder = 500

// Store is the local mirror as seen by the reconcilers
type Store interface {
	ListFolders(ctx context.Context, accountID string) (store.Page[model.Folder], error)
	CreateFolder(ctx context.Context, folder *model.Folder) (string, error)
	UpdateFolder(ctx context.Context, folder *model.Folder) error
	DeleteFolder(ctx context.Context, accountID, folderID string) error

	GetMessageByExternalID(ctx context.Context, folderID, externalID string) (*model.Message, error)
	CreateMessage(ctx context.Context, msg *model.Message) (string, error)
	UpdateMessageFields(ctx context.Context, folderID, messageID string, fields map[string]any) error
	DeleteMessage(ctx context.Context, folderID, messageID string) error
	DeleteFolderMessages(ctx context.Context, folderID string) error
}

// Reconciler mirrors one provider's mailboxes into the local store. It
// implements MailSyncer for any MailProvider.
type Reconciler struct {
	provider  MailProvider
	store     Store
	sink      notify.Sink
	maxChunks int
	now       func() time.Time
	log       *logrus.Entry
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithMaxChunksPerFolder overrides the per-folder chunk ceiling
func WithMaxChunksPerFolder(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxChunks = n
		}
	}
}

// WithClock overrides the time source used for lastSyncedAt
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler for provider
func NewReconciler(provider MailProvider, st Store, sink notify.Sink, log *logrus.Entry, opts ...Option) *Reconciler {
	r := &Reconciler{
		provider:  provider,
		store:     st,
		sink:      sink,
		maxChunks: DefaultMaxChunksPerFolder,
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SyncAllFolders reconciles the folder list and tells clients when it changed
func (r *Reconciler) SyncAllFolders(ctx context.Context, acct *model.Account) error {
	log := r.log.WithField("account", acct.ID)

	res, err := r.SyncFolders(ctx, acct)
	if err != nil {
		log.WithError(err).Error("folder sync failed")
		return err
	}

	log.WithFields(logrus.Fields{
		"created": res.Created,
		"updated": res.Updated,
		"removed": res.Removed,
	}).Info("folders synced")

	if res.Changed() {
		r.sink.Invalidate(acct.UserID, notify.Invalidation{Type: notify.TypeFolderList, ScopeID: acct.ID})
	}
	return nil
}

// SyncAllMessages runs the chunk loop for every folder of the account, one
// folder at a time. A failing folder is logged and skipped; only an invalid
// credential aborts the pass.
func (r *Reconciler) SyncAllMessages(ctx context.Context, acct *model.Account) error {
	log := r.log.WithField("account", acct.ID)

	folders, err := r.store.ListFolders(ctx, acct.ID)
	if err != nil {
		return err
	}

	var failed int
	for i := range folders.List {
		folder := &folders.List[i]
		flog := log.WithFields(logrus.Fields{"folder": folder.ID, "folderName": folder.DisplayName})

		chunks, err := r.SyncFolderMessages(ctx, acct, folder)
		if err != nil {
			failed++
			flog.WithError(err).WithField("chunks", chunks).Error("message sync stopped for folder")
			if errors.Is(err, apperr.ErrAuthInvalid) || ctx.Err() != nil {
				return err
			}
			continue
		}
		flog.WithField("chunks", chunks).Debug("folder messages synced")
	}

	log.WithFields(logrus.Fields{
		"folders": len(folders.List),
		"failed":  failed,
	}).Info("messages synced")

	// counters on the folder list moved
	r.sink.Invalidate(acct.UserID, notify.Invalidation{Type: notify.TypeFolderList, ScopeID: acct.ID})
	return nil
}

// MarkMessageAsRead flips isRead remotely and then in the mirror
func (r *Reconciler) MarkMessageAsRead(ctx context.Context, acct *model.Account, folder *model.Folder, msg *model.Message) error {
	if err := r.provider.MarkMessageAsRead(ctx, acct, folder, msg); err != nil {
		return err
	}

	if err := r.store.UpdateMessageFields(ctx, folder.ID, msg.ID, map[string]any{
		model.FieldIsRead:       true,
		model.FieldLastSyncedAt: r.now().UnixMilli(),
	}); err != nil {
		return err
	}
	msg.IsRead = true

	r.sink.Invalidate(acct.UserID, notify.Invalidation{Type: notify.TypeMessageList, ScopeID: folder.ID})
	return nil
}
