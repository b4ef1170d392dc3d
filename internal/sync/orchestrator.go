package sync

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/apperr"
	"github.com/Martian-dev/mailmirror/internal/events"
	"github.com/Martian-dev/mailmirror/internal/model"
)

// EntityStore loads the entities an event refers to
type EntityStore interface {
	GetAccount(ctx context.Context, userID, accountID string) (*model.Account, error)
	GetFolder(ctx context.Context, accountID, folderID string) (*model.Folder, error)
	GetMessage(ctx context.Context, folderID, messageID string) (*model.Message, error)
}

// Orchestrator turns events into reconciliation passes. Every stage
// persists its result before the next event is published, so an interrupted
// cascade resumes from the stored cursors.
type Orchestrator struct {
	registry *Registry
	store    EntityStore
	bus      events.Bus
	log      *logrus.Entry

	// passes of one account never overlap
	mu    sync.Mutex
	gates map[string]*accountGate
}

// accountGate admits one pass per account at a time. Events arriving while a
// pass runs are coalesced into rerun and republished when it ends.
type accountGate struct {
	sem   chan struct{}
	refs  int
	rerun map[string]events.Event
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(registry *Registry, st EntityStore, bus events.Bus, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		store:    st,
		bus:      bus,
		log:      log.WithField("component", "orchestrator"),
		gates:    make(map[string]*accountGate),
	}
}

// Subscribe binds the orchestrator's handlers to the bus
func (o *Orchestrator) Subscribe() error {
	handlers := map[events.Name]events.Handler{
		events.AccountLinked:   o.onAccountLinked,
		events.FoldersSync:     o.onFoldersSync,
		events.MessagesSync:    o.onMessagesSync,
		events.MessageMarkRead: o.onMarkRead,
	}
	for name, h := range handlers {
		if err := o.bus.Subscribe(name, h); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) onAccountLinked(ctx context.Context, ev events.Event) {
	o.publish(ctx, events.FoldersSync, ev.Payload)
}

func (o *Orchestrator) onFoldersSync(ctx context.Context, ev events.Event) {
	log := o.eventLog(ev)

	acct, syncer, ok := o.resolve(ctx, ev, log)
	if !ok {
		return
	}

	if !o.tryEnter(acct.ID, ev, log) {
		return
	}
	err := syncer.SyncAllFolders(ctx, acct)
	o.leave(ctx, acct.ID)
	if err != nil {
		log.WithError(err).Error("folder sync failed")
		return
	}

	o.publish(ctx, events.FoldersReconciled, ev.Payload)
	o.publish(ctx, events.MessagesSync, ev.Payload)
}

func (o *Orchestrator) onMessagesSync(ctx context.Context, ev events.Event) {
	log := o.eventLog(ev)

	acct, syncer, ok := o.resolve(ctx, ev, log)
	if !ok {
		return
	}

	if !o.tryEnter(acct.ID, ev, log) {
		return
	}
	err := syncer.SyncAllMessages(ctx, acct)
	o.leave(ctx, acct.ID)
	if err != nil {
		log.WithError(err).Error("message sync failed")
		return
	}

	o.publish(ctx, events.MessagesReconciled, ev.Payload)
}

func (o *Orchestrator) onMarkRead(ctx context.Context, ev events.Event) {
	log := o.eventLog(ev)
	p := ev.Payload

	acct, folder, msg, syncer, err := o.loadMessage(ctx, p.UserID, p.AccountID, p.FolderID, p.MessageID)
	if err != nil {
		log.WithError(err).Error("mark as read failed")
		return
	}
	if !o.tryEnter(acct.ID, ev, log) {
		return
	}
	if err := o.markRead(ctx, syncer, acct, folder, msg); err != nil {
		log.WithError(err).Error("mark as read failed")
	}
}

// MarkMessageAsRead marks one message read on the provider and locally, then
// schedules a folder sync so unread counters catch up. It waits for a running
// pass of the same account until ctx is done.
func (o *Orchestrator) MarkMessageAsRead(ctx context.Context, userID, accountID, folderID, messageID string) error {
	acct, folder, msg, syncer, err := o.loadMessage(ctx, userID, accountID, folderID, messageID)
	if err != nil {
		return err
	}
	if err := o.enter(ctx, acct.ID); err != nil {
		return err
	}
	return o.markRead(ctx, syncer, acct, folder, msg)
}

// markRead runs with the account's gate held and releases it
func (o *Orchestrator) markRead(ctx context.Context, syncer MailSyncer, acct *model.Account, folder *model.Folder, msg *model.Message) error {
	err := syncer.MarkMessageAsRead(ctx, acct, folder, msg)
	o.leave(ctx, acct.ID)
	if err != nil {
		return err
	}

	o.publish(ctx, events.FoldersSync, events.Payload{UserID: acct.UserID, AccountID: acct.ID})
	return nil
}

func (o *Orchestrator) loadMessage(ctx context.Context, userID, accountID, folderID, messageID string) (*model.Account, *model.Folder, *model.Message, MailSyncer, error) {
	acct, err := o.store.GetAccount(ctx, userID, accountID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	folder, err := o.store.GetFolder(ctx, accountID, folderID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	msg, err := o.store.GetMessage(ctx, folderID, messageID)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	syncer, err := o.registry.Resolve(acct)
	if err != nil {
		o.log.WithError(err).Error("no syncer registered for account type")
		return nil, nil, nil, nil, err
	}
	return acct, folder, msg, syncer, nil
}

// resolve loads the event's account and its syncer. Missing accounts are an
// expected race with deletion and only logged.
func (o *Orchestrator) resolve(ctx context.Context, ev events.Event, log *logrus.Entry) (*model.Account, MailSyncer, bool) {
	acct, err := o.store.GetAccount(ctx, ev.Payload.UserID, ev.Payload.AccountID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			log.Warn("account not found, skipping")
		} else {
			log.WithError(err).Error("failed to load account")
		}
		return nil, nil, false
	}

	syncer, err := o.registry.Resolve(acct)
	if err != nil {
		log.WithError(err).Error("no syncer registered for account type")
		return nil, nil, false
	}
	return acct, syncer, true
}

// gate returns the account's gate and takes a reference on it. Callers hold
// o.mu.
func (o *Orchestrator) gate(accountID string) *accountGate {
	g, ok := o.gates[accountID]
	if !ok {
		g = &accountGate{sem: make(chan struct{}, 1), rerun: make(map[string]events.Event)}
		o.gates[accountID] = g
	}
	g.refs++
	return g
}

// release drops a reference and forgets idle gates. Callers hold o.mu.
func (o *Orchestrator) release(accountID string, g *accountGate) {
	g.refs--
	if g.refs == 0 && len(g.rerun) == 0 {
		delete(o.gates, accountID)
	}
}

// tryEnter starts a pass for ev's account without waiting. When a pass is
// already running ev is remembered and replayed once it ends.
func (o *Orchestrator) tryEnter(accountID string, ev events.Event, log *logrus.Entry) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	g := o.gate(accountID)
	select {
	case g.sem <- struct{}{}:
		return true
	default:
		g.rerun[rerunKey(ev)] = ev
		o.release(accountID, g)
		log.Debug("account busy, coalescing event")
		return false
	}
}

// enter waits for the account's gate until ctx is done
func (o *Orchestrator) enter(ctx context.Context, accountID string) error {
	o.mu.Lock()
	g := o.gate(accountID)
	o.mu.Unlock()

	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		o.mu.Lock()
		o.release(accountID, g)
		o.mu.Unlock()
		return ctx.Err()
	}
}

// leave ends the running pass and replays the events it absorbed
func (o *Orchestrator) leave(ctx context.Context, accountID string) {
	o.mu.Lock()
	g := o.gates[accountID]
	<-g.sem
	rerun := g.rerun
	g.rerun = make(map[string]events.Event)
	o.release(accountID, g)
	o.mu.Unlock()

	for _, ev := range rerun {
		o.publish(ctx, ev.Name, ev.Payload)
	}
}

// rerunKey collapses repeated syncs of one account; mark-read events stay
// distinct per message
func rerunKey(ev events.Event) string {
	if ev.Name == events.MessageMarkRead {
		return string(ev.Name) + ":" + ev.Payload.FolderID + ":" + ev.Payload.MessageID
	}
	return string(ev.Name)
}

func (o *Orchestrator) publish(ctx context.Context, name events.Name, p events.Payload) {
	if err := o.bus.Publish(ctx, events.New(name, p)); err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{
			"event":   name,
			"account": p.AccountID,
		}).Error("failed to publish event")
	}
}

func (o *Orchestrator) eventLog(ev events.Event) *logrus.Entry {
	return o.log.WithFields(logrus.Fields{
		"event":   ev.Name,
		"eventId": ev.ID,
		"user":    ev.Payload.UserID,
		"account": ev.Payload.AccountID,
	})
}
