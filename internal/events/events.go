package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Name identifies a stage of the sync cascade
type Name string

const (
	AccountLinked      Name = "account.linked"
	FoldersSync        Name = "folders.sync"
	FoldersReconciled  Name = "folders.reconciled"
	MessagesSync       Name = "messages.sync"
	MessagesReconciled Name = "messages.reconciled"
	MessageMarkRead    Name = "message.mark-read"
)

// ErrClosed is returned by Publish once the bus stopped accepting events
var ErrClosed = errors.New("event bus is closed")

// Payload carries the ids a handler needs to reload its entities
type Payload struct {
	UserID    string `json:"userId"`
	AccountID string `json:"accountId"`
	FolderID  string `json:"folderId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// Event is one asynchronous trigger
type Event struct {
	ID        string    `json:"id"`
	Name      Name      `json:"name"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// New builds an event with a fresh id
func New(name Name, payload Payload) Event {
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Handler consumes one event. Handlers log their own failures.
type Handler func(ctx context.Context, ev Event)

// Bus delivers events to subscribers at most once
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(name Name, h Handler) error
}
