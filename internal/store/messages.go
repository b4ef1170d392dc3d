package store

import (
	"context"
	"fmt"

	"github.com/Martian-dev/mailmirror/internal/apperr"
	"github.com/Martian-dev/mailmirror/internal/model"
)

// ListMessages returns a page of a folder's messages, newest first
func (s *Store) ListMessages(ctx context.Context, folderID string, limit, offset int) (Page[model.Message], error) {
	page, err := List[model.Message](ctx, s, messageCollection(folderID), ListOptions{
		SortBy: model.FieldReceivedDateTime,
		Desc:   true,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return Page[model.Message]{}, fmt.Errorf("failed to list messages: %w", err)
	}
	return page, nil
}

// GetMessage loads one message of a folder
func (s *Store) GetMessage(ctx context.Context, folderID, messageID string) (*model.Message, error) {
	page, err := List[model.Message](ctx, s, messageCollection(folderID), ListOptions{Filter: ByIDs(messageID)})
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if page.Count == 0 {
		return nil, apperr.NotFound("message", messageID)
	}
	return &page.List[0], nil
}

// GetMessageByExternalID loads the message mirroring a remote item
func (s *Store) GetMessageByExternalID(ctx context.Context, folderID, externalID string) (*model.Message, error) {
	page, err := List[model.Message](ctx, s, messageCollection(folderID), ListOptions{Filter: Match(model.FieldExternalID, externalID)})
	if err != nil {
		return nil, fmt.Errorf("failed to get message by external id: %w", err)
	}
	if page.Count == 0 {
		return nil, apperr.NotFound("message", externalID)
	}
	return &page.List[0], nil
}

// CreateMessage stores a new message; the externalId must be unused within the folder
func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) (string, error) {
	existing, err := s.GetMessageByExternalID(ctx, msg.FolderID, msg.ExternalID)
	if err != nil && !apperr.IsNotFound(err) {
		return "", err
	}
	if existing != nil {
		return "", apperr.Conflict("message", "externalId "+msg.ExternalID)
	}

	id, err := s.Create(ctx, messageCollection(msg.FolderID), msg)
	if err != nil {
		return "", fmt.Errorf("failed to create message: %w", err)
	}
	msg.ID = id
	return id, nil
}

// UpdateMessageFields applies a partial update; keys absent from fields are untouched
func (s *Store) UpdateMessageFields(ctx context.Context, folderID, messageID string, fields map[string]any) error {
	if err := s.Update(ctx, messageCollection(folderID), messageID, fields); err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

// DeleteFolderMessages removes every message of a folder
func (s *Store) DeleteFolderMessages(ctx context.Context, folderID string) error {
	return s.DeleteCollection(ctx, messageCollection(folderID))
}

// DeleteMessage removes one message
func (s *Store) DeleteMessage(ctx context.Context, folderID, messageID string) error {
	if err := s.Delete(ctx, messageCollection(folderID), messageID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
