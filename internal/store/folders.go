package store

import (
	"context"
	"fmt"

	"github.com/Martian-dev/mailmirror/internal/apperr"
	"github.com/Martian-dev/mailmirror/internal/model"
)

// ListFolders returns every local folder of an account
func (s *Store) ListFolders(ctx context.Context, accountID string) (Page[model.Folder], error) {
	page, err := List[model.Folder](ctx, s, folderCollection(accountID), ListOptions{})
	if err != nil {
		return Page[model.Folder]{}, fmt.Errorf("failed to list folders: %w", err)
	}
	return page, nil
}

// GetFolder loads one folder of an account
func (s *Store) GetFolder(ctx context.Context, accountID, folderID string) (*model.Folder, error) {
	page, err := List[model.Folder](ctx, s, folderCollection(accountID), ListOptions{Filter: ByIDs(folderID)})
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	if page.Count == 0 {
		return nil, apperr.NotFound("folder", folderID)
	}
	return &page.List[0], nil
}

// GetFolderByExternalID loads the folder mirroring a remote folder
func (s *Store) GetFolderByExternalID(ctx context.Context, accountID, externalID string) (*model.Folder, error) {
	page, err := List[model.Folder](ctx, s, folderCollection(accountID), ListOptions{Filter: Match(model.FieldExternalID, externalID)})
	if err != nil {
		return nil, fmt.Errorf("failed to get folder by external id: %w", err)
	}
	if page.Count == 0 {
		return nil, apperr.NotFound("folder", externalID)
	}
	return &page.List[0], nil
}

// CreateFolder stores a new folder; the externalId must be unused within the account
func (s *Store) CreateFolder(ctx context.Context, folder *model.Folder) (string, error) {
	existing, err := s.GetFolderByExternalID(ctx, folder.AccountID, folder.ExternalID)
	if err != nil && !apperr.IsNotFound(err) {
		return "", err
	}
	if existing != nil {
		return "", apperr.Conflict("folder", "externalId "+folder.ExternalID)
	}

	id, err := s.Create(ctx, folderCollection(folder.AccountID), folder)
	if err != nil {
		return "", fmt.Errorf("failed to create folder: %w", err)
	}
	folder.ID = id
	return id, nil
}

// UpdateFolder persists every field of folder
func (s *Store) UpdateFolder(ctx context.Context, folder *model.Folder) error {
	fields, err := toFields(folder)
	if err != nil {
		return err
	}
	if err := s.Update(ctx, folderCollection(folder.AccountID), folder.ID, fields); err != nil {
		return fmt.Errorf("failed to update folder: %w", err)
	}
	return nil
}

// DeleteFolder removes a folder and all messages scoped to it
func (s *Store) DeleteFolder(ctx context.Context, accountID, folderID string) error {
	if err := s.DeleteCollection(ctx, messageCollection(folderID)); err != nil {
		return err
	}
	if err := s.Delete(ctx, folderCollection(accountID), folderID); err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return nil
}
