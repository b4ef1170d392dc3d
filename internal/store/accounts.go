package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Martian-dev/mailmirror/internal/apperr"
	"github.com/Martian-dev/mailmirror/internal/model"
)

// Collection names are partitioned by their parent id
func accountCollection(userID string) string  { return "account__" + userID }
func folderCollection(accountID string) string { return "mail-folder__" + accountID }
func messageCollection(folderID string) string { return "mail-message__" + folderID }

// CreateAccount stores a new account. An account with the same email for the
// user is a conflict.
func (s *Store) CreateAccount(ctx context.Context, acct *model.Account) (string, error) {
	existing, err := s.GetAccountByEmail(ctx, acct.UserID, acct.Email)
	if err != nil && !apperr.IsNotFound(err) {
		return "", err
	}
	if existing != nil {
		return "", apperr.Conflict("account", "email "+acct.Email)
	}

	id, err := s.Create(ctx, accountCollection(acct.UserID), acct)
	if err != nil {
		return "", fmt.Errorf("failed to create account: %w", err)
	}
	acct.ID = id
	return id, nil
}

// GetAccount loads one account of a user
func (s *Store) GetAccount(ctx context.Context, userID, accountID string) (*model.Account, error) {
	page, err := List[model.Account](ctx, s, accountCollection(userID), ListOptions{Filter: ByIDs(accountID)})
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if page.Count == 0 {
		return nil, apperr.NotFound("account", accountID)
	}
	return &page.List[0], nil
}

// GetAccountByEmail loads the account of a user linked to email
func (s *Store) GetAccountByEmail(ctx context.Context, userID, email string) (*model.Account, error) {
	page, err := List[model.Account](ctx, s, accountCollection(userID), ListOptions{Filter: Match(model.FieldEmail, email)})
	if err != nil {
		return nil, fmt.Errorf("failed to get account by email: %w", err)
	}
	if page.Count == 0 {
		return nil, apperr.NotFound("account", email)
	}
	return &page.List[0], nil
}

// ListAccounts returns every account of a user
func (s *Store) ListAccounts(ctx context.Context, userID string) (Page[model.Account], error) {
	page, err := List[model.Account](ctx, s, accountCollection(userID), ListOptions{})
	if err != nil {
		return Page[model.Account]{}, fmt.Errorf("failed to list accounts: %w", err)
	}
	return page, nil
}

// UpdateCredentials replaces the credential bundle of an account
func (s *Store) UpdateCredentials(ctx context.Context, acct *model.Account, creds model.Credentials) error {
	fields, err := toFields(struct {
		Credentials model.Credentials `json:"credentials"`
	}{creds})
	if err != nil {
		return err
	}
	if err := s.Update(ctx, accountCollection(acct.UserID), acct.ID, fields); err != nil {
		return fmt.Errorf("failed to update account credentials: %w", err)
	}
	return nil
}

// DeleteAccount removes an account together with its folders and their messages
func (s *Store) DeleteAccount(ctx context.Context, userID, accountID string) error {
	folders, err := s.ListFolders(ctx, accountID)
	if err != nil {
		return err
	}
	for _, f := range folders.List {
		if err := s.DeleteCollection(ctx, messageCollection(f.ID)); err != nil {
			return err
		}
	}
	if err := s.DeleteCollection(ctx, folderCollection(accountID)); err != nil {
		return err
	}
	if err := s.Delete(ctx, accountCollection(userID), accountID); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// ListAllAccounts returns the accounts of every user
func (s *Store) ListAllAccounts(ctx context.Context) ([]model.Account, error) {
	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, `
		SELECT body FROM documents
		WHERE collection LIKE 'account\_\_%' ESCAPE '\'
		ORDER BY created_at, id
	`); err != nil {
		return nil, fmt.Errorf("failed to list all accounts: %w", err)
	}

	accounts := make([]model.Account, 0, len(bodies))
	for _, body := range bodies {
		var acct model.Account
		if err := json.Unmarshal([]byte(body), &acct); err != nil {
			return nil, fmt.Errorf("failed to decode account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}
