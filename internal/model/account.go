package model

import "time"

// ProviderType tags which mail provider backs an account
type ProviderType string

const (
	ProviderMicrosoft ProviderType = "Microsoft"
	ProviderGoogle    ProviderType = "Google"
)

// Valid reports whether t is one of the supported providers
func (t ProviderType) Valid() bool {
	switch t {
	case ProviderMicrosoft, ProviderGoogle:
		return true
	}
	return false
}

// Credentials is the provider-specific token bundle of an account
type Credentials struct {
	AccessToken    string    `json:"accessToken"`
	RefreshToken   string    `json:"refreshToken"`
	ExternalUserID string    `json:"externalUserId"`
	Expiry         time.Time `json:"expiry,omitempty"`
}

// Account is a linked remote mailbox owned by a user
type Account struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	Email       string       `json:"email"`
	Name        string       `json:"name"`
	CreatedAt   int64        `json:"createdAt"`
	Type        ProviderType `json:"type"`
	Credentials Credentials  `json:"credentials"`
}

// AccountSummary is the credential-free view of an account handed to clients
type AccountSummary struct {
	ID        string       `json:"id"`
	Type      ProviderType `json:"type"`
	Email     string       `json:"email"`
	Name      string       `json:"name"`
	CreatedAt int64        `json:"createdAt"`
}

// Summary strips credentials from the account
func (a *Account) Summary() AccountSummary {
	return AccountSummary{
		ID:        a.ID,
		Type:      a.Type,
		Email:     a.Email,
		Name:      a.Name,
		CreatedAt: a.CreatedAt,
	}
}

// Profile is the remote identity behind a freshly exchanged token
type Profile struct {
	ExternalUserID string
	Email          string
	Name           string
}
