package sync

import (
	"fmt"

	"github.com/Martian-dev/mailmirror/internal/apperr"
	"github.com/Martian-dev/mailmirror/internal/model"
)

// Registry maps an account's provider type to the syncer handling it. It is
// filled at startup and read-only afterwards.
type Registry struct {
	syncers map[model.ProviderType]MailSyncer
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{syncers: make(map[model.ProviderType]MailSyncer)}
}

// Register binds t to s
func (r *Registry) Register(t model.ProviderType, s MailSyncer) *Registry {
	r.syncers[t] = s
	return r
}

// Resolve returns the syncer for acct or ErrUnknownProvider
func (r *Registry) Resolve(acct *model.Account) (MailSyncer, error) {
	s, ok := r.syncers[acct.Type]
	if !ok {
		return nil, fmt.Errorf("account %s has type %q: %w", acct.ID, acct.Type, apperr.ErrUnknownProvider)
	}
	return s, nil
}
