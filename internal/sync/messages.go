package sync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/apperr"
	"github.com/Martian-dev/mailmirror/internal/model"
	"github.com/Martian-dev/mailmirror/internal/notify"
)

// ChunkResult counts what one delta page changed
type ChunkResult struct {
	Created int
	Updated int
	Removed int
	// More is set when the provider returned a skip token
	More bool
}

// SyncFolderMessages pulls chunks until the provider hands back a delta
// token, a chunk fails, or the chunk ceiling is hit. It returns the number
// of chunks attempted.
func (r *Reconciler) SyncFolderMessages(ctx context.Context, acct *model.Account, folder *model.Folder) (int, error) {
	chunks := 0
	for {
		res, err := r.SyncFolderMessagesChunk(ctx, acct, folder)
		chunks++
		if err != nil {
			return chunks, err
		}
		if !res.More {
			return chunks, nil
		}
		if chunks >= r.maxChunks {
			r.log.WithFields(logrus.Fields{
				"account": acct.ID,
				"folder":  folder.ID,
				"chunks":  chunks,
			}).Warn("chunk ceiling reached, resuming on next pass")
			return chunks, nil
		}
	}
}

// SyncFolderMessagesChunk runs one provider round trip for folder and
// persists the folder's new cursor before returning
func (r *Reconciler) SyncFolderMessagesChunk(ctx context.Context, acct *model.Account, folder *model.Folder) (ChunkResult, error) {
	var res ChunkResult

	page, err := r.provider.FetchDeltaMessages(ctx, acct, folder)
	if err != nil {
		return res, err
	}

	now := r.now().UnixMilli()
	log := r.log.WithFields(logrus.Fields{
		"account": acct.ID,
		"folder":  folder.ID,
	})

	if page.Reset {
		log.Info("provider restarted the folder listing, dropping local messages")
		if err := r.store.DeleteFolderMessages(ctx, folder.ID); err != nil {
			return res, err
		}
		folder.SyncedItemCount = 0
	}

	for _, externalID := range page.RemovedIDs {
		msg, err := r.store.GetMessageByExternalID(ctx, folder.ID, externalID)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return res, err
		}
		if err := r.store.DeleteMessage(ctx, folder.ID, msg.ID); err != nil {
			if apperr.IsNotFound(err) {
				continue
			}
			return res, err
		}
		res.Removed++
	}

	for _, item := range page.Updated {
		existing, err := r.store.GetMessageByExternalID(ctx, folder.ID, item.ExternalID)
		switch {
		case apperr.IsNotFound(err) && item.Partial:
			log.WithField("externalId", item.ExternalID).Debug("skipping partial change of an unmirrored message")
		case apperr.IsNotFound(err):
			if _, err := r.store.CreateMessage(ctx, item.newMessage(folder.ID, now)); err != nil {
				return res, fmt.Errorf("failed to create message %s: %w", item.ExternalID, err)
			}
			res.Created++
		case err != nil:
			return res, err
		default:
			fields := item.fields()
			fields[model.FieldLastSyncedAt] = now
			if err := r.store.UpdateMessageFields(ctx, folder.ID, existing.ID, fields); err != nil {
				return res, fmt.Errorf("failed to update message %s: %w", item.ExternalID, err)
			}
			res.Updated++
		}
	}

	switch {
	case page.DeltaToken != "":
		folder.DeltaToken = page.DeltaToken
		folder.SkipToken = ""
	case page.SkipToken != "":
		folder.SkipToken = page.SkipToken
		folder.DeltaToken = ""
		res.More = true
	default:
		log.Warn("provider returned no cursor, keeping the previous one")
	}
	folder.SyncedItemCount += int64(res.Created - res.Removed)
	folder.LastSyncedAt = now

	if err := r.store.UpdateFolder(ctx, folder); err != nil {
		return res, err
	}

	if page.Reset || res.Created+res.Updated+res.Removed > 0 {
		r.sink.Invalidate(acct.UserID, notify.Invalidation{Type: notify.TypeMessageList, ScopeID: folder.ID})
	}
	return res, nil
}
