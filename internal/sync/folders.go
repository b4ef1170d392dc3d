package sync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailmirror/internal/model"
)

// FolderSyncResult counts what one folder reconciliation changed
type FolderSyncResult struct {
	Created int
	Updated int
	Removed int
}

// Changed reports whether any folder was touched
func (r FolderSyncResult) Changed() bool {
	return r.Created+r.Updated+r.Removed > 0
}

// SyncFolders makes the local folder set of acct match the remote one.
// Folders are matched by externalId only; sync progress fields of existing
// folders are never touched.
func (r *Reconciler) SyncFolders(ctx context.Context, acct *model.Account) (FolderSyncResult, error) {
	var (
		local  []model.Folder
		remote []RemoteFolder
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		page, err := r.store.ListFolders(gctx, acct.ID)
		if err != nil {
			return err
		}
		local = page.List
		return nil
	})
	g.Go(func() error {
		folders, err := r.provider.FetchFolderList(gctx, acct)
		if err != nil {
			return err
		}
		remote = folders
		return nil
	})
	if err := g.Wait(); err != nil {
		return FolderSyncResult{}, err
	}

	byExternalID := make(map[string]*model.Folder, len(local))
	for i := range local {
		byExternalID[local[i].ExternalID] = &local[i]
	}

	var res FolderSyncResult
	seen := make(map[string]struct{}, len(remote))

	for _, rf := range remote {
		seen[rf.ExternalID] = struct{}{}

		if existing, ok := byExternalID[rf.ExternalID]; ok {
			if !rf.apply(existing) {
				continue
			}
			if err := r.store.UpdateFolder(ctx, existing); err != nil {
				return res, fmt.Errorf("failed to update folder %s: %w", rf.ExternalID, err)
			}
			res.Updated++
			continue
		}

		folder := rf.newFolder(acct.ID)
		if _, err := r.store.CreateFolder(ctx, folder); err != nil {
			return res, fmt.Errorf("failed to create folder %s: %w", rf.ExternalID, err)
		}
		byExternalID[rf.ExternalID] = folder
		res.Created++
	}

	for i := range local {
		if _, ok := seen[local[i].ExternalID]; ok {
			continue
		}
		if err := r.store.DeleteFolder(ctx, acct.ID, local[i].ID); err != nil {
			return res, fmt.Errorf("failed to delete folder %s: %w", local[i].ExternalID, err)
		}
		res.Removed++
	}

	return res, nil
}
