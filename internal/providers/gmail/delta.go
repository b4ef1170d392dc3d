package gmail

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailmirror/internal/model"
	"github.com/Martian-dev/mailmirror/internal/sync"
)

// Cursor layout stored on the folder:
//
//	deltaToken  "<historyId>"                     steady state
//	skipToken   "list:<historyId>:<pageToken>"    full listing in progress
//	skipToken   "history:<historyId>:<pageToken>" history replay in progress
//
// The history id inside a list cursor is the mailbox position captured when
// the listing started, so changes made during a long listing are replayed.
const (
	modeList    = "list"
	modeHistory = "history"
)

type cursor struct {
	mode      string
	historyID uint64
	pageToken string
}

func (c cursor) String() string {
	return fmt.Sprintf("%s:%d:%s", c.mode, c.historyID, c.pageToken)
}

func parseCursor(folder *model.Folder) (cursor, error) {
	if folder.SkipToken != "" {
		parts := strings.SplitN(folder.SkipToken, ":", 3)
		if len(parts) != 3 || (parts[0] != modeList && parts[0] != modeHistory) {
			return cursor{}, fmt.Errorf("malformed skip token %q", folder.SkipToken)
		}
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return cursor{}, fmt.Errorf("malformed skip token %q: %w", folder.SkipToken, err)
		}
		return cursor{mode: parts[0], historyID: id, pageToken: parts[2]}, nil
	}

	if folder.DeltaToken != "" {
		id, err := strconv.ParseUint(folder.DeltaToken, 10, 64)
		if err != nil {
			return cursor{}, fmt.Errorf("malformed delta token %q: %w", folder.DeltaToken, err)
		}
		return cursor{mode: modeHistory, historyID: id}, nil
	}

	return cursor{mode: modeList}, nil
}

// FetchDeltaMessages pulls one page of changes for the label behind folder
func (c *Client) FetchDeltaMessages(ctx context.Context, acct *model.Account, folder *model.Folder) (*sync.DeltaPage, error) {
	// a restarted listing cannot see what was deleted meanwhile
	reset := false
	cur, err := parseCursor(folder)
	if err != nil {
		c.log.WithError(err).WithField("folder", folder.ID).Warn("restarting full listing")
		cur = cursor{mode: modeList}
		reset = true
	}

	var page *sync.DeltaPage
	err = c.call(ctx, acct, "fetching delta messages", func(svc *gmailv1.Service) error {
		var err error
		if cur.mode == modeHistory {
			page, err = c.historyPage(ctx, svc, folder, cur)
			if !isNotFound(err) {
				return err
			}
			// history id too old, relist everything
			c.log.WithField("folder", folder.ID).Info("history expired, relisting label")
			cur = cursor{mode: modeList}
			reset = true
		}
		page, err = c.listPage(ctx, svc, folder, cur)
		return err
	})
	if err != nil {
		return nil, err
	}
	page.Reset = reset
	return page, nil
}

func (c *Client) listPage(ctx context.Context, svc *gmailv1.Service, folder *model.Folder, cur cursor) (*sync.DeltaPage, error) {
	if cur.historyID == 0 {
		profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		cur.historyID = profile.HistoryId
	}

	call := svc.Users.Messages.List(user).LabelIds(folder.ExternalID).MaxResults(pageSize).Context(ctx)
	if cur.pageToken != "" {
		call = call.PageToken(cur.pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	msgs, _, err := getMessages(ctx, svc, ids)
	if err != nil {
		return nil, err
	}

	page := &sync.DeltaPage{}
	for _, m := range msgs {
		page.Updated = append(page.Updated, normalize(m))
	}
	if resp.NextPageToken != "" {
		page.SkipToken = cursor{mode: modeList, historyID: cur.historyID, pageToken: resp.NextPageToken}.String()
	} else {
		page.DeltaToken = strconv.FormatUint(cur.historyID, 10)
	}
	return page, nil
}

type change int

const (
	changeAdded change = iota + 1
	changeLabels
	changeRemoved
)

func (c *Client) historyPage(ctx context.Context, svc *gmailv1.Service, folder *model.Folder, cur cursor) (*sync.DeltaPage, error) {
	call := svc.Users.History.List(user).StartHistoryId(cur.historyID).LabelId(folder.ExternalID).MaxResults(pageSize).Context(ctx)
	if cur.pageToken != "" {
		call = call.PageToken(cur.pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, err
	}

	var order []string
	changes := make(map[string]change)
	labels := make(map[string][]string)
	mark := func(m *gmailv1.Message, kind change) {
		if m == nil {
			return
		}
		_, seen := changes[m.Id]
		if !seen {
			order = append(order, m.Id)
		}
		// label changes never override an add or a removal
		if kind != changeLabels || !seen {
			changes[m.Id] = kind
		}
		labels[m.Id] = m.LabelIds
	}

	for _, h := range resp.History {
		for _, ma := range h.MessagesAdded {
			mark(ma.Message, changeAdded)
		}
		for _, md := range h.MessagesDeleted {
			mark(md.Message, changeRemoved)
		}
		for _, la := range h.LabelsAdded {
			if slices.Contains(la.LabelIds, folder.ExternalID) {
				mark(la.Message, changeAdded)
			} else {
				mark(la.Message, changeLabels)
			}
		}
		for _, lr := range h.LabelsRemoved {
			if slices.Contains(lr.LabelIds, folder.ExternalID) {
				mark(lr.Message, changeRemoved)
			} else {
				mark(lr.Message, changeLabels)
			}
		}
	}

	page := &sync.DeltaPage{}
	var added []string
	for _, id := range order {
		switch changes[id] {
		case changeAdded:
			added = append(added, id)
		case changeRemoved:
			page.RemovedIDs = append(page.RemovedIDs, id)
		case changeLabels:
			page.Updated = append(page.Updated, labelChange(id, labels[id]))
		}
	}

	msgs, missing, err := getMessages(ctx, svc, added)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		page.Updated = append(page.Updated, normalize(m))
	}
	page.RemovedIDs = append(page.RemovedIDs, missing...)

	if resp.NextPageToken != "" {
		page.SkipToken = cursor{mode: modeHistory, historyID: cur.historyID, pageToken: resp.NextPageToken}.String()
		return page, nil
	}

	next := resp.HistoryId
	if next == 0 {
		next = cur.historyID
	}
	page.DeltaToken = strconv.FormatUint(next, 10)
	return page, nil
}

// labelChange is a partial update carrying only the label-derived flags
func labelChange(id string, labelIDs []string) sync.RemoteMessage {
	read := !slices.Contains(labelIDs, labelUnread)
	flagged := slices.Contains(labelIDs, labelStarred)
	return sync.RemoteMessage{ExternalID: id, IsRead: &read, IsFlagged: &flagged, Partial: true}
}
