package sync

import (
	"context"
	"time"

	"github.com/Martian-dev/mailmirror/internal/model"
)

// RemoteFolder is a provider folder normalized across providers
type RemoteFolder struct {
	ExternalID       string
	DisplayName      string
	ParentExternalID string
	ItemCount        int64
	UnreadItemCount  int64
	ChildFolderCount int64
	SizeInBytes      int64
	IsHidden         bool
}

// RemoteMessage is one changed item of a delta page. Nil fields were not
// included in the provider payload and must not overwrite local values.
type RemoteMessage struct {
	ExternalID           string
	CreatedDateTime      *time.Time
	LastModifiedDateTime *time.Time
	ReceivedDateTime     *time.Time
	SentDateTime         *time.Time
	Subject              *string
	BodyPreview          *string
	Body                 *model.Body
	ConversationID       *string
	InternetMessageID    *string
	IsRead               *bool
	IsDraft              *bool
	IsFlagged            *bool
	HasAttachments       *bool
	Sender               *model.Address
	From                 *model.Address
	ToRecipients         *[]model.Address
	CcRecipients         *[]model.Address
	BccRecipients        *[]model.Address
	ReplyTo              *[]model.Address
	WebLink              *string

	// Partial items only update a mirrored copy and are never created
	Partial bool
}

// DeltaPage is the result of one delta round trip. At most one of
// DeltaToken and SkipToken is set.
type DeltaPage struct {
	Updated    []RemoteMessage
	RemovedIDs []string
	DeltaToken string
	SkipToken  string
	// Reset means the provider lost the folder's position and starts over
	// with a full listing; the local copy is discarded before this page.
	Reset bool
}

// MailProvider is the remote side of a mailbox
type MailProvider interface {
	// FetchFolderList returns every remote folder of the account
	FetchFolderList(ctx context.Context, acct *model.Account) ([]RemoteFolder, error)

	// FetchDeltaMessages pulls one page of changes resuming from the folder's cursor
	FetchDeltaMessages(ctx context.Context, acct *model.Account, folder *model.Folder) (*DeltaPage, error)

	// MarkMessageAsRead flips the remote isRead flag
	MarkMessageAsRead(ctx context.Context, acct *model.Account, folder *model.Folder, msg *model.Message) error
}

// MailSyncer is what the orchestrator drives for one provider type
type MailSyncer interface {
	SyncAllFolders(ctx context.Context, acct *model.Account) error
	SyncAllMessages(ctx context.Context, acct *model.Account) error
	MarkMessageAsRead(ctx context.Context, acct *model.Account, folder *model.Folder, msg *model.Message) error
}

// newFolder builds a local folder with empty sync progress
func (f RemoteFolder) newFolder(accountID string) *model.Folder {
	folder := &model.Folder{AccountID: accountID, ExternalID: f.ExternalID}
	f.apply(folder)
	return folder
}

// apply copies provider-owned fields onto folder and reports whether any changed
func (f RemoteFolder) apply(folder *model.Folder) bool {
	changed := folder.DisplayName != f.DisplayName ||
		folder.ParentExternalID != f.ParentExternalID ||
		folder.ItemCount != f.ItemCount ||
		folder.UnreadItemCount != f.UnreadItemCount ||
		folder.ChildFolderCount != f.ChildFolderCount ||
		folder.SizeInBytes != f.SizeInBytes ||
		folder.IsHidden != f.IsHidden

	folder.DisplayName = f.DisplayName
	folder.ParentExternalID = f.ParentExternalID
	folder.ItemCount = f.ItemCount
	folder.UnreadItemCount = f.UnreadItemCount
	folder.ChildFolderCount = f.ChildFolderCount
	folder.SizeInBytes = f.SizeInBytes
	folder.IsHidden = f.IsHidden
	return changed
}

// newMessage builds a complete local message; absent fields take zero values
func (m RemoteMessage) newMessage(folderID string, now int64) *model.Message {
	msg := &model.Message{
		FolderID:      folderID,
		ExternalID:    m.ExternalID,
		ToRecipients:  []model.Address{},
		CcRecipients:  []model.Address{},
		BccRecipients: []model.Address{},
		ReplyTo:       []model.Address{},
		LastSyncedAt:  now,
	}

	msg.CreatedDateTime = epochMillis(m.CreatedDateTime)
	msg.LastModifiedDateTime = epochMillis(m.LastModifiedDateTime)
	msg.ReceivedDateTime = epochMillis(m.ReceivedDateTime)
	msg.SentDateTime = epochMillis(m.SentDateTime)
	setIf(&msg.Subject, m.Subject)
	setIf(&msg.BodyPreview, m.BodyPreview)
	setIf(&msg.Body, m.Body)
	setIf(&msg.ConversationID, m.ConversationID)
	setIf(&msg.InternetMessageID, m.InternetMessageID)
	setIf(&msg.IsRead, m.IsRead)
	setIf(&msg.IsDraft, m.IsDraft)
	setIf(&msg.IsFlagged, m.IsFlagged)
	setIf(&msg.HasAttachments, m.HasAttachments)
	setIf(&msg.Sender, m.Sender)
	setIf(&msg.From, m.From)
	setIf(&msg.ToRecipients, m.ToRecipients)
	setIf(&msg.CcRecipients, m.CcRecipients)
	setIf(&msg.BccRecipients, m.BccRecipients)
	setIf(&msg.ReplyTo, m.ReplyTo)
	setIf(&msg.WebLink, m.WebLink)
	return msg
}

// fields returns the partial update carrying only the present fields
func (m RemoteMessage) fields() map[string]any {
	fields := map[string]any{}

	putTime := func(key string, t *time.Time) {
		if t != nil {
			fields[key] = t.UnixMilli()
		}
	}
	putTime(model.FieldCreatedDateTime, m.CreatedDateTime)
	putTime(model.FieldLastModified, m.LastModifiedDateTime)
	putTime(model.FieldReceivedDateTime, m.ReceivedDateTime)
	putTime(model.FieldSentDateTime, m.SentDateTime)

	put(fields, model.FieldSubject, m.Subject)
	put(fields, model.FieldBodyPreview, m.BodyPreview)
	put(fields, model.FieldBody, m.Body)
	put(fields, model.FieldConversationID, m.ConversationID)
	put(fields, model.FieldInternetMessageID, m.InternetMessageID)
	put(fields, model.FieldIsRead, m.IsRead)
	put(fields, model.FieldIsDraft, m.IsDraft)
	put(fields, model.FieldIsFlagged, m.IsFlagged)
	put(fields, model.FieldHasAttachments, m.HasAttachments)
	put(fields, model.FieldSender, m.Sender)
	put(fields, model.FieldFrom, m.From)
	put(fields, model.FieldToRecipients, m.ToRecipients)
	put(fields, model.FieldCcRecipients, m.CcRecipients)
	put(fields, model.FieldBccRecipients, m.BccRecipients)
	put(fields, model.FieldReplyTo, m.ReplyTo)
	put(fields, model.FieldWebLink, m.WebLink)
	return fields
}

func put[T any](fields map[string]any, key string, v *T) {
	if v != nil {
		fields[key] = *v
	}
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func epochMillis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}
