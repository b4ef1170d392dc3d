package outlook

import (
	"encoding/json"
	"fmt"

	absser "github.com/microsoft/kiota-abstractions-go/serialization"
	jsonserialization "github.com/microsoft/kiota-serialization-json-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/Martian-dev/mailmirror/internal/model"
	"github.com/Martian-dev/mailmirror/internal/sync"
)

// parseObject decodes a Graph JSON object into its SDK model
func parseObject(raw []byte, factory absser.ParsableFactory) (absser.Parsable, error) {
	node, err := jsonserialization.NewJsonParseNode(raw)
	if err != nil {
		return nil, err
	}
	return node.GetObjectValue(factory)
}

// decodeFolder converts a Graph mailFolder into a RemoteFolder
func decodeFolder(raw json.RawMessage) (sync.RemoteFolder, error) {
	parsed, err := parseObject(raw, models.CreateMailFolderFromDiscriminatorValue)
	if err != nil {
		return sync.RemoteFolder{}, fmt.Errorf("failed to decode mail folder: %w", err)
	}
	f, ok := parsed.(models.MailFolderable)
	if !ok {
		return sync.RemoteFolder{}, fmt.Errorf("unexpected mail folder payload")
	}

	// sizeInBytes is not part of the SDK model
	var extra struct {
		SizeInBytes int64 `json:"sizeInBytes"`
	}
	if err := json.Unmarshal(raw, &extra); err != nil {
		return sync.RemoteFolder{}, fmt.Errorf("failed to decode mail folder: %w", err)
	}

	return sync.RemoteFolder{
		ExternalID:       deref(f.GetId()),
		DisplayName:      deref(f.GetDisplayName()),
		ParentExternalID: deref(f.GetParentFolderId()),
		ItemCount:        int64(deref(f.GetTotalItemCount())),
		UnreadItemCount:  int64(deref(f.GetUnreadItemCount())),
		ChildFolderCount: int64(deref(f.GetChildFolderCount())),
		SizeInBytes:      extra.SizeInBytes,
		IsHidden:         deref(f.GetIsHidden()),
	}, nil
}

// decodeMessage converts a Graph message into a RemoteMessage keeping
// track of which fields the payload carried
func decodeMessage(raw json.RawMessage) (sync.RemoteMessage, error) {
	parsed, err := parseObject(raw, models.CreateMessageFromDiscriminatorValue)
	if err != nil {
		return sync.RemoteMessage{}, fmt.Errorf("failed to decode message: %w", err)
	}
	m, ok := parsed.(models.Messageable)
	if !ok {
		return sync.RemoteMessage{}, fmt.Errorf("unexpected message payload")
	}
	return normalizeOutlook(m), nil
}

func normalizeOutlook(m models.Messageable) sync.RemoteMessage {
	msg := sync.RemoteMessage{
		ExternalID:           deref(m.GetId()),
		CreatedDateTime:      m.GetCreatedDateTime(),
		LastModifiedDateTime: m.GetLastModifiedDateTime(),
		ReceivedDateTime:     m.GetReceivedDateTime(),
		SentDateTime:         m.GetSentDateTime(),
		Subject:              m.GetSubject(),
		BodyPreview:          m.GetBodyPreview(),
		ConversationID:       m.GetConversationId(),
		InternetMessageID:    m.GetInternetMessageId(),
		IsRead:               m.GetIsRead(),
		IsDraft:              m.GetIsDraft(),
		HasAttachments:       m.GetHasAttachments(),
		WebLink:              m.GetWebLink(),
		Sender:               extractAddress(m.GetSender()),
		From:                 extractAddress(m.GetFrom()),
		ToRecipients:         extractAddresses(m.GetToRecipients()),
		CcRecipients:         extractAddresses(m.GetCcRecipients()),
		BccRecipients:        extractAddresses(m.GetBccRecipients()),
		ReplyTo:              extractAddresses(m.GetReplyTo()),
	}

	if body := m.GetBody(); body != nil {
		b := &model.Body{Content: deref(body.GetContent())}
		if ct := body.GetContentType(); ct != nil {
			b.ContentType = ct.String()
		}
		msg.Body = b
	}

	if flag := m.GetFlag(); flag != nil {
		flagged := false
		if status := flag.GetFlagStatus(); status != nil {
			flagged = *status == models.FLAGGED_FOLLOWUPFLAGSTATUS
		}
		msg.IsFlagged = &flagged
	}

	return msg
}

// extractAddress flattens a Graph recipient into {name, address}
func extractAddress(r models.Recipientable) *model.Address {
	if r == nil {
		return nil
	}
	addr := &model.Address{}
	if email := r.GetEmailAddress(); email != nil {
		addr.Name = deref(email.GetName())
		addr.Address = deref(email.GetAddress())
	}
	return addr
}

// extractAddresses maps a recipient list element-wise; nil means absent
func extractAddresses(recipients []models.Recipientable) *[]model.Address {
	if recipients == nil {
		return nil
	}
	addrs := make([]model.Address, 0, len(recipients))
	for _, r := range recipients {
		if a := extractAddress(r); a != nil {
			addrs = append(addrs, *a)
		}
	}
	return &addrs
}

func profileFromUser(u models.Userable) model.Profile {
	email := deref(u.GetMail())
	if email == "" {
		email = deref(u.GetUserPrincipalName())
	}
	return model.Profile{
		ExternalUserID: deref(u.GetId()),
		Email:          email,
		Name:           deref(u.GetDisplayName()),
	}
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}
