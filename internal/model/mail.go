package model

// Folder is a remote mail folder mirrored locally. DeltaToken and SkipToken
// form the sync cursor; at most one of them is set after a chunk completes.
type Folder struct {
	ID               string `json:"id"`
	AccountID        string `json:"accountId"`
	ExternalID       string `json:"externalId"`
	DisplayName      string `json:"displayName"`
	ParentExternalID string `json:"parentExternalId"`
	ItemCount        int64  `json:"itemCount"`
	UnreadItemCount  int64  `json:"unreadItemCount"`
	ChildFolderCount int64  `json:"childFolderCount"`
	SizeInBytes      int64  `json:"sizeInBytes"`
	IsHidden         bool   `json:"isHidden"`
	SyncedItemCount  int64  `json:"syncedItemCount"`
	LastSyncedAt     int64  `json:"lastSyncedAt"`
	DeltaToken       string `json:"deltaToken"`
	SkipToken        string `json:"skipToken"`
}

// Address is a flattened participant
type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Body is the full message body
type Body struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// Message is a mirrored mail item. Timestamps are epoch milliseconds.
type Message struct {
	ID                   string    `json:"id"`
	FolderID             string    `json:"folderId"`
	ExternalID           string    `json:"externalId"`
	CreatedDateTime      int64     `json:"createdDateTime"`
	LastModifiedDateTime int64     `json:"lastModifiedDateTime"`
	ReceivedDateTime     int64     `json:"receivedDateTime"`
	SentDateTime         int64     `json:"sentDateTime"`
	Subject              string    `json:"subject"`
	BodyPreview          string    `json:"bodyPreview"`
	Body                 Body      `json:"body"`
	ConversationID       string    `json:"conversationId"`
	InternetMessageID    string    `json:"internetMessageId"`
	IsRead               bool      `json:"isRead"`
	IsDraft              bool      `json:"isDraft"`
	IsFlagged            bool      `json:"isFlagged"`
	HasAttachments       bool      `json:"hasAttachments"`
	Sender               Address   `json:"sender"`
	From                 Address   `json:"from"`
	ToRecipients         []Address `json:"toRecipients"`
	CcRecipients         []Address `json:"ccRecipients"`
	BccRecipients        []Address `json:"bccRecipients"`
	ReplyTo              []Address `json:"replyTo"`
	WebLink              string    `json:"webLink"`
	LastSyncedAt         int64     `json:"lastSyncedAt"`
}

// Message document fields addressable by partial updates and filters
const (
	FieldExternalID        = "externalId"
	FieldEmail             = "email"
	FieldReceivedDateTime  = "receivedDateTime"
	FieldCreatedDateTime   = "createdDateTime"
	FieldLastModified      = "lastModifiedDateTime"
	FieldSentDateTime      = "sentDateTime"
	FieldSubject           = "subject"
	FieldBodyPreview       = "bodyPreview"
	FieldBody              = "body"
	FieldConversationID    = "conversationId"
	FieldInternetMessageID = "internetMessageId"
	FieldIsRead            = "isRead"
	FieldIsDraft           = "isDraft"
	FieldIsFlagged         = "isFlagged"
	FieldHasAttachments    = "hasAttachments"
	FieldSender            = "sender"
	FieldFrom              = "from"
	FieldToRecipients      = "toRecipients"
	FieldCcRecipients      = "ccRecipients"
	FieldBccRecipients     = "bccRecipients"
	FieldReplyTo           = "replyTo"
	FieldWebLink           = "webLink"
	FieldLastSyncedAt      = "lastSyncedAt"
	FieldCredentials       = "credentials"
)
