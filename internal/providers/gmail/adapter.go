package gmail

import (
	"encoding/base64"
	"net/mail"
	"slices"
	"strings"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailmirror/internal/model"
	"github.com/Martian-dev/mailmirror/internal/sync"
)

const webLinkBase = "https://mail.google.com/mail/#all/"

// foldersFromLabels maps labels to folders. Nested labels use "/" in their
// names, so the parent is the label named by the prefix.
func foldersFromLabels(labels []*gmailv1.Label) []sync.RemoteFolder {
	byName := make(map[string]string, len(labels))
	for _, l := range labels {
		byName[l.Name] = l.Id
	}

	children := make(map[string]int64)
	parents := make(map[string]string, len(labels))
	for _, l := range labels {
		i := strings.LastIndex(l.Name, "/")
		if i <= 0 {
			continue
		}
		if parentID, ok := byName[l.Name[:i]]; ok {
			parents[l.Id] = parentID
			children[parentID]++
		}
	}

	folders := make([]sync.RemoteFolder, 0, len(labels))
	for _, l := range labels {
		folders = append(folders, sync.RemoteFolder{
			ExternalID:       l.Id,
			DisplayName:      l.Name,
			ParentExternalID: parents[l.Id],
			ItemCount:        l.MessagesTotal,
			UnreadItemCount:  l.MessagesUnread,
			ChildFolderCount: children[l.Id],
			IsHidden:         l.LabelListVisibility == "labelHide",
		})
	}
	return folders
}

// normalize converts a full Gmail message into a complete RemoteMessage
func normalize(m *gmailv1.Message) sync.RemoteMessage {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[strings.ToLower(kv.Name)] = kv.Value
		}
	}

	received := time.UnixMilli(m.InternalDate).UTC()
	sent := received
	if d, err := mail.ParseDate(headers["date"]); err == nil {
		sent = d.UTC()
	}

	from := parseAddress(headers["from"])
	sender := from
	if s, ok := headers["sender"]; ok {
		sender = parseAddress(s)
	}

	body := messageBody(m)
	isRead := !slices.Contains(m.LabelIds, labelUnread)
	isDraft := slices.Contains(m.LabelIds, labelDraft)
	isFlagged := slices.Contains(m.LabelIds, labelStarred)
	hasAttachments := hasAttachment(m.Payload)
	webLink := webLinkBase + m.Id

	return sync.RemoteMessage{
		ExternalID:        m.Id,
		CreatedDateTime:   &received,
		ReceivedDateTime:  &received,
		SentDateTime:      &sent,
		Subject:           ptr(headers["subject"]),
		BodyPreview:       ptr(m.Snippet),
		Body:              &body,
		ConversationID:    ptr(m.ThreadId),
		InternetMessageID: ptr(headers["message-id"]),
		IsRead:            &isRead,
		IsDraft:           &isDraft,
		IsFlagged:         &isFlagged,
		HasAttachments:    &hasAttachments,
		Sender:            &sender,
		From:              &from,
		ToRecipients:      ptr(parseAddressList(headers["to"])),
		CcRecipients:      ptr(parseAddressList(headers["cc"])),
		BccRecipients:     ptr(parseAddressList(headers["bcc"])),
		ReplyTo:           ptr(parseAddressList(headers["reply-to"])),
		WebLink:           &webLink,
	}
}

func messageBody(m *gmailv1.Message) model.Body {
	if html := extractPart(m.Payload, "text/html"); html != "" {
		return model.Body{ContentType: "html", Content: html}
	}
	if text := extractPart(m.Payload, "text/plain"); text != "" {
		return model.Body{ContentType: "text", Content: text}
	}
	return model.Body{ContentType: "text", Content: m.Snippet}
}

// extractPart walks the MIME tree and returns the first body of the given type
func extractPart(part *gmailv1.MessagePart, mimeType string) string {
	if part == nil {
		return ""
	}
	if strings.EqualFold(part.MimeType, mimeType) && part.Filename == "" && part.Body != nil && part.Body.Data != "" {
		return decodeBase64URL(part.Body.Data)
	}
	for _, sub := range part.Parts {
		if body := extractPart(sub, mimeType); body != "" {
			return body
		}
	}
	return ""
}

func hasAttachment(part *gmailv1.MessagePart) bool {
	if part == nil {
		return false
	}
	if part.Filename != "" {
		return true
	}
	return slices.ContainsFunc(part.Parts, hasAttachment)
}

func decodeBase64URL(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		// Gmail usually sends unpadded base64url
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}

func parseAddress(s string) model.Address {
	if s == "" {
		return model.Address{}
	}
	a, err := mail.ParseAddress(s)
	if err != nil {
		return model.Address{Address: strings.TrimSpace(s)}
	}
	return model.Address{Name: a.Name, Address: a.Address}
}

// parseAddressList parses a recipient header, falling back to a plain comma
// split when the header is not RFC 5322 clean
func parseAddressList(s string) []model.Address {
	out := []model.Address{}
	if strings.TrimSpace(s) == "" {
		return out
	}
	list, err := mail.ParseAddressList(s)
	if err == nil {
		for _, a := range list {
			out = append(out, model.Address{Name: a.Name, Address: a.Address})
		}
		return out
	}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, parseAddress(p))
		}
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}
