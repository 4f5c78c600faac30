package gmail

import (
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/nhle/mailsort/internal/model"
)

// Labels the parser interprets.
const (
	LabelInbox   = "INBOX"
	LabelUnread  = "UNREAD"
	LabelStarred = "STARRED"
)

const (
	defaultSubject = "(no subject)"
	defaultSender  = "Unknown"
)

// ParseMessage converts a full-format provider message into a local
// message. ID and UserID are left for the caller.
func ParseMessage(msg *gmailapi.Message) model.Message {
	var h mail.Header
	if msg.Payload != nil {
		for _, hdr := range msg.Payload.Headers {
			h.Add(hdr.Name, hdr.Value)
		}
	}

	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	if strings.TrimSpace(subject) == "" {
		subject = defaultSubject
	}

	sender, err := h.Text("From")
	if err != nil {
		sender = h.Get("From")
	}
	if strings.TrimSpace(sender) == "" {
		sender = defaultSender
	}

	var recipients model.Recipients
	for _, role := range []struct{ field, role string }{
		{"To", model.RecipientTo},
		{"Cc", model.RecipientCc},
		{"Bcc", model.RecipientBcc},
	} {
		recipients = append(recipients, parseRecipients(h, role.field, role.role)...)
	}

	plain, html, attachments := walkParts(msg.Payload)
	body := html
	if body == "" {
		body = plain
	}

	labels := make(map[string]bool, len(msg.LabelIds))
	for _, l := range msg.LabelIds {
		labels[l] = true
	}

	return model.Message{
		RemoteID:       msg.Id,
		ThreadID:       msg.ThreadId,
		Subject:        model.Truncate(subject, model.MaxSubjectLen),
		Sender:         model.Truncate(sender, model.MaxSenderLen),
		SenderEmail:    model.Truncate(senderEmail(h, sender), model.MaxSenderEmailLen),
		Recipients:     recipients,
		Snippet:        msg.Snippet,
		Body:           body,
		Attachments:    attachments,
		HasAttachments: len(attachments) > 0,
		IsRead:         !labels[LabelUnread],
		IsStarred:      labels[LabelStarred],
		ReceivedAt:     time.UnixMilli(msg.InternalDate).UTC(),
	}
}

// HasLabel reports whether msg carries label.
func HasLabel(msg *gmailapi.Message, label string) bool {
	for _, l := range msg.LabelIds {
		if l == label {
			return true
		}
	}
	return false
}

func parseRecipients(h mail.Header, field, role string) []model.Recipient {
	if h.Get(field) == "" {
		return nil
	}
	addrs, err := h.AddressList(field)
	if err != nil {
		// Keep whatever the header says rather than dropping it.
		var out []model.Recipient
		for _, raw := range strings.Split(h.Get(field), ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			out = append(out, model.Recipient{Role: role, Address: raw, Name: raw})
		}
		return out
	}

	out := make([]model.Recipient, 0, len(addrs))
	for _, a := range addrs {
		name := a.Name
		if name == "" {
			name = a.Address
		}
		out = append(out, model.Recipient{Role: role, Address: a.Address, Name: name})
	}
	return out
}

func senderEmail(h mail.Header, sender string) string {
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}
	if start := strings.LastIndex(sender, "<"); start >= 0 {
		if end := strings.LastIndex(sender, ">"); end > start {
			return strings.TrimSpace(sender[start+1 : end])
		}
	}
	return strings.TrimSpace(sender)
}

// walkParts visits the MIME tree depth first. It returns the first
// text/plain body, the first text/html body and every part that names
// a downloadable attachment.
func walkParts(root *gmailapi.MessagePart) (plain, html string, attachments model.Attachments) {
	if root == nil {
		return "", "", nil
	}

	stack := []*gmailapi.MessagePart{root}
	for len(stack) > 0 {
		part := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
			attachments = append(attachments, model.Attachment{
				ID:       part.Body.AttachmentId,
				Name:     part.Filename,
				Size:     part.Body.Size,
				MimeType: part.MimeType,
			})
		} else if part.Body != nil && part.Body.Data != "" {
			switch {
			case strings.HasPrefix(part.MimeType, "text/html") && html == "":
				if data, err := decodeBase64URL(part.Body.Data); err == nil {
					html = string(data)
				}
			case strings.HasPrefix(part.MimeType, "text/plain") && plain == "":
				if data, err := decodeBase64URL(part.Body.Data); err == nil {
					plain = string(data)
				}
			}
		}

		for i := len(part.Parts) - 1; i >= 0; i-- {
			stack = append(stack, part.Parts[i])
		}
	}
	return plain, html, attachments
}
