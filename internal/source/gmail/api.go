package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	gmailapi "google.golang.org/api/gmail/v1"
)

// History types accepted by GetHistory.
const (
	HistoryMessageAdded   = "messageAdded"
	HistoryMessageDeleted = "messageDeleted"
	HistoryLabelAdded     = "labelAdded"
	HistoryLabelRemoved   = "labelRemoved"
)

const userPath = "/users/me"

// ListMessages returns one page of message references matching query.
func (c *Client) ListMessages(
	ctx context.Context,
	query string,
	maxResults int64,
	pageToken string,
) (*gmailapi.ListMessagesResponse, error) {
	params := url.Values{}
	if query != "" {
		params.Set("q", query)
	}
	if maxResults > 0 {
		params.Set("maxResults", strconv.FormatInt(maxResults, 10))
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	var resp gmailapi.ListMessagesResponse
	if err := c.Get(ctx, userPath+"/messages", params, &resp); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return &resp, nil
}

// GetMessage fetches a message in full format.
func (c *Client) GetMessage(ctx context.Context, id string) (*gmailapi.Message, error) {
	params := url.Values{"format": {"full"}}

	var msg gmailapi.Message
	if err := c.Get(ctx, userPath+"/messages/"+url.PathEscape(id), params, &msg); err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return &msg, nil
}

// GetHistory returns every history record after startHistoryID, following
// page tokens. The HistoryId of the result is the mailbox's current
// history position.
func (c *Client) GetHistory(
	ctx context.Context,
	startHistoryID string,
	historyTypes ...string,
) (*gmailapi.ListHistoryResponse, error) {
	params := url.Values{"startHistoryId": {startHistoryID}}
	for _, t := range historyTypes {
		params.Add("historyTypes", t)
	}

	merged := &gmailapi.ListHistoryResponse{}
	for {
		var page gmailapi.ListHistoryResponse
		if err := c.Get(ctx, userPath+"/history", params, &page); err != nil {
			return nil, fmt.Errorf("listing history since %s: %w", startHistoryID, err)
		}

		merged.History = append(merged.History, page.History...)
		if page.HistoryId > merged.HistoryId {
			merged.HistoryId = page.HistoryId
		}

		if page.NextPageToken == "" {
			return merged, nil
		}
		params.Set("pageToken", page.NextPageToken)
	}
}

// GetProfile returns the mailbox profile, including its current history id.
func (c *Client) GetProfile(ctx context.Context) (*gmailapi.Profile, error) {
	var profile gmailapi.Profile
	if err := c.Get(ctx, userPath+"/profile", nil, &profile); err != nil {
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	return &profile, nil
}

// GetAttachment downloads and decodes one attachment body.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	path := fmt.Sprintf("%s/messages/%s/attachments/%s",
		userPath, url.PathEscape(messageID), url.PathEscape(attachmentID))

	var body gmailapi.MessagePartBody
	if err := c.Get(ctx, path, nil, &body); err != nil {
		return nil, fmt.Errorf("getting attachment %s: %w", attachmentID, err)
	}
	data, err := decodeBase64URL(body.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding attachment %s: %w", attachmentID, err)
	}
	return data, nil
}

// decodeBase64URL accepts URL-safe base64 with or without padding.
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
