package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jarvishq/jarvisd/internal/common/apperr"
)

const gmailBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

// TokenSource supplies OAuth access tokens for Gmail API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed access token.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", apperr.Unauthorizedf("no gmail access token configured")
	}
	return string(s), nil
}

// GmailREST implements GmailClient against the Gmail REST API.
type GmailREST struct {
	httpClient *http.Client
	tokens     TokenSource
	topicName  string
	baseURL    string
}

// NewGmailREST creates a Gmail API client. topicName is the Pub/Sub
// topic push notifications are delivered to.
func NewGmailREST(httpClient *http.Client, tokens TokenSource, topicName string) *GmailREST {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &GmailREST{
		httpClient: httpClient,
		tokens:     tokens,
		topicName:  topicName,
		baseURL:    gmailBaseURL,
	}
}

// Watch implements GmailClient.
func (g *GmailREST) Watch(ctx context.Context) (string, time.Time, error) {
	body := fmt.Sprintf(`{"topicName":%q}`, g.topicName)
	var resp struct {
		HistoryID  string `json:"historyId"`
		Expiration string `json:"expiration"` // unix millis as string
	}
	if err := g.call(ctx, http.MethodPost, "/watch", strings.NewReader(body), &resp); err != nil {
		return "", time.Time{}, err
	}
	millis, err := strconv.ParseInt(resp.Expiration, 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("bad watch expiration %q: %w", resp.Expiration, err)
	}
	return resp.HistoryID, time.UnixMilli(millis), nil
}

// History implements GmailClient. It pages through history entries
// since startHistoryID and loads metadata for every added message.
func (g *GmailREST) History(ctx context.Context, startHistoryID string) ([]EmailMessage, string, error) {
	var (
		messages  []EmailMessage
		historyID = startHistoryID
		pageToken string
	)
	for {
		params := url.Values{
			"startHistoryId": {startHistoryID},
			"historyTypes":   {"messageAdded"},
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}
		var resp struct {
			HistoryID     string `json:"historyId"`
			NextPageToken string `json:"nextPageToken"`
			History       []struct {
				MessagesAdded []struct {
					Message struct {
						ID string `json:"id"`
					} `json:"message"`
				} `json:"messagesAdded"`
			} `json:"history"`
		}
		if err := g.call(ctx, http.MethodGet, "/history?"+params.Encode(), nil, &resp); err != nil {
			return nil, "", err
		}
		if resp.HistoryID != "" {
			historyID = resp.HistoryID
		}
		for _, entry := range resp.History {
			for _, added := range entry.MessagesAdded {
				msg, err := g.message(ctx, added.Message.ID)
				if err != nil {
					return nil, "", err
				}
				messages = append(messages, msg)
			}
		}
		if resp.NextPageToken == "" {
			return messages, historyID, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (g *GmailREST) message(ctx context.Context, id string) (EmailMessage, error) {
	var resp struct {
		ID       string   `json:"id"`
		Snippet  string   `json:"snippet"`
		LabelIDs []string `json:"labelIds"`
		Payload  struct {
			Headers []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"headers"`
		} `json:"payload"`
	}
	if err := g.call(ctx, http.MethodGet, "/messages/"+id+"?format=metadata&metadataHeaders=From&metadataHeaders=Subject", nil, &resp); err != nil {
		return EmailMessage{}, err
	}

	msg := EmailMessage{
		Number:  resp.ID,
		Labels:  resp.LabelIDs,
		Snippet: resp.Snippet,
		Body:    resp.Snippet,
	}
	for _, header := range resp.Payload.Headers {
		switch strings.ToLower(header.Name) {
		case "from":
			msg.Sender = header.Value
		case "subject":
			msg.Subject = header.Value
		}
	}
	return msg, nil
}

func (g *GmailREST) call(ctx context.Context, method, path string, body io.Reader, out any) error {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return apperr.Unavailablef("gmail api call failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.Unavailablef("gmail api %s %s: status %d", method, path, resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}
