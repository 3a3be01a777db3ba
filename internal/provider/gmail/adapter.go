package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailloft/syncd/internal/auth"
	"github.com/mailloft/syncd/internal/mail"
	"github.com/mailloft/syncd/internal/provider"
)

// labelNames maps logical folders onto Gmail system labels. Gmail has no
// archive label (archived mail simply loses INBOX), so archive resolves
// to nothing and is skipped.
var labelNames = map[mail.FolderType][]string{
	mail.FolderInbox:  {"INBOX"},
	mail.FolderSent:   {"SENT"},
	mail.FolderDrafts: {"DRAFT", "DRAFTS"},
	mail.FolderTrash:  {"TRASH"},
	mail.FolderSpam:   {"SPAM", "JUNK"},
}

// Adapter syncs a Gmail mailbox through the Gmail REST API. Message ids
// are hexadecimal uint64s assigned in arrival order, which makes them
// directly usable as ordered remote identifiers.
type Adapter struct {
	tokens    *auth.TokenClient
	pushTopic string

	mu  sync.Mutex
	svc *gmail.Service
}

// New builds a Gmail adapter. pushTopic is the Pub/Sub topic change
// notifications are delivered through; empty disables push.
func New(tokens *auth.TokenClient, pushTopic string) *Adapter {
	return &Adapter{tokens: tokens, pushTopic: pushTopic}
}

func (a *Adapter) MaxParallelFolderFetches() int { return 4 }

func (a *Adapter) SupportsPush() bool { return a.pushTopic != "" }

// RefreshCredentials rebuilds the API client with a fresh token from the
// auth service. Called before every pass; cheap when nothing changed.
func (a *Adapter) RefreshCredentials(ctx context.Context, account *mail.Account) error {
	tok, err := a.tokens.GetToken(ctx, mail.ProviderGmail, account.Address)
	if err != nil {
		return provider.Auth("fetch credentials", err)
	}

	config := &oauth2.Config{Scopes: []string{gmail.GmailReadonlyScope}}
	httpClient := config.Client(ctx, &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	})

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return provider.Transient("create service", err)
	}

	a.mu.Lock()
	a.svc = svc
	a.mu.Unlock()
	return nil
}

func (a *Adapter) service() (*gmail.Service, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.svc == nil {
		return nil, provider.Auth("service", fmt.Errorf("credentials never refreshed"))
	}
	return a.svc, nil
}

// SubscribePush registers a users.watch on the configured Pub/Sub topic.
func (a *Adapter) SubscribePush(ctx context.Context, account *mail.Account) error {
	svc, err := a.service()
	if err != nil {
		return err
	}

	_, err = svc.Users.Watch("me", &gmail.WatchRequest{
		TopicName: a.pushTopic,
	}).Context(ctx).Do()
	if err != nil {
		return classify("watch", err)
	}
	return nil
}

// ResolveFolder finds the first candidate label that exists.
func (a *Adapter) ResolveFolder(ctx context.Context, ft mail.FolderType) (provider.FolderHandle, error) {
	candidates, ok := labelNames[ft]
	if !ok {
		return provider.FolderHandle{}, provider.Terminal("resolve "+string(ft), provider.ErrFolderNotFound)
	}

	svc, err := a.service()
	if err != nil {
		return provider.FolderHandle{}, err
	}

	resp, err := svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return provider.FolderHandle{}, classify("list labels", err)
	}

	known := make(map[string]string, len(resp.Labels))
	for _, label := range resp.Labels {
		known[strings.ToUpper(label.Id)] = label.Id
		known[strings.ToUpper(label.Name)] = label.Id
	}

	for _, name := range candidates {
		if id, ok := known[name]; ok {
			return provider.FolderHandle{Logical: ft, Name: id}, nil
		}
	}
	return provider.FolderHandle{}, provider.Terminal("resolve "+string(ft), provider.ErrFolderNotFound)
}

// ListRecent lists the newest n message ids under the label. The API
// returns newest first already.
func (a *Adapter) ListRecent(ctx context.Context, folder provider.FolderHandle, n int) ([]uint64, error) {
	svc, err := a.service()
	if err != nil {
		return nil, err
	}

	resp, err := svc.Users.Messages.List("me").
		LabelIds(folder.Name).
		MaxResults(int64(n)).
		Context(ctx).Do()
	if err != nil {
		return nil, classify("list recent", err)
	}

	ids := make([]uint64, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		id, err := parseID(m.Id)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ListRange pages through the label collecting ids strictly inside
// (low, high). Listing is newest-first, so paging stops as soon as a page
// bottoms out below the lower bound or the limit is reached.
func (a *Adapter) ListRange(ctx context.Context, folder provider.FolderHandle, low, high uint64, limit int) ([]uint64, error) {
	svc, err := a.service()
	if err != nil {
		return nil, err
	}

	var out []uint64
	call := svc.Users.Messages.List("me").LabelIds(folder.Name).MaxResults(200)

	pageToken := ""
	for {
		resp, err := call.PageToken(pageToken).Context(ctx).Do()
		if err != nil {
			return nil, classify("list range", err)
		}

		belowLow := false
		for _, m := range resp.Messages {
			id, perr := parseID(m.Id)
			if perr != nil {
				continue
			}
			if id <= low && low > 0 {
				belowLow = true
				continue
			}
			if high == 0 || id < high {
				if id > low {
					out = append(out, id)
				}
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" || belowLow {
			break
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	// Pages arrive newest-first, so trimming keeps the newest ids.
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FetchMessages fetches each id individually; the Gmail API has no
// batched message get outside the batch HTTP endpoint.
func (a *Adapter) FetchMessages(ctx context.Context, folder provider.FolderHandle, ids []uint64, includeBody bool) ([]mail.Message, error) {
	svc, err := a.service()
	if err != nil {
		return nil, err
	}

	format := "metadata"
	if includeBody {
		format = "full"
	}

	messages := make([]mail.Message, 0, len(ids))
	for _, id := range ids {
		hexID := strconv.FormatUint(id, 16)
		m, err := svc.Users.Messages.Get("me", hexID).Format(format).Context(ctx).Do()
		if err != nil {
			return messages, classify("get message "+hexID, err)
		}
		messages = append(messages, normalize(m, id, folder.Logical, includeBody))
	}
	return messages, nil
}

// normalize converts a Gmail message to the core record.
func normalize(m *gmail.Message, remoteID uint64, folder mail.FolderType, includeBody bool) mail.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	record := mail.Message{
		Folder:            folder,
		RemoteID:          remoteID,
		ProviderMessageID: m.Id,
		ThreadID:          m.ThreadId,
		Subject:           headers["Subject"],
		Sender:            headers["From"],
		To:                splitAddrs(headers["To"]),
		Cc:                splitAddrs(headers["Cc"]),
		Bcc:               splitAddrs(headers["Bcc"]),
		Snippet:           m.Snippet,
		Flags:             m.LabelIds,
		Date:              time.UnixMilli(m.InternalDate),
	}

	if includeBody && m.Payload != nil {
		record.Body = extractBody(m.Payload)
	}
	return record
}

// extractBody walks the MIME tree for the first text/plain part. Body
// data arrives base64url without padding, with padded variants seen in
// the wild.
func extractBody(part *gmail.MessagePart) string {
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(part.Body.Data)
		if err != nil {
			decoded, err = base64.URLEncoding.DecodeString(part.Body.Data)
		}
		if err == nil {
			return string(decoded)
		}
	}
	for _, child := range part.Parts {
		if body := extractBody(child); body != "" {
			return body
		}
	}
	return ""
}

// splitAddrs parses a comma-separated address header.
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseID converts a Gmail hex message id to its numeric value.
func parseID(hexID string) (uint64, error) {
	return strconv.ParseUint(hexID, 16, 64)
}

// classify maps Gmail API failures onto the provider error taxonomy.
func classify(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return provider.Transient(op, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401:
			return provider.Auth(op, err)
		case 403, 429, 500, 502, 503, 504:
			return provider.Transient(op, err)
		default:
			return provider.Terminal(op, err)
		}
	}
	return provider.Transient(op, err)
}
