package outlook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/mailloft/syncd/internal/auth"
	"github.com/mailloft/syncd/internal/mail"
	"github.com/mailloft/syncd/internal/provider"
)

// wellKnownNames maps logical folders onto Graph well-known folder names.
var wellKnownNames = map[mail.FolderType][]string{
	mail.FolderInbox:   {"inbox"},
	mail.FolderSent:    {"sentitems"},
	mail.FolderDrafts:  {"drafts"},
	mail.FolderTrash:   {"deleteditems"},
	mail.FolderSpam:    {"junkemail"},
	mail.FolderArchive: {"archive"},
}

var selectFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "bodyPreview", "body", "receivedDateTime", "isRead",
}

// Adapter syncs an Outlook mailbox through Microsoft Graph. Graph message
// ids are opaque, so the received timestamp in milliseconds serves as the
// ordered remote identifier and the Graph id rides along as the
// provider-native one.
type Adapter struct {
	tokens          *auth.TokenClient
	notificationURL string

	mu      sync.Mutex
	client  *msgraphsdk.GraphServiceClient
	address string
}

// New builds an Outlook adapter. notificationURL receives Graph change
// notifications; empty disables push.
func New(tokens *auth.TokenClient, notificationURL string) *Adapter {
	return &Adapter{tokens: tokens, notificationURL: notificationURL}
}

func (a *Adapter) MaxParallelFolderFetches() int { return 3 }

func (a *Adapter) SupportsPush() bool { return a.notificationURL != "" }

// RefreshCredentials rebuilds the Graph client with a fresh token.
func (a *Adapter) RefreshCredentials(ctx context.Context, account *mail.Account) error {
	tok, err := a.tokens.GetToken(ctx, mail.ProviderOutlook, account.Address)
	if err != nil {
		return provider.Auth("fetch credentials", err)
	}

	cred := &staticTokenCredential{token: tok.AccessToken, expiry: tok.Expiry}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return provider.Transient("create graph client", err)
	}

	a.mu.Lock()
	a.client = client
	a.address = account.Address
	a.mu.Unlock()
	return nil
}

func (a *Adapter) graph() (*msgraphsdk.GraphServiceClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, provider.Auth("client", fmt.Errorf("credentials never refreshed"))
	}
	return a.client, nil
}

// SubscribePush creates a Graph change-notification subscription for new
// messages in the account.
func (a *Adapter) SubscribePush(ctx context.Context, account *mail.Account) error {
	client, err := a.graph()
	if err != nil {
		return err
	}

	sub := models.NewSubscription()
	changeType := "created"
	resource := fmt.Sprintf("/users/%s/messages", account.Address)
	expiry := time.Now().Add(48 * time.Hour)
	sub.SetChangeType(&changeType)
	sub.SetNotificationUrl(&a.notificationURL)
	sub.SetResource(&resource)
	sub.SetExpirationDateTime(&expiry)

	if _, err := client.Subscriptions().Post(ctx, sub, nil); err != nil {
		return classify("subscribe", err)
	}
	return nil
}

// ResolveFolder confirms the well-known folder exists for this mailbox.
func (a *Adapter) ResolveFolder(ctx context.Context, ft mail.FolderType) (provider.FolderHandle, error) {
	candidates, ok := wellKnownNames[ft]
	if !ok {
		return provider.FolderHandle{}, provider.Terminal("resolve "+string(ft), provider.ErrFolderNotFound)
	}

	client, err := a.graph()
	if err != nil {
		return provider.FolderHandle{}, err
	}

	for _, name := range candidates {
		_, err := client.Users().ByUserId(a.userID()).MailFolders().ByMailFolderId(name).Get(ctx, nil)
		if err == nil {
			return provider.FolderHandle{Logical: ft, Name: name}, nil
		}
		if classified := classify("resolve "+name, err); !provider.IsTerminal(classified) {
			return provider.FolderHandle{}, classified
		}
	}
	return provider.FolderHandle{}, provider.Terminal("resolve "+string(ft), provider.ErrFolderNotFound)
}

// ListRecent returns the received-time ordinals of the newest n messages
// in the folder.
func (a *Adapter) ListRecent(ctx context.Context, folder provider.FolderHandle, n int) ([]uint64, error) {
	msgs, err := a.listMessages(ctx, folder, "list recent", n, "")
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, 0, len(msgs))
	for _, m := range msgs {
		if id := ordinal(m); id > 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ListRange returns the ordinals strictly inside (low, high), newest
// first, capped at limit when positive.
func (a *Adapter) ListRange(ctx context.Context, folder provider.FolderHandle, low, high uint64, limit int) ([]uint64, error) {
	filter := rangeFilter(low, high)
	msgs, err := a.listMessages(ctx, folder, "list range", limit, filter)
	if err != nil {
		return nil, err
	}

	var ids []uint64
	for _, m := range msgs {
		id := ordinal(m)
		if id > low && (high == 0 || id < high) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// FetchMessages retrieves full records for the given ordinals by listing
// the covering received-time window and keeping the requested ones.
func (a *Adapter) FetchMessages(ctx context.Context, folder provider.FolderHandle, ids []uint64, includeBody bool) ([]mail.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	want := make(map[uint64]bool, len(ids))
	var low, high uint64
	for _, id := range ids {
		want[id] = true
		if low == 0 || id < low {
			low = id
		}
		if id > high {
			high = id
		}
	}

	filter := rangeFilter(low-1, high+1)
	msgs, err := a.listMessages(ctx, folder, "fetch window", 0, filter)
	if err != nil {
		return nil, err
	}
	return selectWindow(msgs, want, folder.Logical, includeBody)
}

// selectWindow keeps the requested ordinals out of a covering window
// listing. A requested ordinal missing from the window means the window
// changed between listing and fetch; the error is transient so the pass
// retries against a fresh listing instead of advancing past the gap.
func selectWindow(msgs []models.Messageable, want map[uint64]bool, folder mail.FolderType, includeBody bool) ([]mail.Message, error) {
	found := make(map[uint64]bool, len(want))
	var out []mail.Message
	for _, m := range msgs {
		id := ordinal(m)
		if !want[id] {
			continue
		}
		found[id] = true
		out = append(out, normalize(m, id, folder, includeBody))
	}

	for id := range want {
		if !found[id] {
			return nil, provider.Transient("fetch window",
				fmt.Errorf("message %d missing from window", id))
		}
	}
	return out, nil
}

const listPageSize = 100

// listMessages pages one folder message listing, newest first, following
// the nextLink until the collection or the max count is exhausted.
func (a *Adapter) listMessages(ctx context.Context, folder provider.FolderHandle, op string, max int, filter string) ([]models.Messageable, error) {
	client, err := a.graph()
	if err != nil {
		return nil, err
	}

	top := int32(listPageSize)
	if max > 0 && max < listPageSize {
		top = int32(max)
	}
	query := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
		Top:     &top,
		Select:  selectFields,
		Orderby: []string{"receivedDateTime desc"},
	}
	if filter != "" {
		query.Filter = &filter
	}

	builder := client.Users().ByUserId(a.userID()).MailFolders().ByMailFolderId(folder.Name).Messages()
	result, err := builder.Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: query,
	})
	if err != nil {
		return nil, classify(op, err)
	}

	msgs := result.GetValue()
	for {
		next := result.GetOdataNextLink()
		if next == nil || *next == "" {
			break
		}
		if max > 0 && len(msgs) >= max {
			break
		}
		result, err = builder.WithUrl(*next).Get(ctx, nil)
		if err != nil {
			return nil, classify(op, err)
		}
		msgs = append(msgs, result.GetValue()...)
	}

	if max > 0 && len(msgs) > max {
		msgs = msgs[:max]
	}
	return msgs, nil
}

func (a *Adapter) userID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.address
}

// filterTime is RFC 3339 with milliseconds, so the OData comparison has
// the same precision as the ordinals and the strict bounds line up.
const filterTime = "2006-01-02T15:04:05.000Z07:00"

// rangeFilter builds an OData receivedDateTime window for (low, high).
func rangeFilter(low, high uint64) string {
	switch {
	case low == 0 && high == 0:
		return ""
	case high == 0:
		return fmt.Sprintf("receivedDateTime gt %s", time.UnixMilli(int64(low)).UTC().Format(filterTime))
	case low == 0:
		return fmt.Sprintf("receivedDateTime lt %s", time.UnixMilli(int64(high)).UTC().Format(filterTime))
	default:
		return fmt.Sprintf("receivedDateTime gt %s and receivedDateTime lt %s",
			time.UnixMilli(int64(low)).UTC().Format(filterTime),
			time.UnixMilli(int64(high)).UTC().Format(filterTime))
	}
}

// ordinal derives the ordered remote id from the received timestamp.
func ordinal(m models.Messageable) uint64 {
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		return uint64(rcvd.UnixMilli())
	}
	return 0
}

// normalize converts a Graph message to the core record.
func normalize(m models.Messageable, remoteID uint64, folder mail.FolderType, includeBody bool) mail.Message {
	record := mail.Message{
		Folder:   folder,
		RemoteID: remoteID,
	}

	if id := m.GetId(); id != nil {
		record.ProviderMessageID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		record.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		record.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil && addr.GetAddress() != nil {
			record.Sender = *addr.GetAddress()
		}
	}
	record.To = extractAddresses(m.GetToRecipients())
	record.Cc = extractAddresses(m.GetCcRecipients())
	record.Bcc = extractAddresses(m.GetBccRecipients())

	if preview := m.GetBodyPreview(); preview != nil {
		record.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		record.Date = *rcvd
	}
	if read := m.GetIsRead(); read != nil && *read {
		record.Flags = append(record.Flags, "\\Seen")
	}
	if includeBody {
		if body := m.GetBody(); body != nil && body.GetContent() != nil {
			record.Body = *body.GetContent()
		}
	}
	return record
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if email := r.GetEmailAddress(); email != nil && email.GetAddress() != nil {
			addrs = append(addrs, *email.GetAddress())
		}
	}
	return addrs
}

// classify maps Graph failures onto the provider error taxonomy.
func classify(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return provider.Transient(op, err)
	}

	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		switch odataErr.ResponseStatusCode {
		case 401:
			return provider.Auth(op, err)
		case 429, 500, 502, 503, 504:
			return provider.Transient(op, err)
		default:
			return provider.Terminal(op, err)
		}
	}
	return provider.Transient(op, err)
}

// staticTokenCredential adapts a fetched access token to the Azure
// credential interface.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: c.token, ExpiresOn: c.expiry}, nil
}
