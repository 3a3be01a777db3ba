package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"golang.org/x/time/rate"

	"github.com/mailloft/syncd/internal/auth"
	coremail "github.com/mailloft/syncd/internal/mail"
	"github.com/mailloft/syncd/internal/provider"
)

// folderNames maps each logical folder to its primary IMAP mailbox name
// followed by the aliases servers have renamed or localized it to.
var folderNames = map[coremail.FolderType][]string{
	coremail.FolderInbox:   {"INBOX"},
	coremail.FolderSent:    {"Sent", "Sent Messages", "Sent Items", "INBOX.Sent"},
	coremail.FolderDrafts:  {"Drafts", "INBOX.Drafts"},
	coremail.FolderTrash:   {"Trash", "Deleted Items", "Deleted Messages", "INBOX.Trash"},
	coremail.FolderSpam:    {"Junk", "Spam", "Junk E-mail", "INBOX.Junk"},
	coremail.FolderArchive: {"Archive", "Archives", "All Mail", "INBOX.Archive"},
}

// Adapter syncs a generic IMAP mailbox. UIDs are folder-relative, so the
// internal date in milliseconds serves as the ordered remote identifier
// and UIDs stay an implementation detail of each fetch. The adapter
// opens a fresh connection per operation and paces connects with a rate
// limiter, since plain IMAP servers throttle aggressive clients hard. No
// push channel: IMAP accounts rely purely on polling.
type Adapter struct {
	host     string
	port     string
	username string
	tokens   *auth.TokenClient

	mu       sync.Mutex
	password string

	limiter *rate.Limiter
}

// New builds an IMAP adapter for the account. Host and port come from the
// account address domain's configured endpoint; the password is fetched
// lazily from the auth service.
func New(host, port, username string, tokens *auth.TokenClient) *Adapter {
	return &Adapter{
		host:     host,
		port:     port,
		username: username,
		tokens:   tokens,
		limiter:  rate.NewLimiter(rate.Limit(2), 4),
	}
}

func (a *Adapter) MaxParallelFolderFetches() int { return 2 }

func (a *Adapter) SupportsPush() bool { return false }

func (a *Adapter) SubscribePush(ctx context.Context, account *coremail.Account) error {
	return provider.Terminal("subscribe", fmt.Errorf("imap provider has no push channel"))
}

// RefreshCredentials fetches the current secret from the auth service.
// Safe to call when the cached secret is still valid.
func (a *Adapter) RefreshCredentials(ctx context.Context, account *coremail.Account) error {
	tok, err := a.tokens.GetToken(ctx, coremail.ProviderIMAP, account.Address)
	if err != nil {
		return provider.Auth("fetch credentials", err)
	}

	a.mu.Lock()
	a.password = tok.AccessToken
	a.mu.Unlock()
	return nil
}

// connect dials, authenticates, and selects the given mailbox. The ctx
// deadline bounds the dial and every command on the connection. The
// caller must Logout the returned client.
func (a *Adapter) connect(ctx context.Context, mailbox string) (*imapclient.Client, *imap.SelectData, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, nil, provider.Transient("rate wait", err)
	}

	addr := a.host + ":" + a.port
	dialer := &tls.Dialer{NetDialer: &net.Dialer{}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, provider.Transient("dial "+addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	client := imapclient.New(conn, nil)

	a.mu.Lock()
	password := a.password
	a.mu.Unlock()

	if err := client.Login(a.username, password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, nil, provider.Auth("login "+a.username, err)
	}

	var selData *imap.SelectData
	if mailbox != "" {
		selData, err = client.Select(mailbox, nil).Wait()
		if err != nil {
			_ = client.Logout().Wait()
			return nil, nil, provider.Transient("select "+mailbox, err)
		}
	}
	return client, selData, nil
}

// ResolveFolder probes the primary name then each alias, returning the
// first mailbox the server reports.
func (a *Adapter) ResolveFolder(ctx context.Context, ft coremail.FolderType) (provider.FolderHandle, error) {
	candidates, ok := folderNames[ft]
	if !ok {
		return provider.FolderHandle{}, provider.Terminal("resolve "+string(ft), provider.ErrFolderNotFound)
	}

	client, _, err := a.connect(ctx, "")
	if err != nil {
		return provider.FolderHandle{}, err
	}
	defer func() { _ = client.Logout().Wait() }()

	for _, name := range candidates {
		if _, err := client.Status(name, &imap.StatusOptions{NumMessages: true}).Wait(); err == nil {
			return provider.FolderHandle{Logical: ft, Name: name}, nil
		}
	}
	return provider.FolderHandle{}, provider.Terminal("resolve "+string(ft), provider.ErrFolderNotFound)
}

// ListRecent returns the ordinals of the n most recently arrived
// messages in the folder, newest first.
func (a *Adapter) ListRecent(ctx context.Context, folder provider.FolderHandle, n int) ([]uint64, error) {
	client, selData, err := a.connect(ctx, folder.Name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	count := selData.NumMessages
	if count == 0 {
		return nil, nil
	}
	start := uint32(1)
	if count > uint32(n) {
		start = count - uint32(n) + 1
	}

	ords, err := listOrdinals(client, imap.SeqSet{imap.SeqRange{Start: start, Stop: count}}, folder.Name)
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, 0, len(ords))
	for _, o := range ords {
		ids = append(ids, o.ordinal)
	}
	sortDesc(ids)
	return ids, nil
}

// ListRange returns the ordinals strictly inside (low, high), newest
// first, capped at limit when positive. A zero bound is open on that
// side.
func (a *Adapter) ListRange(ctx context.Context, folder provider.FolderHandle, low, high uint64, limit int) ([]uint64, error) {
	client, _, err := a.connect(ctx, folder.Name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	uids, err := searchWindow(client, folder.Name, low, high)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}

	ords, err := listOrdinals(client, imap.UIDSetNum(uids...), folder.Name)
	if err != nil {
		return nil, err
	}

	var out []uint64
	for _, o := range ords {
		if o.ordinal > low && (high == 0 || o.ordinal < high) {
			out = append(out, o.ordinal)
		}
	}
	sortDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FetchMessages retrieves full records for the given ordinals. The
// covering internal-date window is searched first to map ordinals back
// to UIDs; a requested ordinal missing from the window means the window
// changed between listing and fetch, and the transient error makes the
// pass retry against a fresh listing instead of advancing past the gap.
func (a *Adapter) FetchMessages(ctx context.Context, folder provider.FolderHandle, ids []uint64, includeBody bool) ([]coremail.Message, error) {
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

	client, _, err := a.connect(ctx, folder.Name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	uids, err := searchWindow(client, folder.Name, low-1, high+1)
	if err != nil {
		return nil, err
	}

	var fetchUIDs []imap.UID
	found := make(map[uint64]bool, len(want))
	if len(uids) > 0 {
		ords, err := listOrdinals(client, imap.UIDSetNum(uids...), folder.Name)
		if err != nil {
			return nil, err
		}
		for _, o := range ords {
			if want[o.ordinal] {
				fetchUIDs = append(fetchUIDs, o.uid)
				found[o.ordinal] = true
			}
		}
	}
	for id := range want {
		if !found[id] {
			return nil, provider.Transient("fetch "+folder.Name,
				fmt.Errorf("message %d missing from window", id))
		}
	}

	fetchOpts := &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		InternalDate: true,
	}
	var bodySection *imap.FetchItemBodySection
	if includeBody {
		bodySection = &imap.FetchItemBodySection{Peek: true}
		fetchOpts.BodySection = []*imap.FetchItemBodySection{bodySection}
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(fetchUIDs...), fetchOpts)

	var messages []coremail.Message
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		record := messageFromBuffer(buf, folder.Logical)
		if includeBody && bodySection != nil {
			if raw := buf.FindBodySection(bodySection); raw != nil {
				record.Body = extractTextBody(raw)
			}
		}
		messages = append(messages, record)
	}

	if err := fetchCmd.Close(); err != nil {
		return messages, provider.Transient("fetch "+folder.Name, err)
	}
	return messages, nil
}

// ordinalUID pairs one message's ordered remote id with the UID that
// addresses it on this connection.
type ordinalUID struct {
	uid     imap.UID
	ordinal uint64
}

// listOrdinals fetches just the UID and internal date for a message set.
func listOrdinals(client *imapclient.Client, set imap.NumSet, mailbox string) ([]ordinalUID, error) {
	msgs, err := client.Fetch(set, &imap.FetchOptions{UID: true, InternalDate: true}).Collect()
	if err != nil {
		return nil, provider.Transient("fetch dates "+mailbox, err)
	}

	out := make([]ordinalUID, 0, len(msgs))
	for _, m := range msgs {
		if m.InternalDate.IsZero() {
			continue
		}
		out = append(out, ordinalUID{uid: m.UID, ordinal: uint64(m.InternalDate.UnixMilli())})
	}
	return out, nil
}

// searchWindow returns the UIDs whose internal date may fall in
// (low, high). The result over-approximates; callers filter by exact
// millisecond.
func searchWindow(client *imapclient.Client, mailbox string, low, high uint64) ([]imap.UID, error) {
	data, err := client.UIDSearch(searchCriteria(low, high), nil).Wait()
	if err != nil {
		return nil, provider.Transient("search "+mailbox, err)
	}
	return data.AllUIDs(), nil
}

// searchCriteria widens the millisecond bounds to whole days, since the
// SINCE and BEFORE search keys compare internal dates at day
// granularity.
func searchCriteria(low, high uint64) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}
	if low > 0 {
		criteria.Since = time.UnixMilli(int64(low)).UTC().Truncate(24 * time.Hour)
	}
	if high > 0 {
		criteria.Before = time.UnixMilli(int64(high)).UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
	return criteria
}

// messageFromBuffer converts a fetch result into the core record. The
// internal date in milliseconds is the ordered remote id; the RFC 5322
// Message-ID doubles as the provider-native identifier, so a message
// copied between folders dedups across them.
func messageFromBuffer(buf *imapclient.FetchMessageBuffer, folder coremail.FolderType) coremail.Message {
	record := coremail.Message{
		Folder:   folder,
		RemoteID: uint64(buf.InternalDate.UnixMilli()),
	}

	if buf.Envelope != nil {
		record.ProviderMessageID = buf.Envelope.MessageID
		record.Subject = buf.Envelope.Subject
		record.Date = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			record.Sender = buf.Envelope.From[0].Addr()
		}
		for _, to := range buf.Envelope.To {
			record.To = append(record.To, to.Addr())
		}
		for _, cc := range buf.Envelope.Cc {
			record.Cc = append(record.Cc, cc.Addr())
		}
		for _, bcc := range buf.Envelope.Bcc {
			record.Bcc = append(record.Bcc, bcc.Addr())
		}
	}

	for _, flag := range buf.Flags {
		record.Flags = append(record.Flags, string(flag))
	}
	return record
}

// sortDesc orders ordinals newest first.
func sortDesc(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
}

// extractTextBody parses the raw RFC 2822 body and returns the text/plain
// part, falling back to text/html. Unparseable bodies come back raw.
func extractTextBody(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}
	defer mr.Close()

	var htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := header.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			return string(body)
		case strings.HasPrefix(contentType, "text/html"):
			htmlBody = string(body)
		}
	}
	return htmlBody
}
