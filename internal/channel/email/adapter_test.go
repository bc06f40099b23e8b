package email

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"ticketsync/internal/integration"
	"ticketsync/internal/model"
)

type fetchCall struct {
	mailbox string
	since   time.Time
	token   string
	limit   int
}

type stubMailbox struct {
	mu    sync.Mutex
	pages map[string]Page // "<mailbox>|<token>"
	err   error
	calls []fetchCall
}

func (s *stubMailbox) Source() string { return "stub" }

func (s *stubMailbox) Fetch(_ context.Context, mailbox string, since time.Time, token string, limit int) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fetchCall{mailbox, since, token, limit})
	if s.err != nil {
		return Page{}, s.err
	}
	return s.pages[mailbox+"|"+token], nil
}

const autoReply = `From: carol@example.net
Subject: Automatic reply: Login not working
Message-ID: <ooo@example.net>
Date: Tue, 05 Mar 2024 11:00:00 +0000

I am away.
`

const noMessageID = `From: Dan <dan@example.net>
Subject: Need help with export
Date: Tue, 05 Mar 2024 12:00:00 +0000

The export button does nothing.
`

func newEmailAdapter(mb Mailbox, mailboxes ...string) *Adapter {
	ch := integration.ChannelConfig{
		Kind:  model.ChannelEmail,
		Name:  "support-inbox",
		Email: &integration.EmailConfig{Username: "u", Password: "p", Mailboxes: mailboxes, DaysBack: 7},
	}
	return New("acme", ch, mb, zap.NewNop())
}

func TestFetchBatch_MapsAndSkips(t *testing.T) {
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	mb := &stubMailbox{pages: map[string]Page{
		"INBOX|": {Messages: []RawMessage{
			{UID: "1", Raw: []byte(plainReply)},
			{UID: "2", Raw: []byte(autoReply)},
			{UID: "3", Raw: []byte("garbage without headers\n\n")},
			{UID: "4", Raw: []byte(noMessageID), InternalDate: now},
			{UID: "5", Err: errors.New("gone")},
		}},
	}}
	a := newEmailAdapter(mb).WithClock(func() time.Time { return now })

	batch, err := a.FetchBatch(context.Background(), time.Time{}, "")
	require.NoError(t, err)
	assert.True(t, batch.EndOfStream)
	assert.Equal(t, 1, batch.Skipped)
	require.Len(t, batch.Errors, 2)
	for _, e := range batch.Errors {
		assert.True(t, integration.IsPermanentRecord(e))
	}
	assert.Contains(t, batch.Errors[0].Error(), "email_INBOX_3")

	require.Len(t, batch.Records, 2)
	first := batch.Records[0]
	assert.Equal(t, "m1@acme.io", first.ExternalID)
	assert.Equal(t, model.ChannelEmail, first.Channel)
	assert.Equal(t, "acme", first.IntegrationID)
	assert.Equal(t, "root@acme.io", first.ThreadID)
	assert.False(t, first.IsReply())
	assert.Equal(t, model.PriorityHigh, first.Priority)
	assert.Equal(t, "m0@acme.io", first.Metadata["in_reply_to"])
	assert.NotEmpty(t, first.ContentHash)

	second := batch.Records[1]
	assert.Equal(t, "email_INBOX_4", second.ExternalID)
	assert.Equal(t, "The export button does nothing.", second.Body)

	// since 为零时回看 DaysBack 天，默认批量 50
	require.Len(t, mb.calls, 1)
	assert.Equal(t, now.AddDate(0, 0, -7), mb.calls[0].since)
	assert.Equal(t, 50, mb.calls[0].limit)
}

func TestFetchBatch_CursorWalksMailboxes(t *testing.T) {
	mb := &stubMailbox{pages: map[string]Page{
		"INBOX|":   {Messages: []RawMessage{{UID: "1", Raw: []byte(plainReply)}}, NextToken: "50"},
		"INBOX|50": {},
		"Support|": {Messages: []RawMessage{{UID: "9", Raw: []byte(noMessageID)}}},
	}}
	a := newEmailAdapter(mb, "INBOX", "Support")
	ctx := context.Background()
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	b1, err := a.FetchBatch(ctx, since, "")
	require.NoError(t, err)
	assert.Equal(t, "0|50", b1.NextCursor)

	b2, err := a.FetchBatch(ctx, since, b1.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "1|", b2.NextCursor)
	assert.Empty(t, b2.Records)

	b3, err := a.FetchBatch(ctx, since, b2.NextCursor)
	require.NoError(t, err)
	assert.True(t, b3.EndOfStream)
	require.Len(t, b3.Records, 1)
	assert.Equal(t, "email_Support_9", b3.Records[0].ExternalID)

	for _, c := range mb.calls {
		assert.Equal(t, since, c.since)
	}
}

func TestFetchBatch_MailboxErrorAbortsPage(t *testing.T) {
	mb := &stubMailbox{err: &integration.AuthenticationError{Vendor: "imap", Err: errors.New("NO LOGIN failed")}}
	a := newEmailAdapter(mb)

	_, err := a.FetchBatch(context.Background(), time.Time{}, "")
	require.Error(t, err)
	assert.True(t, integration.IsAuthentication(err))
}

func TestNewIMAPMailbox_Providers(t *testing.T) {
	mb, err := NewIMAPMailbox(integration.EmailConfig{Provider: "outlook"}, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "outlook.office365.com:993", mb.addr)

	mb, err = NewIMAPMailbox(integration.EmailConfig{Provider: "custom", Host: "mail.acme.io", Port: 1993}, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "mail.acme.io:1993", mb.addr)

	_, err = NewIMAPMailbox(integration.EmailConfig{Provider: "custom"}, nil, zap.NewNop())
	assert.Error(t, err)
	_, err = NewIMAPMailbox(integration.EmailConfig{Provider: "aol"}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestPendingUIDs(t *testing.T) {
	all := []imap.UID{12, 3, 7, 20, 15}

	uids, more := pendingUIDs(all, 0, 2)
	assert.Equal(t, []imap.UID{3, 7}, uids)
	assert.True(t, more)

	// 邮箱里比 token 小的邮件被删掉或者 SINCE 窗口移动，都不影响续传位置
	uids, more = pendingUIDs([]imap.UID{15, 20, 12}, 7, 2)
	assert.Equal(t, []imap.UID{12, 15}, uids)
	assert.True(t, more)

	uids, more = pendingUIDs(all, 15, 10)
	assert.Equal(t, []imap.UID{20}, uids)
	assert.False(t, more)

	uids, _ = pendingUIDs(all, 20, 10)
	assert.Empty(t, uids)
}

func TestIMAPMailbox_InvalidToken(t *testing.T) {
	mb, err := NewIMAPMailbox(integration.EmailConfig{Provider: "custom", Host: "127.0.0.1", Port: 1}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = mb.Fetch(context.Background(), "INBOX", time.Time{}, "0|100", 10)
	assert.ErrorContains(t, err, "invalid imap uid token")
}

func TestIMAPMailbox_DialTimeout(t *testing.T) {
	// 接受连接但从不完成 TLS 握手
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	mb, err := NewIMAPMailbox(integration.EmailConfig{Provider: "custom", Host: "127.0.0.1", Port: addr.Port}, nil, zap.NewNop())
	require.NoError(t, err)
	mb.dialTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err = mb.Fetch(context.Background(), "INBOX", time.Time{}, "", 10)
	require.Error(t, err)
	assert.True(t, integration.IsTransient(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGmailMailbox_Fetch(t *testing.T) {
	var gotQuery, gotLabel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/gmail/v1/users/me/messages":
			gotQuery = r.URL.Query().Get("q")
			gotLabel = r.URL.Query().Get("labelIds")
			_, _ = w.Write([]byte(`{"messages": [{"id": "g1"}, {"id": "g2"}], "nextPageToken": "p2"}`))
		case "/gmail/v1/users/me/messages/g1":
			raw := base64.URLEncoding.EncodeToString([]byte(plainReply))
			_, _ = w.Write([]byte(`{"id": "g1", "internalDate": "1709632800000", "raw": "` + raw + `"}`))
		case "/gmail/v1/users/me/messages/g2":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error": {"code": 404, "message": "Requested entity was not found."}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	mb, err := NewGmailMailbox(context.Background(), integration.GmailConfig{AccessToken: "tok", Query: "in:inbox"}, nil, zap.NewNop(),
		option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	since := time.Unix(1709251200, 0)
	page, err := mb.Fetch(context.Background(), "INBOX", since, "", 20)
	require.NoError(t, err)

	assert.Equal(t, "in:inbox after:1709251200", gotQuery)
	assert.Equal(t, "INBOX", gotLabel)
	assert.Equal(t, "p2", page.NextToken)
	require.Len(t, page.Messages, 2)
	assert.NoError(t, page.Messages[0].Err)
	assert.True(t, strings.HasPrefix(string(page.Messages[0].Raw), "From: Alice Doe"))
	assert.Equal(t, int64(1709632800), page.Messages[0].InternalDate.Unix())
	assert.True(t, integration.IsPermanent(page.Messages[1].Err))
}

func TestGmailMailbox_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"code": 401, "message": "Invalid Credentials"}}`))
	}))
	defer srv.Close()

	mb, err := NewGmailMailbox(context.Background(), integration.GmailConfig{AccessToken: "expired"}, nil, zap.NewNop(),
		option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = mb.Fetch(context.Background(), "INBOX", time.Time{}, "", 10)
	require.Error(t, err)
	assert.True(t, integration.IsAuthentication(err))
}

func TestDecodeRaw(t *testing.T) {
	want := []byte("Subject: hi\n\nbody?")
	got, err := decodeRaw(base64.RawURLEncoding.EncodeToString(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = decodeRaw("!!!")
	assert.Error(t, err)
}
