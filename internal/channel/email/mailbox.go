package email

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"ticketsync/internal/integration"
	"ticketsync/internal/ratelimit"
)

// RawMessage 邮箱返回的一封原始邮件；Err 非空表示这封取不到
type RawMessage struct {
	UID          string
	Raw          []byte
	InternalDate time.Time
	Err          error
}

// Page NextToken 为空表示这个邮箱已经取完
type Page struct {
	Messages  []RawMessage
	NextToken string
}

// Mailbox 邮件来源：IMAP 或 Gmail API
type Mailbox interface {
	Source() string
	Fetch(ctx context.Context, mailbox string, since time.Time, token string, limit int) (Page, error)
}

const (
	imapDialTimeout  = 15 * time.Second
	imapBatchTimeout = 2 * time.Minute
)

type providerPreset struct {
	host string
	port int
}

var providers = map[string]providerPreset{
	"gmail":   {"imap.gmail.com", 993},
	"outlook": {"outlook.office365.com", 993},
	"yahoo":   {"imap.mail.yahoo.com", 993},
	"icloud":  {"imap.mail.me.com", 993},
	"custom":  {"", 993},
}

// NewMailbox 按 source 选择实现
func NewMailbox(ctx context.Context, cfg integration.EmailConfig, limiter *ratelimit.SlidingWindow, logger *zap.Logger) (Mailbox, error) {
	switch cfg.Source {
	case "gmail":
		if cfg.Gmail == nil {
			return nil, fmt.Errorf("gmail source: %w", integration.ErrNotConfigured)
		}
		return NewGmailMailbox(ctx, *cfg.Gmail, limiter, logger)
	default:
		return NewIMAPMailbox(cfg, limiter, logger)
	}
}

// IMAPMailbox 每页一次连接：登录、只读 SELECT、UID SEARCH SINCE、按 UID 批量 FETCH BODY[]
type IMAPMailbox struct {
	addr         string
	username     string
	password     string
	dialTimeout  time.Duration
	batchTimeout time.Duration
	limiter      *ratelimit.SlidingWindow
	logger       *zap.Logger
}

func NewIMAPMailbox(cfg integration.EmailConfig, limiter *ratelimit.SlidingWindow, logger *zap.Logger) (*IMAPMailbox, error) {
	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		provider = "custom"
	}
	preset, ok := providers[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported imap provider %q", cfg.Provider)
	}
	host, port := preset.host, preset.port
	if cfg.Host != "" {
		host = cfg.Host
	}
	if cfg.Port > 0 {
		port = cfg.Port
	}
	if host == "" {
		return nil, fmt.Errorf("imap provider %q requires host", provider)
	}

	return &IMAPMailbox{
		addr:         fmt.Sprintf("%s:%d", host, port),
		username:     cfg.Username,
		password:     cfg.Password,
		dialTimeout:  imapDialTimeout,
		batchTimeout: imapBatchTimeout,
		limiter:      limiter,
		logger:       logger.With(zap.String("imap_addr", fmt.Sprintf("%s:%d", host, port))),
	}, nil
}

func (m *IMAPMailbox) Source() string { return "imap" }

// Fetch token 是本邮箱已处理的最大 UID，下一页只取比它大的 UID。
// 不用 SEARCH 结果里的偏移：since 或邮箱内容变化后偏移会指向别的邮件
func (m *IMAPMailbox) Fetch(ctx context.Context, mailbox string, since time.Time, token string, limit int) (Page, error) {
	var after imap.UID
	if token != "" {
		n, err := strconv.ParseUint(token, 10, 32)
		if err != nil {
			return Page{}, fmt.Errorf("invalid imap uid token %q", token)
		}
		after = imap.UID(n)
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return Page{}, err
		}
	}

	c, err := m.dial(ctx)
	if err != nil {
		return Page{}, &integration.TransientError{Vendor: "imap", Attempts: 1, Err: err}
	}
	defer c.Close()
	// go-imap 的命令不接收 ctx，取消时直接关闭连接
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if err := c.Login(m.username, m.password).Wait(); err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return Page{}, &integration.AuthenticationError{Vendor: "imap", Err: err}
		}
		return Page{}, &integration.TransientError{Vendor: "imap", Attempts: 1, Err: err}
	}
	defer func() { _ = c.Logout().Wait() }()

	if _, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return Page{}, fmt.Errorf("select %s: %w", mailbox, err)
	}

	data, err := c.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return Page{}, fmt.Errorf("search %s: %w", mailbox, err)
	}
	uids, more := pendingUIDs(data.AllUIDs(), after, limit)
	if len(uids) == 0 {
		return Page{}, nil
	}

	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s: %w", mailbox, err)
	}

	page := Page{Messages: make([]RawMessage, 0, len(msgs))}
	for _, msg := range msgs {
		raw := RawMessage{
			UID:          strconv.FormatUint(uint64(msg.UID), 10),
			Raw:          msg.FindBodySection(section),
			InternalDate: msg.InternalDate,
		}
		if len(raw.Raw) == 0 {
			raw.Err = errors.New("empty body section")
		}
		page.Messages = append(page.Messages, raw)
	}
	if more {
		page.NextToken = strconv.FormatUint(uint64(uids[len(uids)-1]), 10)
	}

	m.logger.Debug("Fetched imap batch",
		zap.String("mailbox", mailbox),
		zap.Uint32("after_uid", uint32(after)),
		zap.Int("fetched", len(page.Messages)),
		zap.Bool("more", more),
	)
	return page, nil
}

// dial 连接和之后整批命令共用一个截止时间
func (m *IMAPMailbox) dial(ctx context.Context) (*imapclient.Client, error) {
	dialer := &net.Dialer{Timeout: m.dialTimeout}
	host, _, err := net.SplitHostPort(m.addr)
	if err != nil {
		return nil, err
	}
	conn, err := tls.DialWithDialer(dialer, "tcp", m.addr, &tls.Config{ServerName: host})
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(m.batchTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	return imapclient.New(conn, nil), nil
}

// pendingUIDs 返回大于 after 的前 limit 个 UID（升序），more 表示还有剩余
func pendingUIDs(all []imap.UID, after imap.UID, limit int) ([]imap.UID, bool) {
	uids := make([]imap.UID, 0, len(all))
	for _, uid := range all {
		if uid > after {
			uids = append(uids, uid)
		}
	}
	slices.Sort(uids)
	if limit <= 0 || len(uids) <= limit {
		return uids, false
	}
	return uids[:limit], true
}

// GmailMailbox Gmail API，mailbox 对应 label id，token 是 Gmail 的 pageToken
type GmailMailbox struct {
	svc     *gmail.Service
	userID  string
	query   string
	limiter *ratelimit.SlidingWindow
	logger  *zap.Logger
}

func NewGmailMailbox(ctx context.Context, cfg integration.GmailConfig, limiter *ratelimit.SlidingWindow, logger *zap.Logger, opts ...option.ClientOption) (*GmailMailbox, error) {
	token := &oauth2.Token{
		AccessToken: cfg.AccessToken,
		TokenType:   "Bearer",
	}
	opts = append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}, opts...)

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	userID := cfg.UserID
	if userID == "" {
		userID = "me"
	}
	return &GmailMailbox{
		svc:     svc,
		userID:  userID,
		query:   cfg.Query,
		limiter: limiter,
		logger:  logger,
	}, nil
}

func (m *GmailMailbox) Source() string { return "gmail" }

func (m *GmailMailbox) Fetch(ctx context.Context, mailbox string, since time.Time, token string, limit int) (Page, error) {
	q := m.query
	if !since.IsZero() && since.Unix() > 0 {
		q = strings.TrimSpace(fmt.Sprintf("%s after:%d", q, since.Unix()))
	}

	if err := m.wait(ctx); err != nil {
		return Page{}, err
	}
	call := m.svc.Users.Messages.List(m.userID).Q(q).MaxResults(int64(limit)).Context(ctx)
	if mailbox != "" {
		call = call.LabelIds(mailbox)
	}
	if token != "" {
		call = call.PageToken(token)
	}
	listResp, err := call.Do()
	if err != nil {
		return Page{}, classifyGoogleError(err)
	}

	page := Page{NextToken: listResp.NextPageToken, Messages: make([]RawMessage, 0, len(listResp.Messages))}
	for _, ref := range listResp.Messages {
		if err := m.wait(ctx); err != nil {
			return Page{}, err
		}
		full, err := m.svc.Users.Messages.Get(m.userID, ref.Id).Format("raw").Context(ctx).Do()
		if err != nil {
			classified := classifyGoogleError(err)
			if !integration.IsPermanent(classified) {
				return Page{}, classified
			}
			page.Messages = append(page.Messages, RawMessage{UID: ref.Id, Err: classified})
			continue
		}

		raw, err := decodeRaw(full.Raw)
		msg := RawMessage{UID: full.Id, Raw: raw, Err: err}
		if full.InternalDate > 0 {
			msg.InternalDate = time.UnixMilli(full.InternalDate).UTC()
		}
		page.Messages = append(page.Messages, msg)
	}

	m.logger.Debug("Gmail API returned messages",
		zap.String("label", mailbox),
		zap.Int("count", len(page.Messages)),
		zap.String("next_page_token", page.NextToken),
	)
	return page, nil
}

func (m *GmailMailbox) wait(ctx context.Context) error {
	if m.limiter == nil {
		return nil
	}
	return m.limiter.Wait(ctx)
}

// decodeRaw Gmail 返回 URL-safe base64，有时不带 padding
func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw message: %w", err)
	}
	return b, nil
}

func classifyGoogleError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return &integration.TransientError{Vendor: "gmail", Attempts: 1, Err: err}
	}
	switch {
	case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
		return &integration.AuthenticationError{Vendor: "gmail", Status: gerr.Code, Err: err}
	case gerr.Code == http.StatusTooManyRequests:
		return &integration.RateLimitError{Vendor: "gmail", RetryAfter: time.Minute, Err: err}
	case gerr.Code >= 500:
		return &integration.TransientError{Vendor: "gmail", Status: gerr.Code, Attempts: 1, Err: err}
	default:
		return &integration.PermanentError{Vendor: "gmail", Status: gerr.Code, Body: gerr.Message}
	}
}
