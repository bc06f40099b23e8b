package email

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"

	"ticketsync/internal/model"
)

const previewLength = 200

// Parsed 一封邮件解析和清洗后的结果
type Parsed struct {
	MessageID    string
	InReplyTo    string
	References   []string
	Subject      string
	CleanSubject string
	From         model.Sender
	To           []model.Sender
	Cc           []model.Sender
	Date         time.Time
	BodyText     string
	BodyHTML     string
	MainContent  string
	Preview      string
	Keywords     []string
	Attachments  []model.Attachment
	Type         string
	Priority     string
	Category     string
	Metadata     map[string]any
}

var (
	// 按顺序匹配，命中的第一行及之后的内容都丢弃
	signaturePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^--\s*$`),
		regexp.MustCompile(`(?i)^sent from my iphone`),
		regexp.MustCompile(`(?i)^sent from my android`),
		regexp.MustCompile(`(?i)^get outlook for`),
		regexp.MustCompile(`(?i)^this email was sent from`),
		regexp.MustCompile(`(?i)^best regards,`),
		regexp.MustCompile(`(?i)^kind regards,`),
		regexp.MustCompile(`(?i)^sincerely,`),
		regexp.MustCompile(`(?i)^thank you,`),
		regexp.MustCompile(`(?i)^thanks,`),
	}
	replyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^on .* wrote:$`),
		regexp.MustCompile(`(?i)^from:.*sent:.*to:.*subject:`),
		regexp.MustCompile(`(?i)^-----original message-----`),
		regexp.MustCompile(`^> ?`),
		regexp.MustCompile(`(?i)^from: `),
		regexp.MustCompile(`(?i)^date: `),
		regexp.MustCompile(`(?i)^subject: `),
		regexp.MustCompile(`(?i)^to: `),
	}

	subjectPrefixRe = regexp.MustCompile(`(?i)^\s*(re|fwd?)\s*:\s*`)
	subjectTagRe    = regexp.MustCompile(`\[[^\]]*\]\s*`)
	blockCloseRe    = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|li|tr|h[1-6]|blockquote)>`)
	spacesRe        = regexp.MustCompile(`[ \t\f\v]+`)
	blankLinesRe    = regexp.MustCompile(`\n\s*\n(\s*\n)+`)
	urlRe           = regexp.MustCompile(`https?://`)
	phoneRe         = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)
	emailRe         = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	wordRe          = regexp.MustCompile(`\w+`)

	autoReplyIndicators = []string{
		"out of office", "automatic reply", "auto-reply", "vacation message",
		"away message", "delivery failure", "mailer-daemon", "postmaster",
	}
	systemSenders      = []string{"noreply", "no-reply", "mailer-daemon", "postmaster"}
	newsletterKeywords = []string{"unsubscribe", "newsletter", "marketing", "promotional"}
	supportKeywords    = []string{
		"help", "problem", "issue", "error", "bug", "support", "assistance",
		"question", "trouble", "broken", "not working", "failed",
	}
	urgencyWords  = []string{"urgent", "asap", "immediately", "emergency", "critical", "high priority"}
	positiveWords = []string{"thank", "great", "excellent", "love", "perfect", "awesome"}
	negativeWords = []string{"terrible", "awful", "hate", "worst", "angry", "frustrated"}
	stopWords     = map[string]bool{
		"the": true, "and": true, "or": true, "but": true, "in": true, "on": true, "at": true,
		"to": true, "for": true, "of": true, "with": true, "by": true, "a": true, "an": true,
	}

	categoryRules = []struct {
		category string
		words    []string
	}{
		{"billing", []string{"billing", "payment", "charge", "invoice"}},
		{"technical", []string{"bug", "error", "broken", "not working"}},
		{"feature_request", []string{"feature", "request", "enhancement"}},
		{"authentication", []string{"login", "password", "account", "access"}},
	}

	htmlPolicy = bluemonday.StrictPolicy()
)

// Parse 解析 RFC 5322 原文。未知字符集不算失败，能读到多少算多少
func Parse(raw []byte) (*Parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	p := &Parsed{}
	h := mr.Header

	if p.Subject, err = h.Subject(); err != nil {
		p.Subject = h.Get("Subject")
	}
	if id, err := h.MessageID(); err == nil {
		p.MessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		p.InReplyTo = ids[0]
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		p.References = ids
	}
	if date, err := h.Date(); err == nil {
		p.Date = date.UTC()
	}
	p.From = firstAddress(h, "From")
	p.To = addresses(h, "To")
	p.Cc = addresses(h, "Cc")

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if p.BodyText != "" || p.BodyHTML != "" {
				break
			}
			return nil, fmt.Errorf("failed to read message part: %w", err)
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, _ := io.ReadAll(part.Body)
			switch {
			case ct == "text/plain" && p.BodyText == "":
				p.BodyText = string(body)
			case ct == "text/html" && p.BodyHTML == "":
				p.BodyHTML = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			n, _ := io.Copy(io.Discard, part.Body)
			p.Attachments = append(p.Attachments, model.Attachment{Filename: filename, ContentType: ct, Size: int(n)})
		}
	}

	p.analyze()
	return p, nil
}

func (p *Parsed) analyze() {
	text := cleanText(p.BodyText)
	if text == "" && p.BodyHTML != "" {
		text = HTMLToText(p.BodyHTML)
	}
	p.BodyText = text
	p.MainContent = ExtractMainContent(text)
	p.CleanSubject = CleanSubject(p.Subject)
	p.Preview = Preview(p.MainContent, previewLength)
	p.Keywords = SubjectKeywords(p.CleanSubject)
	p.Type = DetectType(p.Subject, p.MainContent, p.From.Email)
	p.Metadata = contentMetadata(p.MainContent)

	urgency, _ := p.Metadata["urgency_indicators"].([]string)
	p.Priority = DeterminePriority(p.Subject, urgency)
	p.Category = DetermineCategory(p.Subject, p.MainContent)
}

func firstAddress(h mail.Header, key string) model.Sender {
	list := addresses(h, key)
	if len(list) == 0 {
		// 解析失败时保留原始值
		return ParseSender(h.Get(key))
	}
	return list[0]
}

func addresses(h mail.Header, key string) []model.Sender {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]model.Sender, 0, len(list))
	for _, a := range list {
		out = append(out, newSender(a.Name, a.Address))
	}
	return out
}

func newSender(name, addr string) model.Sender {
	s := model.Sender{Name: strings.TrimSpace(name), Email: strings.TrimSpace(addr)}
	if at := strings.LastIndex(s.Email, "@"); at >= 0 {
		s.Domain = strings.ToLower(s.Email[at+1:])
	}
	return s
}

var senderRe = regexp.MustCompile(`^"?([^"<]*?)"?\s*<([^<>\s]+@[^<>\s]+)>`)

// ParseSender "Name <a@b.c>" 或 "a@b.c"
func ParseSender(raw string) model.Sender {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.Sender{}
	}
	if m := senderRe.FindStringSubmatch(raw); m != nil {
		return newSender(m[1], m[2])
	}
	if strings.Contains(raw, "@") && !strings.ContainsAny(raw, " <>") {
		return newSender("", raw)
	}
	return model.Sender{Email: raw}
}

func cleanText(body string) string {
	if body == "" {
		return ""
	}
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	body = spacesRe.ReplaceAllString(body, " ")
	body = blankLinesRe.ReplaceAllString(body, "\n\n")
	return strings.TrimSpace(body)
}

// HTMLToText 块级标签换行后交给 bluemonday 去掉所有标签，再反转义实体
func HTMLToText(s string) string {
	s = blockCloseRe.ReplaceAllString(s, "$0\n")
	s = html.UnescapeString(htmlPolicy.Sanitize(s))

	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(spacesRe.ReplaceAllString(l, " "))
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// ExtractMainContent 遇到第一行签名或引用标记就停止
func ExtractMainContent(body string) string {
	var kept []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if matchesAny(signaturePatterns, trimmed) || matchesAny(replyPatterns, trimmed) {
			break
		}
		if len(kept) == 0 && trimmed == "" {
			continue
		}
		kept = append(kept, strings.TrimRight(line, " "))
	}
	content := strings.TrimSpace(strings.Join(kept, "\n"))
	return blankLinesRe.ReplaceAllString(content, "\n\n")
}

func matchesAny(patterns []*regexp.Regexp, line string) bool {
	for _, re := range patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// CleanSubject 去掉开头的 Re:/Fwd: 和 [tag]
func CleanSubject(subject string) string {
	s := subjectPrefixRe.ReplaceAllString(subject, "")
	s = subjectTagRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func SubjectKeywords(subject string) []string {
	var out []string
	for _, w := range wordRe.FindAllString(strings.ToLower(subject), -1) {
		if stopWords[w] || utf8.RuneCountInString(w) <= 2 {
			continue
		}
		out = append(out, w)
		if len(out) == 10 {
			break
		}
	}
	return out
}

// Preview 在单词边界截断
func Preview(content string, limit int) string {
	p := strings.TrimSpace(strings.ReplaceAll(content, "\n", " "))
	if utf8.RuneCountInString(p) <= limit {
		return p
	}
	truncated := string([]rune(p)[:limit])
	if i := strings.LastIndex(truncated, " "); i > limit*8/10 {
		return truncated[:i] + "..."
	}
	return truncated + "..."
}

// DetectType auto_reply > system > newsletter > support_request > general
func DetectType(subject, content, senderEmail string) string {
	subject = strings.ToLower(subject)
	content = strings.ToLower(content)
	sender := strings.ToLower(senderEmail)

	for _, ind := range autoReplyIndicators {
		if strings.Contains(subject, ind) || strings.Contains(content, ind) {
			return model.MessageAutoReply
		}
	}
	if containsAny(sender, systemSenders) {
		return model.MessageSystem
	}
	if containsAny(content, newsletterKeywords) {
		return model.MessageNewsletter
	}
	if containsAny(subject, supportKeywords) || containsAny(content, supportKeywords) {
		return model.MessageSupportRequest
	}
	return model.MessageGeneral
}

// DeterminePriority 有紧急词或主题里带 urgent/emergency/critical 为 high
func DeterminePriority(subject string, urgency []string) string {
	if len(urgency) > 0 {
		return model.PriorityHigh
	}
	if containsAny(strings.ToLower(subject), []string{"urgent", "emergency", "critical"}) {
		return model.PriorityHigh
	}
	return model.PriorityMedium
}

func DetermineCategory(subject, content string) string {
	subject = strings.ToLower(subject)
	content = strings.ToLower(content)
	for _, rule := range categoryRules {
		if containsAny(subject, rule.words) || containsAny(content, rule.words) {
			return rule.category
		}
	}
	return "general"
}

func contentMetadata(content string) map[string]any {
	lower := strings.ToLower(content)

	urgency := []string{}
	for _, w := range urgencyWords {
		if strings.Contains(lower, w) {
			urgency = append(urgency, w)
		}
	}
	sentiment := []string{}
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			sentiment = append(sentiment, "positive:"+w)
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			sentiment = append(sentiment, "negative:"+w)
		}
	}

	return map[string]any{
		"word_count":           len(strings.Fields(content)),
		"line_count":           strings.Count(content, "\n") + 1,
		"has_urls":             urlRe.MatchString(content),
		"has_phone":            phoneRe.MatchString(content),
		"has_email":            emailRe.MatchString(content),
		"urgency_indicators":   urgency,
		"sentiment_indicators": sentiment,
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
