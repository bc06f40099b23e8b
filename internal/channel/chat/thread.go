package chat

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"ticketsync/internal/model"
)

const externalIDPrefix = "slack_"

// Message conversations.history / Events API 共用的消息结构
type Message struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype,omitempty"`
	TS          string `json:"ts"`
	ThreadTS    string `json:"thread_ts,omitempty"`
	User        string `json:"user,omitempty"`
	BotID       string `json:"bot_id,omitempty"`
	Text        string `json:"text"`
	ReplyCount  int    `json:"reply_count,omitempty"`
	LatestReply string `json:"latest_reply,omitempty"`
	Files       []File `json:"files,omitempty"`
	Edited      *struct {
		User string `json:"user"`
		TS   string `json:"ts"`
	} `json:"edited,omitempty"`
}

type File struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Filetype string `json:"filetype"`
	Mimetype string `json:"mimetype"`
	Size     int    `json:"size"`
}

// User users.info 返回的身份信息
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name"`
	IsBot    bool   `json:"is_bot"`
	Profile  struct {
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
		RealName    string `json:"real_name"`
	} `json:"profile"`
}

// Display real_name > display_name > name
func (u *User) Display() string {
	switch {
	case u.RealName != "":
		return u.RealName
	case u.Profile.RealName != "":
		return u.Profile.RealName
	case u.Profile.DisplayName != "":
		return u.Profile.DisplayName
	default:
		return u.Name
	}
}

var systemSubtypes = map[string]bool{
	"channel_join":    true,
	"channel_leave":   true,
	"channel_topic":   true,
	"channel_purpose": true,
	"channel_name":    true,
	"channel_archive": true,
}

var (
	highPriorityKeywords = []string{
		"urgent", "critical", "emergency", "down", "broken",
		"error", "bug", "issue", "problem", "help",
	}
	mediumPriorityKeywords = []string{"question", "support", "request", "feature"}
)

// ExternalID slack_<ts>_<channel>
func ExternalID(ts, channelID string) string {
	return externalIDPrefix + ts + "_" + channelID
}

// ShouldSkip 空消息、机器人消息和频道系统消息不进入同步
func ShouldSkip(m Message) bool {
	if strings.TrimSpace(m.Text) == "" && len(m.Files) == 0 {
		return true
	}
	if m.Subtype == "bot_message" || m.BotID != "" {
		return true
	}
	return systemSubtypes[m.Subtype]
}

// DeterminePriority 关键字匹配，没有命中为 low
func DeterminePriority(text string) string {
	lower := strings.ToLower(text)
	for _, kw := range highPriorityKeywords {
		if strings.Contains(lower, kw) {
			return model.PriorityHigh
		}
	}
	for _, kw := range mediumPriorityKeywords {
		if strings.Contains(lower, kw) {
			return model.PriorityMedium
		}
	}
	return model.PriorityLow
}

// ParseTS 把 "1709283600.000100" 解析为时间
func ParseTS(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nanos int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		nanos, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, nanos).UTC()
}

func tsValue(ts string) float64 {
	f, _ := strconv.ParseFloat(ts, 64)
	return f
}

// threadKey 回复用 thread_ts，根消息和独立消息用自己的 ts
func threadKey(m Message) string {
	if m.ThreadTS != "" {
		return m.ThreadTS
	}
	return m.TS
}

type thread struct {
	key      string
	messages []Message
}

// groupThreads 过滤后按线程分组，线程内按 ts 排序，线程之间按出现的最早 ts 排序
func groupThreads(messages []Message) ([]thread, int) {
	byKey := make(map[string]*thread)
	var order []string
	skipped := 0
	seen := make(map[string]bool, len(messages))

	for _, m := range messages {
		if ShouldSkip(m) {
			skipped++
			continue
		}
		if seen[m.TS] {
			continue
		}
		seen[m.TS] = true

		key := threadKey(m)
		t, ok := byKey[key]
		if !ok {
			t = &thread{key: key}
			byKey[key] = t
			order = append(order, key)
		}
		t.messages = append(t.messages, m)
	}

	out := make([]thread, 0, len(order))
	for _, key := range order {
		t := byKey[key]
		sort.SliceStable(t.messages, func(i, j int) bool {
			return tsValue(t.messages[i].TS) < tsValue(t.messages[j].TS)
		})
		out = append(out, *t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return tsValue(out[i].messages[0].TS) < tsValue(out[j].messages[0].TS)
	})
	return out, skipped
}

// hasRoot 线程的第一条消息就是根消息
func (t thread) hasRoot() bool {
	return len(t.messages) > 0 && t.messages[0].TS == t.key
}

// Title [#channel] <前 100 个字符>... - <user>
func Title(m Message, channelName string, u *User) string {
	text := strings.TrimSpace(m.Text)
	title := "Message with attachments"
	if text != "" {
		title = truncateRunes(text, 100)
		if utf8.RuneCountInString(text) > 100 {
			title += "..."
		}
	}

	display := m.User
	if u != nil {
		display = u.Display()
	}
	if display == "" {
		display = "Unknown"
	}
	return fmt.Sprintf("[#%s] %s - %s", channelName, title, display)
}

// FormatMessage 工单描述和评论正文
func FormatMessage(m Message, channelName string, u *User) string {
	var b strings.Builder

	display := m.User
	if display == "" {
		display = "Unknown User"
	}
	if u != nil {
		display = u.Display()
		if u.Profile.Email != "" {
			display += " (" + u.Profile.Email + ")"
		}
	}

	fmt.Fprintf(&b, "**From:** %s\n", display)
	fmt.Fprintf(&b, "**Channel:** #%s\n", channelName)
	fmt.Fprintf(&b, "**Time:** %s\n\n", ParseTS(m.TS).Format("2006-01-02 15:04:05 UTC"))

	if m.Text != "" {
		b.WriteString("**Message:**\n")
		b.WriteString(m.Text)
		b.WriteString("\n\n")
	}
	if len(m.Files) > 0 {
		b.WriteString("**Attachments:**\n")
		for _, f := range m.Files {
			name, ftype := f.Name, f.Filetype
			if name == "" {
				name = "Unknown file"
			}
			if ftype == "" {
				ftype = "unknown"
			}
			fmt.Fprintf(&b, "- %s (%s)\n", name, ftype)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
