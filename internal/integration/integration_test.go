package integration

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketsync/internal/model"
	"ticketsync/pkg/util"
)

func TestErrorPredicates_SeeThroughWrapping(t *testing.T) {
	auth := fmt.Errorf("fetch page: %w", &AuthenticationError{Vendor: "zendesk", Status: 401})
	assert.True(t, IsAuthentication(auth))
	assert.False(t, IsTransient(auth))

	rl := fmt.Errorf("wrapped: %w", &RateLimitError{Vendor: "slack", RetryAfter: 30 * time.Second})
	after, ok := IsRateLimit(rl)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, after)

	assert.True(t, IsTransient(&TransientError{Vendor: "zendesk", Attempts: 4, Err: errors.New("EOF")}))
	assert.True(t, IsPermanentRecord(&PermanentRecordError{ExternalID: "zendesk_2", Reason: "missing id"}))
	assert.True(t, IsSignature(&SignatureVerificationError{Reason: "mismatch"}))
	assert.True(t, IsPermanent(&PermanentError{Vendor: "zendesk", Status: 422}))
}

func TestErrors_ClassifiedByRetryUtility(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
		kind      string
	}{
		{&AuthenticationError{Vendor: "zendesk"}, false, "authentication"},
		{&RateLimitError{Vendor: "zendesk"}, true, "rate_limit"},
		{fmt.Errorf("x: %w", &TransientError{Vendor: "slack"}), true, "transient"},
		{&PermanentRecordError{ExternalID: "a"}, false, "permanent_record"},
		{&SignatureVerificationError{}, false, "signature"},
	}
	for _, tc := range cases {
		retryable, kind := util.IsRetryableError(tc.err)
		assert.Equal(t, tc.retryable, retryable, tc.kind)
		assert.Equal(t, tc.kind, kind)
	}
}

func TestPermanentRecordError_Message(t *testing.T) {
	err := &PermanentRecordError{Reason: "ticket has no id"}
	assert.Equal(t, "record <unknown>: ticket has no id", err.Error())
}

func zendeskChannel() ChannelConfig {
	return ChannelConfig{
		Kind:       model.ChannelVendorRest,
		VendorRest: &VendorRestConfig{Subdomain: "acme", Email: "ops@acme.io", APIToken: "t"},
	}
}

func TestChannelConfig_Validate(t *testing.T) {
	assert.NoError(t, zendeskChannel().Validate())

	mismatched := ChannelConfig{Kind: model.ChannelChat, VendorRest: zendeskChannel().VendorRest}
	assert.Error(t, mismatched.Validate())

	both := zendeskChannel()
	both.Chat = &ChatConfig{BotToken: "x", ChannelIDs: []string{"C1"}}
	assert.Error(t, both.Validate())

	none := ChannelConfig{Kind: model.ChannelEmail}
	assert.Error(t, none.Validate())

	chat := ChannelConfig{Kind: model.ChannelChat, Chat: &ChatConfig{BotToken: "x", ChannelIDs: []string{"C1"}, Limit: 2000}}
	assert.Error(t, chat.Validate())

	gmail := ChannelConfig{Kind: model.ChannelEmail, Email: &EmailConfig{Source: "gmail"}}
	assert.Error(t, gmail.Validate())
	gmail.Email.Gmail = &GmailConfig{AccessToken: "ya29"}
	assert.NoError(t, gmail.Validate())
}

func TestConfig_ValidateAndRateLimitDefaults(t *testing.T) {
	cfg := Config{ID: "acme-zd", Vendor: VendorZendesk, Channels: []ChannelConfig{zendeskChannel()}}
	require.NoError(t, cfg.Validate())

	rl := cfg.EffectiveRateLimit()
	assert.Equal(t, 700, rl.MaxCalls)
	assert.Equal(t, time.Minute, rl.Window)

	cfg.Vendor = VendorSlack
	assert.Equal(t, 50, cfg.EffectiveRateLimit().MaxCalls)

	cfg.RateLimit = RateLimitConfig{MaxCalls: 5, Window: 10 * time.Second}
	assert.Equal(t, RateLimitConfig{MaxCalls: 5, Window: 10 * time.Second}, cfg.EffectiveRateLimit())

	cfg.Vendor = "jira"
	assert.Error(t, cfg.Validate())
}

func TestRegistry_LookupByTokenOnly(t *testing.T) {
	r := NewRegistry()
	r.Register(&Integration{Config: Config{ID: "b", Enabled: true, WebhookToken: "tok-b"}})
	r.Register(&Integration{Config: Config{ID: "a", Enabled: true, WebhookToken: "tok-a"}})
	r.Register(&Integration{Config: Config{ID: "c", Enabled: false}})

	in, ok := r.ByWebhookToken("tok-a")
	require.True(t, ok)
	assert.Equal(t, "a", in.Config.ID)

	_, ok = r.ByWebhookToken("a")
	assert.False(t, ok)
	_, ok = r.ByWebhookToken("")
	assert.False(t, ok)

	enabled := r.Enabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, "a", enabled[0].Config.ID)

	// 重新注册后旧 token 失效
	r.Register(&Integration{Config: Config{ID: "a", Enabled: true, WebhookToken: "tok-a2"}})
	_, ok = r.ByWebhookToken("tok-a")
	assert.False(t, ok)
}
