package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ticketsync/internal/integration"
)

const (
	HeaderZendeskSignature = "X-Zendesk-Webhook-Signature"
	HeaderZendeskTimestamp = "X-Zendesk-Webhook-Signature-Timestamp"
	HeaderSlackSignature   = "X-Slack-Signature"
	HeaderSlackTimestamp   = "X-Slack-Request-Timestamp"

	slackVersion = "v0"
	// MaxSlackSkew Slack 请求时间戳允许的偏差
	MaxSlackSkew = 5 * time.Minute
)

// SignZendesk base64(HMAC-SHA256(secret, timestamp + body))
func SignZendesk(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignSlack v0=hex(HMAC-SHA256(secret, "v0:" + ts + ":" + body))
func SignSlack(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(slackVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return slackVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

func verifyZendesk(secret string, h http.Header, body []byte) (string, error) {
	sig := h.Get(HeaderZendeskSignature)
	ts := h.Get(HeaderZendeskTimestamp)
	if sig == "" || ts == "" {
		return sig, &integration.SignatureVerificationError{Reason: "missing signature or timestamp header"}
	}
	if !hmac.Equal([]byte(sig), []byte(SignZendesk(secret, ts, body))) {
		return sig, &integration.SignatureVerificationError{Reason: "signature mismatch"}
	}
	return sig, nil
}

func verifySlack(secret string, h http.Header, body []byte, now time.Time) (string, error) {
	sig := h.Get(HeaderSlackSignature)
	ts := h.Get(HeaderSlackTimestamp)
	if sig == "" || ts == "" {
		return sig, &integration.SignatureVerificationError{Reason: "missing signature or timestamp header"}
	}
	if !strings.HasPrefix(sig, slackVersion+"=") {
		return sig, &integration.SignatureVerificationError{Reason: "unsupported signature version"}
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return sig, &integration.SignatureVerificationError{Reason: "invalid request timestamp"}
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxSlackSkew {
		return sig, &integration.SignatureVerificationError{Reason: "request timestamp outside the allowed window"}
	}

	if !hmac.Equal([]byte(sig), []byte(SignSlack(secret, ts, body))) {
		return sig, &integration.SignatureVerificationError{Reason: "signature mismatch"}
	}
	return sig, nil
}
