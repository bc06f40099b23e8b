package dedup

import (
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

var replyPrefixRe = regexp.MustCompile(`^\s*(re|fw|fwd)\s*:\s*`)

// ContentHash 对规范化后的 subject | body | sender 取 BLAKE2b-256
func ContentHash(subject, body, sender string) string {
	key := normalizeForHash(subject) + "|" + normalizeForHash(body) + "|" + strings.ToLower(strings.TrimSpace(sender))
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// normalizeForHash 小写并去掉所有非单词字符
func normalizeForHash(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return unicode.ToLower(r)
		}
		return -1
	}, s)
}

// NormalizeSubject 去掉 re:/fw:/fwd: 前缀和标点，压缩空白
func NormalizeSubject(subject string) string {
	s := strings.ToLower(strings.TrimSpace(subject))
	for {
		stripped := replyPrefixRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' {
			return r
		}
		return -1
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeSender 小写的邮件地址
func NormalizeSender(sender string) string {
	return strings.ToLower(strings.TrimSpace(sender))
}

// Jaccard 两个规范化 subject 的词集合相似度
func Jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}

	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		out[tok] = struct{}{}
	}
	return out
}
