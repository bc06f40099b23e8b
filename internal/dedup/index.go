package dedup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"ticketsync/internal/model"
	"ticketsync/pkg/metrics"
)

type MatchTier string

const (
	TierNone       MatchTier = ""
	TierExternalID MatchTier = "external_id"
	TierContent    MatchTier = "content_hash"
	TierNear       MatchTier = "near_duplicate"
)

type Verdict struct {
	Duplicate  bool      `json:"duplicate"`
	Tier       MatchTier `json:"tier,omitempty"`
	MatchedKey string    `json:"matched_key,omitempty"`
}

// Candidate 是 FindPotentialDuplicates 的结果
type Candidate struct {
	Entry      Entry       `json:"entry"`
	Reasons    []MatchTier `json:"reasons"`
	Confidence float64     `json:"confidence"`
	Similarity float64     `json:"similarity"`
}

type Config struct {
	Retention     time.Duration `yaml:"retention"`
	NearThreshold float64       `yaml:"near_threshold"`
	NearWindow    time.Duration `yaml:"near_window"`
}

func DefaultConfig() Config {
	return Config{
		Retention:     7 * 24 * time.Hour,
		NearThreshold: 0.9,
		NearWindow:    time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.NearThreshold <= 0 {
		c.NearThreshold = d.NearThreshold
	}
	if c.NearWindow <= 0 {
		c.NearWindow = d.NearWindow
	}
	return c
}

// Index 三级去重：外部 id、内容 hash、近似重复
type Index struct {
	ledger Ledger
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

func NewIndex(ledger Ledger, cfg Config, logger *zap.Logger) *Index {
	return &Index{
		ledger: ledger,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: logger,
	}
}

// WithClock 测试用
func (i *Index) WithClock(now func() time.Time) *Index {
	i.now = now
	return i
}

func (i *Index) Backend() string { return i.ledger.Backend() }

// Check 只读，命中第一级后立即返回
func (i *Index) Check(ctx context.Context, rec *model.InboundRecord) (Verdict, error) {
	scope := rec.IntegrationID
	since := i.now().Add(-i.cfg.Retention)

	if rec.ExternalID != "" {
		_, found, err := i.ledger.ByExternalID(ctx, scope, rec.ExternalID)
		if err != nil {
			return Verdict{}, fmt.Errorf("dedup lookup by external id: %w", err)
		}
		if found {
			metrics.IncrementDedupHit(string(TierExternalID))
			return Verdict{Duplicate: true, Tier: TierExternalID, MatchedKey: rec.ExternalID}, nil
		}
	}

	hash := hashOf(rec)
	if hash != "" {
		matches, err := i.ledger.ByContentHash(ctx, scope, hash, since)
		if err != nil {
			return Verdict{}, fmt.Errorf("dedup lookup by content hash: %w", err)
		}
		if len(matches) > 0 {
			metrics.IncrementDedupHit(string(TierContent))
			return Verdict{Duplicate: true, Tier: TierContent, MatchedKey: hash}, nil
		}
	}

	sender := NormalizeSender(rec.Sender.Email)
	subject := NormalizeSubject(rec.Subject)
	if sender == "" || subject == "" {
		return Verdict{}, nil
	}

	entries, err := i.ledger.BySender(ctx, scope, sender, since)
	if err != nil {
		return Verdict{}, fmt.Errorf("dedup lookup by sender: %w", err)
	}
	for _, e := range entries {
		if ok, _ := i.nearMatch(subject, rec.Timestamp, e); ok {
			metrics.IncrementDedupHit(string(TierNear))
			metrics.IncrementNearDuplicateMerge(scope)
			i.logger.Info("Near-duplicate matched",
				zap.String("integration_id", scope),
				zap.String("external_id", rec.ExternalID),
				zap.String("matched_external_id", e.ExternalID),
			)
			return Verdict{Duplicate: true, Tier: TierNear, MatchedKey: e.ExternalID}, nil
		}
	}
	return Verdict{}, nil
}

// nearMatch 同发件人、subject 相似度达到阈值、时间在窗口内。缺失的时间戳不阻止匹配
func (i *Index) nearMatch(subject string, at time.Time, e Entry) (bool, float64) {
	if e.NormalizedSubject == "" {
		return false, 0
	}
	sim := Jaccard(subject, e.NormalizedSubject)
	if sim < i.cfg.NearThreshold {
		return false, sim
	}
	if !at.IsZero() && !e.OriginalAt.IsZero() {
		diff := at.Sub(e.OriginalAt)
		if diff < 0 {
			diff = -diff
		}
		if diff > i.cfg.NearWindow {
			return false, sim
		}
	}
	return true, sim
}

// MarkProcessed 追加账本记录
func (i *Index) MarkProcessed(ctx context.Context, rec *model.InboundRecord) error {
	entry := Entry{
		IntegrationID:     rec.IntegrationID,
		ExternalID:        rec.ExternalID,
		ContentHash:       hashOf(rec),
		NormalizedSubject: NormalizeSubject(rec.Subject),
		Sender:            NormalizeSender(rec.Sender.Email),
		OriginalAt:        rec.Timestamp,
		FirstSeenAt:       i.now(),
	}
	if err := i.ledger.Append(ctx, entry); err != nil {
		return fmt.Errorf("dedup mark processed: %w", err)
	}
	return nil
}

// FindPotentialDuplicates 返回任一级命中的账本记录，confidence = 命中原因数 / 3
func (i *Index) FindPotentialDuplicates(ctx context.Context, rec *model.InboundRecord) ([]Candidate, error) {
	scope := rec.IntegrationID
	since := i.now().Add(-i.cfg.Retention)
	hash := hashOf(rec)
	sender := NormalizeSender(rec.Sender.Email)
	subject := NormalizeSubject(rec.Subject)

	pool := make(map[string]Entry)
	add := func(e Entry) {
		pool[e.ExternalID+"|"+e.ContentHash+"|"+e.FirstSeenAt.String()] = e
	}

	if rec.ExternalID != "" {
		e, found, err := i.ledger.ByExternalID(ctx, scope, rec.ExternalID)
		if err != nil {
			return nil, err
		}
		if found {
			add(e)
		}
	}
	if hash != "" {
		entries, err := i.ledger.ByContentHash(ctx, scope, hash, since)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			add(e)
		}
	}
	if sender != "" {
		entries, err := i.ledger.BySender(ctx, scope, sender, since)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			add(e)
		}
	}

	var out []Candidate
	for _, e := range pool {
		var reasons []MatchTier
		if rec.ExternalID != "" && e.ExternalID == rec.ExternalID {
			reasons = append(reasons, TierExternalID)
		}
		if hash != "" && e.ContentHash == hash && !e.FirstSeenAt.Before(since) {
			reasons = append(reasons, TierContent)
		}
		var sim float64
		if sender != "" && subject != "" && e.Sender == sender {
			var ok bool
			ok, sim = i.nearMatch(subject, rec.Timestamp, e)
			if ok {
				reasons = append(reasons, TierNear)
			}
		}
		if len(reasons) == 0 {
			continue
		}
		out = append(out, Candidate{
			Entry:      e,
			Reasons:    reasons,
			Confidence: float64(len(reasons)) / 3,
			Similarity: sim,
		})
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].Confidence != out[b].Confidence {
			return out[a].Confidence > out[b].Confidence
		}
		return out[a].Entry.FirstSeenAt.After(out[b].Entry.FirstSeenAt)
	})
	return out, nil
}

func (i *Index) Stats(ctx context.Context, scope string) (LedgerStats, error) {
	return i.ledger.Stats(ctx, scope)
}

func hashOf(rec *model.InboundRecord) string {
	if rec.ContentHash != "" {
		return rec.ContentHash
	}
	if rec.Subject == "" && rec.Body == "" {
		return ""
	}
	return ContentHash(rec.Subject, rec.Body, rec.Sender.Email)
}
