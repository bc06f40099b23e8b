package dedup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ticketsync/internal/model"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func record(id, subject, body, sender string, at time.Time) *model.InboundRecord {
	return &model.InboundRecord{
		Channel:       model.ChannelEmail,
		IntegrationID: "acme",
		ExternalID:    id,
		Subject:       subject,
		Body:          body,
		Sender:        model.Sender{Email: sender},
		Timestamp:     at,
	}
}

// runLedgerSuite 对每个后端跑同一组去重语义
func runLedgerSuite(t *testing.T, ledger Ledger) {
	t.Helper()
	ctx := context.Background()
	now := t0
	idx := NewIndex(ledger, DefaultConfig(), zap.NewNop()).WithClock(func() time.Time { return now })

	original := record("<m1@acme.io>", "Printer broken", "The printer on floor 3 is broken", "bob@acme.io", t0)

	v, err := idx.Check(ctx, original)
	require.NoError(t, err)
	assert.False(t, v.Duplicate)
	require.NoError(t, idx.MarkProcessed(ctx, original))

	t.Run("exact id", func(t *testing.T) {
		v, err := idx.Check(ctx, original)
		require.NoError(t, err)
		assert.Equal(t, Verdict{Duplicate: true, Tier: TierExternalID, MatchedKey: "<m1@acme.io>"}, v)
	})

	t.Run("same content different id", func(t *testing.T) {
		resend := record("<m2@acme.io>", "printer BROKEN", "The printer on floor 3 is broken!", "Bob@acme.io", t0.Add(5*time.Hour))
		v, err := idx.Check(ctx, resend)
		require.NoError(t, err)
		assert.True(t, v.Duplicate)
		assert.Equal(t, TierContent, v.Tier)
	})

	t.Run("near duplicate within window", func(t *testing.T) {
		reply := record("<m3@acme.io>", "Re: Printer broken", "any update?", "bob@acme.io", t0.Add(30*time.Minute))
		v, err := idx.Check(ctx, reply)
		require.NoError(t, err)
		assert.True(t, v.Duplicate)
		assert.Equal(t, TierNear, v.Tier)
		assert.Equal(t, "<m1@acme.io>", v.MatchedKey)
	})

	t.Run("near duplicate missing timestamp still matches", func(t *testing.T) {
		reply := record("<m4@acme.io>", "Fwd: printer broken", "fyi", "bob@acme.io", time.Time{})
		v, err := idx.Check(ctx, reply)
		require.NoError(t, err)
		assert.Equal(t, TierNear, v.Tier)
	})

	t.Run("similar subject outside near window", func(t *testing.T) {
		later := record("<m5@acme.io>", "Re: Printer broken", "again", "bob@acme.io", t0.Add(3*time.Hour))
		v, err := idx.Check(ctx, later)
		require.NoError(t, err)
		assert.False(t, v.Duplicate)
	})

	t.Run("different sender", func(t *testing.T) {
		other := record("<m6@acme.io>", "Printer broken", "floor 2 too", "carol@acme.io", t0)
		v, err := idx.Check(ctx, other)
		require.NoError(t, err)
		assert.False(t, v.Duplicate)
	})

	t.Run("scoped by integration", func(t *testing.T) {
		foreign := record("<m1@acme.io>", "Printer broken", "The printer on floor 3 is broken", "bob@acme.io", t0)
		foreign.IntegrationID = "globex"
		v, err := idx.Check(ctx, foreign)
		require.NoError(t, err)
		assert.False(t, v.Duplicate)
	})

	t.Run("potential duplicates", func(t *testing.T) {
		cands, err := idx.FindPotentialDuplicates(ctx, original)
		require.NoError(t, err)
		require.Len(t, cands, 1)
		assert.Equal(t, 1.0, cands[0].Confidence)
		assert.ElementsMatch(t, []MatchTier{TierExternalID, TierContent, TierNear}, cands[0].Reasons)
	})

	t.Run("stats", func(t *testing.T) {
		st, err := idx.Stats(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Entries)
		assert.True(t, st.Oldest.Equal(t0))
		assert.True(t, st.Newest.Equal(t0))
	})

	t.Run("content outside retention", func(t *testing.T) {
		now = t0.Add(8 * 24 * time.Hour)

		resend := record("<m7@acme.io>", "Printer broken", "The printer on floor 3 is broken", "bob@acme.io", now)
		v, err := idx.Check(ctx, resend)
		require.NoError(t, err)
		assert.False(t, v.Duplicate)

		v, err = idx.Check(ctx, original)
		require.NoError(t, err)
		assert.Equal(t, TierExternalID, v.Tier, "exact ids never expire")
	})
}

func TestIndex_MemoryLedger(t *testing.T) {
	runLedgerSuite(t, NewMemoryLedger())
}

func TestMemoryLedger_PrunesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger().WithRetention(24 * time.Hour)

	old := Entry{IntegrationID: "acme", ExternalID: "1", ContentHash: "h1", Sender: "bob@acme.io", FirstSeenAt: t0}
	require.NoError(t, ledger.Append(ctx, old))
	fresh := Entry{IntegrationID: "acme", ExternalID: "2", ContentHash: "h1", Sender: "bob@acme.io", FirstSeenAt: t0.Add(48 * time.Hour)}
	require.NoError(t, ledger.Append(ctx, fresh))

	s := ledger.scopes["acme"]
	assert.Len(t, s.hashes["h1"], 1)
	assert.Len(t, s.senders["bob@acme.io"], 1)
	assert.Equal(t, "2", s.hashes["h1"][0].ExternalID)

	// external id 不受保留期影响
	_, found, err := ledger.ByExternalID(ctx, "acme", "1")
	require.NoError(t, err)
	assert.True(t, found)

	// 不再被追加的键在周期清理时删除
	require.NoError(t, ledger.Append(ctx, Entry{IntegrationID: "acme", ContentHash: "stale", FirstSeenAt: t0}))
	later := t0.Add(96 * time.Hour)
	for s.appends%memorySweepEvery != 0 {
		require.NoError(t, ledger.Append(ctx, Entry{IntegrationID: "acme", FirstSeenAt: later}))
	}
	assert.NotContains(t, s.hashes, "stale")
	assert.NotContains(t, s.hashes, "h1")
}

func TestIndex_RedisLedger(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	runLedgerSuite(t, NewRedisLedger(rdb, 7*24*time.Hour))
}

func TestIndex_SQLiteLedger(t *testing.T) {
	ledger, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	runLedgerSuite(t, ledger)
}

func TestIndex_EmptySubjectNeverNearMatches(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(NewMemoryLedger(), DefaultConfig(), zap.NewNop()).WithClock(func() time.Time { return t0 })

	first := record("a", "", "body one", "bob@acme.io", t0)
	require.NoError(t, idx.MarkProcessed(ctx, first))

	second := record("b", "", "body two", "bob@acme.io", t0)
	v, err := idx.Check(ctx, second)
	require.NoError(t, err)
	assert.False(t, v.Duplicate)
}

func TestIndex_ThresholdIsConfigurable(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(NewMemoryLedger(), Config{NearThreshold: 0.5}, zap.NewNop()).WithClock(func() time.Time { return t0 })

	require.NoError(t, idx.MarkProcessed(ctx, record("a", "printer broken", "x", "bob@acme.io", t0)))

	v, err := idx.Check(ctx, record("b", "printer broken again", "y", "bob@acme.io", t0))
	require.NoError(t, err)
	assert.Equal(t, TierNear, v.Tier)
}

func TestOpenLedger(t *testing.T) {
	ctx := context.Background()

	l, err := OpenLedger(ctx, "memory://", time.Hour, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "memory", l.Backend())

	l, err = OpenLedger(ctx, "", time.Hour, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "memory", l.Backend())

	path := filepath.Join(t.TempDir(), "fp.db")
	l, err = OpenLedger(ctx, "sqlite://"+path, time.Hour, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", l.Backend())
	require.NoError(t, l.Close())

	mr := miniredis.RunT(t)
	l, err = OpenLedger(ctx, "redis://"+mr.Addr()+"/0", time.Hour, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "redis", l.Backend())
	require.NoError(t, l.Close())

	_, err = OpenLedger(ctx, "mongodb://localhost", time.Hour, zap.NewNop())
	assert.Error(t, err)
}
