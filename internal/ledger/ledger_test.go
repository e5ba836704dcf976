package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"submission-ledger/internal/datekey"
	"submission-ledger/internal/storage"
)

func newLedger(t *testing.T) (*Ledger, *storage.MemoryStore) {
	t.Helper()
	log, _ := test.NewNullLogger()
	store := storage.NewMemoryStore()
	return New(store, log), store
}

func TestAppendIfAbsentIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	rec := Record{Day: "2025-05-21", ParticipantID: "alice", Activity: "two-sum", AttachmentRef: "ref-1"}
	out, err := l.AppendIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Inserted, out)

	rec.AttachmentRef = "ref-2"
	out, err = l.AppendIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, DuplicateIgnored, out)

	recs, ok, err := l.Records(ctx, "2025-05-21")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, recs, 1)
	assert.Equal(t, "ref-1", recs[0].AttachmentRef)
}

func TestAppendIfAbsentDistinctKeys(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	for _, rec := range []Record{
		{Day: "2025-05-21", ParticipantID: "alice", Activity: "two-sum"},
		{Day: "2025-05-21", ParticipantID: "alice", Activity: "lru-cache"},
		{Day: "2025-05-21", ParticipantID: "bob", Activity: "two-sum"},
		{Day: "2025-05-22", ParticipantID: "alice", Activity: "two-sum"},
	} {
		out, err := l.AppendIfAbsent(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, Inserted, out, "%+v", rec)
	}

	counts, err := l.Submitters(ctx, "2025-05-21")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alice": 2, "bob": 1}, counts)
}

func TestGetOrCreateWritesHeaderOnce(t *testing.T) {
	ctx := context.Background()
	l, store := newLedger(t)

	_, created, err := l.GetOrCreate(ctx, "2025-05-21")
	require.NoError(t, err)
	assert.True(t, created)

	tbl, created, err := l.GetOrCreate(ctx, "2025-05-21")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, Header, tbl.Header)

	rows, err := store.ListRows(ctx, tbl)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestConcurrentAppendSameKey(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	const n = 32
	outcomes := make(chan Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := l.AppendIfAbsent(ctx, Record{Day: "2025-05-21", ParticipantID: "alice", Activity: "two-sum"})
			if err != nil {
				t.Errorf("AppendIfAbsent: %v", err)
				return
			}
			outcomes <- out
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for out := range outcomes {
		counts[out]++
	}
	assert.Equal(t, 1, counts[Inserted])
	assert.Equal(t, n-1, counts[DuplicateIgnored])

	recs, _, err := l.Records(ctx, "2025-05-21")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestConcurrentAppendAcrossDays(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	days := []datekey.Key{"2025-05-19", "2025-05-20", "2025-05-21"}
	var wg sync.WaitGroup
	for _, d := range days {
		for _, p := range []string{"alice", "bob", "carol"} {
			wg.Add(1)
			go func(d datekey.Key, p string) {
				defer wg.Done()
				if _, err := l.AppendIfAbsent(ctx, Record{Day: d, ParticipantID: p, Activity: "daily"}); err != nil {
					t.Errorf("AppendIfAbsent: %v", err)
				}
			}(d, p)
		}
	}
	wg.Wait()

	for _, d := range days {
		recs, ok, err := l.Records(ctx, d)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Len(t, recs, 3)
	}
}

func TestRecordsMissingDay(t *testing.T) {
	l, _ := newLedger(t)
	recs, ok, err := l.Records(context.Background(), "2030-01-01")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, recs)
}

func TestContains(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	found, err := l.Contains(ctx, "2025-05-21", "alice", "two-sum")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = l.AppendIfAbsent(ctx, Record{Day: "2025-05-21", ParticipantID: "alice", Activity: "two-sum"})
	require.NoError(t, err)

	found, err = l.Contains(ctx, "2025-05-21", "alice", "two-sum")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDaysSkipsOtherTables(t *testing.T) {
	ctx := context.Background()
	l, store := newLedger(t)

	for _, name := range []string{"Registered_Users", "Report_2025-05-19_2025-05-25", "2025-5-1"} {
		_, err := store.CreateTable(ctx, name, []string{"x"})
		require.NoError(t, err)
	}
	for _, d := range []datekey.Key{"2025-05-21", "2025-05-19"} {
		_, _, err := l.GetOrCreate(ctx, d)
		require.NoError(t, err)
	}

	days, err := l.Days(ctx)
	require.NoError(t, err)
	assert.Equal(t, []datekey.Key{"2025-05-19", "2025-05-21"}, days)
}

type brokenStore struct {
	*storage.MemoryStore
}

func (b brokenStore) ListRows(ctx context.Context, t *storage.Table) ([][]string, error) {
	return nil, &storage.Error{Op: "list rows", Table: t.Name, Err: errors.New("connection reset")}
}

func TestAppendIfAbsentSurfacesStorageError(t *testing.T) {
	log, _ := test.NewNullLogger()
	l := New(brokenStore{storage.NewMemoryStore()}, log)

	_, err := l.AppendIfAbsent(context.Background(), Record{Day: "2025-05-21", ParticipantID: "alice", Activity: "two-sum"})
	var se *storage.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "2025-05-21", se.Table)
}
