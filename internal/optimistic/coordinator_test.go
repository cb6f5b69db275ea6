package optimistic

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/bhandras/huddle/internal/metrics"
)

type note struct {
	ID      string
	LocalID string
	Text    string
}

func newNotes(m *metrics.Metrics) *Coordinator[note] {
	return New(Options[note]{
		Scope:       "notes",
		Key:         func(n note) string { return n.ID },
		Echo:        func(n note) string { return n.LocalID },
		Metrics:     m,
		ErrorBuffer: 32,
	})
}

func values(c *Coordinator[note]) []string {
	var out []string
	for _, e := range c.Items() {
		out = append(out, e.ID()+":"+e.Value.Text)
	}
	return out
}

func TestApplyIsVisibleImmediately(t *testing.T) {
	c := newNotes(nil)
	id := c.Apply(note{Text: "hello"})

	require.True(t, strings.HasPrefix(id, LocalIDPrefix))
	items := c.Items()
	require.Len(t, items, 1)
	require.Equal(t, id, items[0].LocalID)
	require.True(t, items[0].Pending())
	require.Equal(t, 1, c.Pending())
}

func TestLocalIDsAreDistinctAndIncreasing(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	c := New(Options[note]{
		Key: func(n note) string { return n.ID },
		Now: func() time.Time { return fixed },
	})

	seen := make(map[string]struct{})
	prev := ""
	for i := 0; i < 1000; i++ {
		id := c.Apply(note{})
		_, dup := seen[id]
		require.False(t, dup, "duplicate local id %s", id)
		seen[id] = struct{}{}
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestLocalIDsSurviveClockGoingBackwards(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := New(Options[note]{
		Key: func(n note) string { return n.ID },
		Now: func() time.Time { return now },
	})

	first := c.Apply(note{})
	now = now.Add(-time.Hour)
	second := c.Apply(note{})
	require.Greater(t, second, first)
}

func TestConfirmReplacesInPlace(t *testing.T) {
	c := newNotes(nil)
	c.Reconcile([]note{{ID: "1", Text: "a"}})
	id := c.Apply(note{Text: "draft"})
	c.Apply(note{Text: "later"})

	require.True(t, c.Confirm(id, note{ID: "2", Text: "final"}))

	items := c.Items()
	require.Len(t, items, 3)
	require.Equal(t, "2", items[1].ServerID)
	require.Equal(t, "final", items[1].Value.Text)
	require.Equal(t, StatusConfirmed, items[1].Status)
	require.Equal(t, id, items[1].LocalID)
	require.Equal(t, 1, c.Pending())
}

func TestFailRemovesAndSurfacesError(t *testing.T) {
	c := newNotes(nil)
	id := c.Apply(note{Text: "doomed"})
	cause := errors.New("thread is archived")

	require.True(t, c.Fail(id, cause))
	require.Empty(t, c.Items())

	select {
	case f := <-c.Errors():
		require.Equal(t, id, f.LocalID)
		require.Equal(t, "notes", f.Scope)
		require.ErrorIs(t, f, ErrMutationRejected)
		require.ErrorIs(t, f, cause)
	default:
		t.Fatal("expected a failure")
	}
}

func TestSecondSettlementIsIgnored(t *testing.T) {
	m := metrics.New()
	c := newNotes(m)

	confirmed := c.Apply(note{Text: "x"})
	require.True(t, c.Confirm(confirmed, note{ID: "10", Text: "x"}))
	require.False(t, c.Confirm(confirmed, note{ID: "10", Text: "x"}))
	require.False(t, c.Fail(confirmed, errors.New("late")))

	failed := c.Apply(note{Text: "y"})
	require.True(t, c.Fail(failed, errors.New("boom")))
	require.False(t, c.Fail(failed, errors.New("boom")))
	require.False(t, c.Confirm(failed, note{ID: "11", Text: "y"}))

	require.Equal(t, []string{"10:x"}, values(c))
	require.Len(t, c.Errors(), 1)
	require.Equal(t, 4.0, testutil.ToFloat64(m.MutationCounter("notes", metrics.OutcomeIgnored)))
}

func TestConfirmAfterResetDoesNotResurrect(t *testing.T) {
	c := newNotes(nil)
	id := c.Apply(note{Text: "gone"})
	c.Reset()

	require.False(t, c.Confirm(id, note{ID: "5", Text: "gone"}))
	require.Empty(t, c.Items())
}

func TestReconcileKeepsPendingAtEnd(t *testing.T) {
	c := newNotes(nil)
	o := c.Apply(note{Text: "O"})

	c.Reconcile([]note{{ID: "A", Text: "A"}, {ID: "B", Text: "B"}})
	require.Equal(t, []string{"A:A", "B:B", o + ":O"}, values(c))

	// The server has since accepted O; confirmation arrives and a later
	// refetch lists it. No duplicates either way.
	require.True(t, c.Confirm(o, note{ID: "C", Text: "O"}))
	c.Reconcile([]note{{ID: "A", Text: "A"}, {ID: "B", Text: "B"}, {ID: "C", Text: "O"}})
	require.Equal(t, []string{"A:A", "B:B", "C:O"}, values(c))
}

func TestReconcileSubsumesEchoedPending(t *testing.T) {
	c := newNotes(nil)
	o := c.Apply(note{Text: "O"})

	c.Reconcile([]note{{ID: "A", Text: "A"}, {ID: "C", LocalID: o, Text: "O"}})
	require.Equal(t, []string{"A:A", "C:O"}, values(c))
	require.Zero(t, c.Pending())

	// The in-flight call settles afterwards and must not add a copy.
	require.False(t, c.Confirm(o, note{ID: "C", Text: "O"}))
	require.Equal(t, []string{"A:A", "C:O"}, values(c))
}

func TestReconcileDropsDuplicateServerRecords(t *testing.T) {
	c := newNotes(nil)
	c.Reconcile([]note{{ID: "A", Text: "1"}, {ID: "A", Text: "2"}, {ID: "B", Text: "3"}})
	require.Equal(t, []string{"A:1", "B:3"}, values(c))
}

func TestConfirmAfterPushDeduplicates(t *testing.T) {
	c := newNotes(nil)
	o := c.Apply(note{Text: "O"})

	// Pushed without an echoed local id, so it lands as a separate entry.
	c.Upsert(note{ID: "C", Text: "O"})
	require.Len(t, c.Items(), 2)

	require.True(t, c.Confirm(o, note{ID: "C", Text: "O!"}))
	require.Equal(t, []string{"C:O!"}, values(c))
}

func TestUpsertEchoConfirmsPending(t *testing.T) {
	c := newNotes(nil)
	o := c.Apply(note{Text: "O"})

	c.Upsert(note{ID: "C", LocalID: o, Text: "O"})
	require.Zero(t, c.Pending())
	require.Equal(t, []string{"C:O"}, values(c))
	require.False(t, c.Confirm(o, note{ID: "C", Text: "O"}))
}

func TestUpsertInsertsAheadOfPending(t *testing.T) {
	c := newNotes(nil)
	c.Reconcile([]note{{ID: "A", Text: "A"}})
	o := c.Apply(note{Text: "O"})

	c.Upsert(note{ID: "B", Text: "B"})
	require.Equal(t, []string{"A:A", "B:B", o + ":O"}, values(c))

	c.Upsert(note{ID: "B", Text: "B2"})
	require.Equal(t, []string{"A:A", "B:B2", o + ":O"}, values(c))
}

func TestRemoveAndRestore(t *testing.T) {
	c := newNotes(nil)
	c.Reconcile([]note{{ID: "A"}, {ID: "B"}, {ID: "C"}})

	restore, ok := c.Remove("B")
	require.True(t, ok)
	require.Equal(t, []string{"A:", "C:"}, values(c))

	restore()
	require.Equal(t, []string{"A:", "B:", "C:"}, values(c))

	// Restoring twice does not duplicate.
	restore()
	require.Len(t, c.Items(), 3)

	_, ok = c.Remove("missing")
	require.False(t, ok)
}

func TestTrackSettlesWithOutcome(t *testing.T) {
	c := newNotes(nil)
	ctx := context.Background()

	rec, err := c.Track(ctx, note{Text: "ok"}, func(_ context.Context, localID string) (note, error) {
		// The entry is visible before the call is issued.
		require.Equal(t, 1, c.Pending())
		require.Equal(t, localID, c.Items()[0].LocalID)
		return note{ID: "7", Text: "ok"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "7", rec.ID)

	cause := errors.New("rejected")
	_, err = c.Track(ctx, note{Text: "bad"}, func(context.Context, string) (note, error) {
		return note{}, cause
	})
	require.ErrorIs(t, err, ErrMutationRejected)
	require.ErrorIs(t, err, cause)

	require.Equal(t, []string{"7:ok"}, values(c))
	require.Zero(t, c.Pending())
}

func TestConcurrentSettlementsKeepCollectionConsistent(t *testing.T) {
	m := metrics.New()
	c := newNotes(m)

	const n = 50
	ids := make([]string, n)
	for i := range ids {
		ids[i] = c.Apply(note{Text: "m"})
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(2)
		serverID := string(rune('a'+i%26)) + strings.Repeat("x", i/26+1)
		go func() {
			defer wg.Done()
			c.Confirm(id, note{ID: serverID + id, Text: "m"})
		}()
		go func() {
			defer wg.Done()
			c.Fail(id, errors.New("racing"))
		}()
	}
	wg.Wait()

	confirmed := testutil.ToFloat64(m.MutationCounter("notes", metrics.OutcomeConfirmed))
	failed := testutil.ToFloat64(m.MutationCounter("notes", metrics.OutcomeFailed))
	require.Equal(t, float64(n), confirmed+failed)
	require.Len(t, c.Items(), int(confirmed))
	require.Zero(t, c.Pending())
}

func TestOnChangeRunsOutsideLock(t *testing.T) {
	var c *Coordinator[note]
	var snapshots [][]string
	c = New(Options[note]{
		Key: func(n note) string { return n.ID },
		OnChange: func() {
			// Reading back from the hook must not deadlock.
			snapshots = append(snapshots, values(c))
		},
	})

	id := c.Apply(note{Text: "a"})
	c.Confirm(id, note{ID: "1", Text: "a"})
	c.Reconcile([]note{{ID: "1", Text: "a"}, {ID: "2", Text: "b"}})

	require.Len(t, snapshots, 3)
	require.Equal(t, []string{id + ":a"}, snapshots[0])
	require.Equal(t, []string{"1:a", "2:b"}, snapshots[2])
}

func TestAcceptedEntryWaitsForServerCopy(t *testing.T) {
	c := newNotes(nil)
	o := c.Apply(note{Text: "O"})

	require.True(t, c.Accept(o))
	require.Zero(t, c.Pending())
	require.Equal(t, StatusAccepted, c.Items()[0].Status)
	require.False(t, c.Fail(o, errors.New("late")))

	// A reply lands after the accepted entry.
	c.Upsert(note{ID: "R", Text: "reply"})
	require.Equal(t, []string{o + ":O", "R:reply"}, values(c))

	// The stored copy echoes the local id and takes the entry's place.
	c.Upsert(note{ID: "P", LocalID: o, Text: "O"})
	require.Equal(t, []string{"P:O", "R:reply"}, values(c))
	require.Equal(t, StatusConfirmed, c.Items()[0].Status)

	c.Reconcile([]note{{ID: "P", Text: "O"}, {ID: "R", Text: "reply"}})
	require.Equal(t, []string{"P:O", "R:reply"}, values(c))
}

func TestAcceptedEntryPairsWithUnechoedCopy(t *testing.T) {
	c := New(Options[note]{
		Key:  func(n note) string { return n.ID },
		Echo: func(n note) string { return n.LocalID },
		Same: func(payload, record note) bool { return payload.Text == record.Text },
	})
	o := c.Apply(note{Text: "O"})
	require.True(t, c.Accept(o))
	c.Upsert(note{ID: "R", Text: "reply"})

	c.Upsert(note{ID: "P", Text: "O"})
	require.Equal(t, []string{"P:O", "R:reply"}, values(c))
	require.Equal(t, o, c.Items()[0].LocalID)
}

func TestReconcileSettlesOrDropsAccepted(t *testing.T) {
	c := New(Options[note]{
		Key:  func(n note) string { return n.ID },
		Same: func(payload, record note) bool { return payload.Text == record.Text },
	})
	paired := c.Apply(note{Text: "O"})
	gone := c.Apply(note{Text: "lost"})
	require.True(t, c.Accept(paired))
	require.True(t, c.Accept(gone))

	c.Reconcile([]note{{ID: "A", Text: "A"}, {ID: "P", Text: "O"}})
	require.Equal(t, []string{"A:A", "P:O"}, values(c))
	require.Equal(t, paired, c.Items()[1].LocalID)
}

func TestPendingGaugeSumsCollectionsOfOneScope(t *testing.T) {
	m := metrics.New()
	first := newNotes(m)
	second := newNotes(m)
	gauge := m.PendingGauge("notes")

	a := first.Apply(note{Text: "a"})
	second.Apply(note{Text: "b"})
	second.Apply(note{Text: "c"})
	require.Equal(t, 3.0, testutil.ToFloat64(gauge))

	first.Confirm(a, note{ID: "1", Text: "a"})
	require.Equal(t, 2.0, testutil.ToFloat64(gauge))

	second.Reset()
	require.Zero(t, testutil.ToFloat64(gauge))
}

func TestErrorsDisabledByDefault(t *testing.T) {
	c := New(Options[note]{Key: func(n note) string { return n.ID }})
	require.Nil(t, c.Errors())

	for i := 0; i < 100; i++ {
		id := c.Apply(note{Text: "x"})
		require.True(t, c.Fail(id, errors.New("rejected")))
	}
	require.Empty(t, c.Items())
	require.Zero(t, c.Pending())
}
