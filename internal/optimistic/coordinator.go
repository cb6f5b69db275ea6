// Package optimistic keeps an ordered, user-visible collection of records in
// which the user's own writes appear before the server has confirmed them.
//
// Each write is applied locally under a fresh local id, then settled exactly
// once: confirmed in place with the server's record, or failed and removed.
// A write the server took without returning its record is accepted and stays
// visible until a pushed or refetched record replaces it. Full refetches are
// merged with still-outstanding writes by Reconcile.
package optimistic

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bhandras/huddle/internal/metrics"
	"github.com/bhandras/huddle/pkg/logger"
)

// LocalIDPrefix marks ids minted on this device. Server ids never carry it.
const LocalIDPrefix = "local-"

// ErrMutationRejected wraps the cause of every failed optimistic write.
var ErrMutationRejected = errors.New("mutation rejected")

// Status is the lifecycle state of a visible entry.
type Status int

const (
	// StatusOptimistic entries were applied locally and await the server.
	StatusOptimistic Status = iota
	// StatusConfirmed entries hold a server-authoritative record.
	StatusConfirmed
	// StatusAccepted entries were stored by the server, which has not yet
	// returned the record. They still show the local payload.
	StatusAccepted
)

func (s Status) String() string {
	switch s {
	case StatusOptimistic:
		return "optimistic"
	case StatusConfirmed:
		return "confirmed"
	case StatusAccepted:
		return "accepted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Entry is one visible element of the collection.
type Entry[T any] struct {
	// LocalID is set for entries that originated on this device.
	LocalID string
	// ServerID is set once the server has issued an id for the record.
	ServerID string
	Value    T
	Status   Status
}

// Pending reports whether the entry still awaits confirmation.
func (e Entry[T]) Pending() bool { return e.Status == StatusOptimistic }

// ID is the stable identity of the entry for display purposes: the server id
// when known, the local id otherwise.
func (e Entry[T]) ID() string {
	if e.ServerID != "" {
		return e.ServerID
	}
	return e.LocalID
}

// Failure is a rejected write, delivered on Errors.
type Failure struct {
	Scope   string
	LocalID string
	Err     error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Scope, f.LocalID, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Options configures a Coordinator.
type Options[T any] struct {
	// Scope names the collection in logs and metrics, e.g. "messages".
	Scope string
	// Key returns the server id of a record. Required.
	Key func(T) string
	// Echo returns the local id the server echoed back on a record, if the
	// backend supports it. Optional.
	Echo func(T) string
	// Same reports whether record is the server's copy of an accepted
	// payload that came back without an echoed local id. Optional.
	Same    func(payload, record T) bool
	Metrics *metrics.Metrics
	// Now is the clock feeding local id timestamps.
	Now func() time.Time
	// OnChange runs after every write to the collection, outside the
	// coordinator's lock.
	OnChange func()
	// ErrorBuffer is how many unread failures Errors holds before dropping.
	// Zero disables Errors, for callers that report failures themselves.
	ErrorBuffer int
}

// Coordinator owns the collection for one collaborative scope and is its
// only writer. It is safe for concurrent use; every transition is atomic with
// respect to the others.
type Coordinator[T any] struct {
	scope    string
	key      func(T) string
	echo     func(T) string
	same     func(payload, record T) bool
	metrics  *metrics.Metrics
	now      func() time.Time
	onChange func()

	mu      sync.Mutex
	entries []*Entry[T]
	entropy *ulid.MonotonicEntropy
	lastMs  uint64

	// published is the pending count last added to the shared gauge.
	published int

	errs chan Failure
}

// New constructs a Coordinator.
func New[T any](opts Options[T]) *Coordinator[T] {
	if opts.Key == nil {
		panic("optimistic: Options.Key is required")
	}
	scope := opts.Scope
	if scope == "" {
		scope = "default"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var errs chan Failure
	if opts.ErrorBuffer > 0 {
		errs = make(chan Failure, opts.ErrorBuffer)
	}
	return &Coordinator[T]{
		scope:    scope,
		key:      opts.Key,
		echo:     opts.Echo,
		same:     opts.Same,
		metrics:  opts.Metrics,
		now:      now,
		onChange: opts.OnChange,
		entropy:  ulid.Monotonic(rand.Reader, 0),
		errs:     errs,
	}
}

// Scope returns the collection name.
func (c *Coordinator[T]) Scope() string { return c.scope }

// Errors delivers rejected writes for the UI to surface. It is nil unless
// Options.ErrorBuffer is positive.
func (c *Coordinator[T]) Errors() <-chan Failure { return c.errs }

// Apply inserts payload at the end of the collection as an optimistic entry
// and returns its local id.
func (c *Coordinator[T]) Apply(payload T) string {
	defer c.changed()
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.newLocalIDLocked()
	c.entries = append(c.entries, &Entry[T]{
		LocalID: id,
		Value:   payload,
		Status:  StatusOptimistic,
	})

	logger.Debugf("optimistic[%s]: applied %s", c.scope, id)
	c.metrics.Mutation(c.scope, metrics.OutcomeApplied)
	c.publishPendingLocked()
	return id
}

// Confirm replaces the optimistic or accepted entry for localID with record,
// keeping its position. It reports false, and changes nothing, when localID
// was already settled or is no longer tracked.
func (c *Coordinator[T]) Confirm(localID string, record T) bool {
	defer c.changed()
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.awaitingIndexLocked(localID)
	if idx < 0 {
		logger.Debugf("optimistic[%s]: ignoring confirm of %s, not awaiting a record", c.scope, localID)
		c.metrics.Mutation(c.scope, metrics.OutcomeIgnored)
		return false
	}

	serverID := c.key(record)
	if dup := c.serverIndexLocked(serverID); serverID != "" && dup >= 0 {
		// The record already arrived by another path (push or refetch).
		// Keep that copy and drop the local envelope.
		c.entries[dup].Value = record
		c.entries[dup].LocalID = localID
		c.removeAtLocked(idx)
	} else {
		e := c.entries[idx]
		e.Value = record
		e.ServerID = serverID
		e.Status = StatusConfirmed
	}

	logger.Debugf("optimistic[%s]: confirmed %s as %s", c.scope, localID, serverID)
	c.metrics.Mutation(c.scope, metrics.OutcomeConfirmed)
	c.publishPendingLocked()
	return true
}

// Fail removes the optimistic entry for localID and delivers cause on
// Errors, wrapped in ErrMutationRejected. It reports false, and changes
// nothing, when localID was already settled or accepted.
func (c *Coordinator[T]) Fail(localID string, cause error) bool {
	defer c.changed()
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.pendingIndexLocked(localID)
	if idx < 0 {
		logger.Debugf("optimistic[%s]: ignoring fail of %s, not pending", c.scope, localID)
		c.metrics.Mutation(c.scope, metrics.OutcomeIgnored)
		return false
	}
	c.removeAtLocked(idx)

	if c.errs != nil {
		failure := Failure{
			Scope:   c.scope,
			LocalID: localID,
			Err:     fmt.Errorf("%w: %w", ErrMutationRejected, cause),
		}
		select {
		case c.errs <- failure:
		default:
			logger.Warnf("optimistic[%s]: error buffer full, dropping %v", c.scope, failure)
		}
	}

	logger.Debugf("optimistic[%s]: failed %s: %v", c.scope, localID, cause)
	c.metrics.Mutation(c.scope, metrics.OutcomeFailed)
	c.publishPendingLocked()
	return true
}

// Accept marks the optimistic entry for localID as stored by the server
// while it keeps showing the local payload. A pushed or refetched record
// that echoes localID, or that Options.Same pairs with the payload, replaces
// it later; a refetch that lists neither drops it. It reports false when
// localID is not pending.
func (c *Coordinator[T]) Accept(localID string) bool {
	defer c.changed()
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.pendingIndexLocked(localID)
	if idx < 0 {
		logger.Debugf("optimistic[%s]: ignoring accept of %s, not pending", c.scope, localID)
		c.metrics.Mutation(c.scope, metrics.OutcomeIgnored)
		return false
	}
	c.entries[idx].Status = StatusAccepted

	logger.Debugf("optimistic[%s]: accepted %s", c.scope, localID)
	c.metrics.Mutation(c.scope, metrics.OutcomeAccepted)
	c.publishPendingLocked()
	return true
}

// Track applies payload, runs call with the entry's local id, and settles
// the entry with its outcome. The entry is visible before call starts. A
// failure is returned to the caller as well as delivered on Errors, when
// enabled.
func (c *Coordinator[T]) Track(ctx context.Context, payload T, call func(ctx context.Context, localID string) (T, error)) (T, error) {
	localID := c.Apply(payload)

	record, err := call(ctx, localID)
	if err != nil {
		c.Fail(localID, err)
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrMutationRejected, err)
	}
	c.Confirm(localID, record)
	return record, nil
}

// Reconcile replaces the collection with records, in server order, followed
// by every entry still awaiting confirmation.
//
// A record whose echoed local id matches a pending or accepted entry, or
// that Options.Same pairs with an accepted entry, settles that entry as
// confirmed, so it is not listed twice. Confirmed and accepted entries
// missing from records are dropped.
func (c *Coordinator[T]) Reconcile(records []T) {
	defer c.changed()
	c.mu.Lock()
	defer c.mu.Unlock()

	known := make(map[string]*Entry[T], len(c.entries))
	pending := make(map[string]*Entry[T])
	var accepted []*Entry[T]
	for _, e := range c.entries {
		if e.ServerID != "" {
			known[e.ServerID] = e
		}
		switch e.Status {
		case StatusOptimistic:
			pending[e.LocalID] = e
		case StatusAccepted:
			accepted = append(accepted, e)
		}
	}

	next := make([]*Entry[T], 0, len(records)+len(pending))
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		serverID := c.key(record)
		if serverID != "" {
			if _, dup := seen[serverID]; dup {
				continue
			}
			seen[serverID] = struct{}{}
		}

		entry := &Entry[T]{ServerID: serverID, Value: record, Status: StatusConfirmed}
		if prev, ok := known[serverID]; ok && serverID != "" {
			entry.LocalID = prev.LocalID
		}
		if localID := c.echoed(record); localID != "" {
			if _, ok := pending[localID]; ok {
				delete(pending, localID)
				entry.LocalID = localID
				c.metrics.Mutation(c.scope, metrics.OutcomeConfirmed)
			} else if i := acceptedIndex(accepted, localID); i >= 0 {
				accepted = append(accepted[:i], accepted[i+1:]...)
				entry.LocalID = localID
			}
		} else if i := c.sameIndex(accepted, record); i >= 0 {
			entry.LocalID = accepted[i].LocalID
			accepted = append(accepted[:i], accepted[i+1:]...)
		}
		next = append(next, entry)
	}

	for _, e := range c.entries {
		if e.Status != StatusOptimistic {
			continue
		}
		if _, ok := pending[e.LocalID]; ok {
			next = append(next, e)
		}
	}

	c.entries = next
	logger.Debugf("optimistic[%s]: reconciled %d records, %d pending", c.scope, len(records), len(pending))
	c.publishPendingLocked()
}

// Upsert merges one server-pushed record. An existing entry with the same
// server id, a pending or accepted entry whose local id the record echoes,
// or an accepted entry Options.Same pairs with the record, is replaced in
// place; otherwise the record is inserted ahead of the trailing pending
// entries.
func (c *Coordinator[T]) Upsert(record T) {
	defer c.changed()
	c.mu.Lock()
	defer c.mu.Unlock()

	serverID := c.key(record)
	if idx := c.serverIndexLocked(serverID); serverID != "" && idx >= 0 {
		c.entries[idx].Value = record
		return
	}

	var idx int
	if localID := c.echoed(record); localID != "" {
		idx = c.awaitingIndexLocked(localID)
	} else {
		idx = c.sameIndexLocked(record)
	}
	if idx >= 0 {
		e := c.entries[idx]
		if e.Status == StatusOptimistic {
			c.metrics.Mutation(c.scope, metrics.OutcomeConfirmed)
		}
		e.Value = record
		e.ServerID = serverID
		e.Status = StatusConfirmed
		c.publishPendingLocked()
		return
	}

	at := len(c.entries)
	for at > 0 && c.entries[at-1].Status == StatusOptimistic {
		at--
	}
	c.insertAtLocked(at, &Entry[T]{ServerID: serverID, Value: record, Status: StatusConfirmed})
}

// Remove drops the confirmed entry with serverID. The returned restore func
// puts it back at its former position unless the record has reappeared in
// the meantime; it is nil when nothing was removed.
func (c *Coordinator[T]) Remove(serverID string) (restore func(), ok bool) {
	defer c.changed()
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.serverIndexLocked(serverID)
	if serverID == "" || idx < 0 {
		return nil, false
	}
	removed := *c.entries[idx]
	c.removeAtLocked(idx)

	restore = func() {
		defer c.changed()
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.serverIndexLocked(removed.ServerID) >= 0 {
			return
		}
		at := idx
		if at > len(c.entries) {
			at = len(c.entries)
		}
		e := removed
		c.insertAtLocked(at, &e)
	}
	return restore, true
}

// Items returns a snapshot of the visible collection.
func (c *Coordinator[T]) Items() []Entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry[T], len(c.entries))
	for i, e := range c.entries {
		out[i] = *e
	}
	return out
}

// Values returns the visible records in order.
func (c *Coordinator[T]) Values() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]T, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Value
	}
	return out
}

// Pending returns how many entries await confirmation.
func (c *Coordinator[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingCountLocked()
}

// Reset empties the visible collection. Settlements arriving afterwards for
// writes applied before the reset are ignored, since their entries are gone.
func (c *Coordinator[T]) Reset() {
	defer c.changed()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = nil
	c.publishPendingLocked()
}

func (c *Coordinator[T]) echoed(record T) string {
	if c.echo == nil {
		return ""
	}
	return c.echo(record)
}

// newLocalIDLocked mints an id no entry in this scope has ever carried.
// Timestamps never go backwards, so ids from the monotonic source strictly
// increase even if the wall clock does.
func (c *Coordinator[T]) newLocalIDLocked() string {
	ms := ulid.Timestamp(c.now())
	if ms < c.lastMs {
		ms = c.lastMs
	}
	for {
		id, err := ulid.New(ms, c.entropy)
		if err != nil {
			// Entropy exhausted within this millisecond.
			ms++
			continue
		}
		c.lastMs = ms

		local := LocalIDPrefix + strings.ToLower(id.String())
		if c.localIndexLocked(local) >= 0 || c.serverIndexLocked(local) >= 0 {
			continue
		}
		return local
	}
}

func (c *Coordinator[T]) pendingIndexLocked(localID string) int {
	if localID == "" {
		return -1
	}
	for i, e := range c.entries {
		if e.LocalID == localID && e.Status == StatusOptimistic {
			return i
		}
	}
	return -1
}

// awaitingIndexLocked finds the entry for localID that still shows a local
// payload, either pending or accepted.
func (c *Coordinator[T]) awaitingIndexLocked(localID string) int {
	if localID == "" {
		return -1
	}
	for i, e := range c.entries {
		if e.LocalID == localID && (e.Status == StatusOptimistic || e.Status == StatusAccepted) {
			return i
		}
	}
	return -1
}

func (c *Coordinator[T]) localIndexLocked(localID string) int {
	for i, e := range c.entries {
		if e.LocalID == localID {
			return i
		}
	}
	return -1
}

// sameIndexLocked finds the oldest accepted entry that record is the
// server's copy of.
func (c *Coordinator[T]) sameIndexLocked(record T) int {
	if c.same == nil {
		return -1
	}
	for i, e := range c.entries {
		if e.Status == StatusAccepted && c.same(e.Value, record) {
			return i
		}
	}
	return -1
}

func (c *Coordinator[T]) sameIndex(accepted []*Entry[T], record T) int {
	if c.same == nil {
		return -1
	}
	for i, e := range accepted {
		if c.same(e.Value, record) {
			return i
		}
	}
	return -1
}

func acceptedIndex[T any](accepted []*Entry[T], localID string) int {
	for i, e := range accepted {
		if e.LocalID == localID {
			return i
		}
	}
	return -1
}

func (c *Coordinator[T]) serverIndexLocked(serverID string) int {
	if serverID == "" {
		return -1
	}
	for i, e := range c.entries {
		if e.ServerID == serverID {
			return i
		}
	}
	return -1
}

func (c *Coordinator[T]) removeAtLocked(idx int) {
	copy(c.entries[idx:], c.entries[idx+1:])
	c.entries[len(c.entries)-1] = nil
	c.entries = c.entries[:len(c.entries)-1]
}

func (c *Coordinator[T]) insertAtLocked(idx int, e *Entry[T]) {
	c.entries = append(c.entries, nil)
	copy(c.entries[idx+1:], c.entries[idx:])
	c.entries[idx] = e
}

func (c *Coordinator[T]) pendingCountLocked() int {
	n := 0
	for _, e := range c.entries {
		if e.Status == StatusOptimistic {
			n++
		}
	}
	return n
}

func (c *Coordinator[T]) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

// publishPendingLocked moves the scope's shared gauge by this collection's
// change since the last publish.
func (c *Coordinator[T]) publishPendingLocked() {
	n := c.pendingCountLocked()
	c.metrics.AddPending(c.scope, n-c.published)
	c.published = n
}
