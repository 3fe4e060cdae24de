// Package sync reconciles the provider's message history with the local
// store. A synchronization fetches the remote window, parses it completely,
// and merges it in a single transaction: either the whole batch commits
// together with the advanced checkpoint, or the store is left untouched.
package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mkalil/smsync/internal/bus"
	"github.com/mkalil/smsync/internal/sms"
	"github.com/mkalil/smsync/internal/status"
	"github.com/mkalil/smsync/internal/store"
	"github.com/mkalil/smsync/internal/voipms"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config controls synchronization behaviour for an account.
type Config struct {
	// StartDate bounds the first-ever sync. Zero means 30 days back.
	StartDate time.Time
	// Overlap is subtracted from the checkpoint when computing the next
	// fetch window, to tolerate server clock skew. Zero means 5 minutes.
	Overlap time.Duration
	// MatchTolerance bounds the timestamp distance when collapsing a
	// pending send into its server confirmation. Zero means 5 minutes.
	MatchTolerance time.Duration
	// RetentionDays evicts rows older than this during merge; zero keeps
	// everything.
	RetentionDays int
	// RestoreDeleted re-creates locally deleted messages that still exist
	// on the server.
	RestoreDeleted bool
	// PropagateLocalDeletions issues provider deletions for locally
	// deleted messages before fetching.
	PropagateLocalDeletions bool
	// PropagateRemoteDeletions purges local rows whose remote id fell
	// inside a fetched window but was absent from the response.
	PropagateRemoteDeletions bool
}

func (c Config) overlap() time.Duration {
	if c.Overlap <= 0 {
		return 5 * time.Minute
	}
	return c.Overlap
}

func (c Config) matchTolerance() time.Duration {
	if c.MatchTolerance <= 0 {
		return 5 * time.Minute
	}
	return c.MatchTolerance
}

// Summary reports what one synchronization changed.
type Summary struct {
	DID     string
	From    time.Time
	To      time.Time
	Fetched int
	// New counts inserted rows; Updated counts rows refreshed by remote
	// id; Confirmed counts pending sends collapsed into their
	// server-acknowledged copies.
	New       int
	Updated   int
	Confirmed int
	Purged    int
	Evicted   int64
	// NewUnread lists newly inserted unread messages for downstream
	// notification generation.
	NewUnread []*sms.Message
}

// Failure is the payload of sync.failed events.
type Failure struct {
	DID string
	Err error
}

// Engine is the synchronization engine. Synchronize is safe to call from
// any number of goroutines; concurrent calls for the same DID coalesce
// into one underlying sync.
type Engine struct {
	db     *store.DB
	client *voipms.Client
	bus    *bus.Bus
	states *status.Set
	logger *zap.Logger
	cfg    Config
	group  singleflight.Group
	now    func() time.Time
}

// NewEngine creates a synchronization engine.
func NewEngine(db *store.DB, client *voipms.Client, b *bus.Bus, states *status.Set, logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		client: client,
		bus:    b,
		states: states,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

func checkpointKey(did string) string {
	return "last_sync:" + did
}

// Synchronize reconciles one DID with the provider and returns a summary.
// Calls issued while a sync for the same DID is in flight wait for it and
// share its result instead of fetching again.
func (e *Engine) Synchronize(ctx context.Context, did string) (*Summary, error) {
	if err := sms.ValidateNumber("did", did); err != nil {
		return nil, err
	}
	v, err, _ := e.group.Do(did, func() (any, error) {
		return e.synchronize(ctx, did)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Summary), nil
}

func (e *Engine) synchronize(ctx context.Context, did string) (*Summary, error) {
	machine := e.states.Get(did)
	if err := machine.Transition(status.Fetching); err != nil {
		return nil, err
	}
	e.bus.Publish(bus.KindSyncStarted, did)

	fail := func(err error) (*Summary, error) {
		_ = machine.Transition(status.Failed)
		_ = machine.Transition(status.Idle)
		e.logger.Error("sync failed", zap.String("did", did), zap.Error(err))
		e.bus.Publish(bus.KindSyncFailed, Failure{DID: did, Err: err})
		return nil, err
	}

	syncStart := e.now()
	from, err := e.fetchStart(did, syncStart)
	if err != nil {
		return fail(err)
	}

	if e.cfg.PropagateLocalDeletions {
		if err := e.propagateDeletions(ctx, did); err != nil {
			return fail(err)
		}
	}

	// Fetch and parse everything before touching the store. A malformed
	// record aborts the whole batch.
	type batch struct {
		win  window
		msgs []*sms.Message
	}
	var (
		batches []batch
		fetched int
	)
	for _, w := range splitWindows(from, syncStart) {
		records, err := e.client.GetSMS(ctx, did, w.from, w.to)
		if err != nil {
			return fail(fmt.Errorf("fetch %s..%s: %w",
				w.from.Format("2006-01-02"), w.to.Format("2006-01-02"), err))
		}
		msgs := make([]*sms.Message, 0, len(records))
		for _, rec := range records {
			m, err := voipms.ParseRecord(rec)
			if err != nil {
				return fail(fmt.Errorf("record %s: %w", rec.ID, err))
			}
			msgs = append(msgs, m)
		}
		batches = append(batches, batch{win: w, msgs: msgs})
		fetched += len(msgs)
	}

	if err := machine.Transition(status.Merging); err != nil {
		return fail(err)
	}

	tx, err := e.db.BeginMerge()
	if err != nil {
		return fail(err)
	}
	defer func() { _ = tx.Rollback() }()

	summary := &Summary{DID: did, From: from, To: syncStart, Fetched: fetched}
	for _, b := range batches {
		for _, m := range b.msgs {
			if err := e.mergeMessage(tx, m, summary); err != nil {
				return fail(err)
			}
		}
	}
	if e.cfg.PropagateRemoteDeletions {
		for _, b := range batches {
			if err := e.purgeMissing(tx, did, b.win, b.msgs, summary); err != nil {
				return fail(err)
			}
		}
	}
	if e.cfg.RetentionDays > 0 {
		cutoff := syncStart.AddDate(0, 0, -e.cfg.RetentionDays).Unix()
		n, err := tx.EvictBefore(did, cutoff)
		if err != nil {
			return fail(err)
		}
		summary.Evicted = n
	}
	if err := tx.SetSyncState(checkpointKey(did), strconv.FormatInt(syncStart.Unix(), 10)); err != nil {
		return fail(err)
	}
	if err := tx.Commit(); err != nil {
		return fail(err)
	}

	if err := machine.Transition(status.Idle); err != nil {
		return fail(err)
	}
	e.logger.Info("sync completed",
		zap.String("did", did),
		zap.Int("fetched", summary.Fetched),
		zap.Int("new", summary.New),
		zap.Int("updated", summary.Updated),
		zap.Int("confirmed", summary.Confirmed))
	e.bus.Publish(bus.KindSyncCompleted, summary)
	e.bus.Publish(bus.KindStoreChanged, did)
	return summary, nil
}

// fetchStart computes the lower bound of the fetch window: the configured
// start date on a first sync, otherwise the last checkpoint minus the
// safety overlap.
func (e *Engine) fetchStart(did string, syncStart time.Time) (time.Time, error) {
	v, err := e.db.GetSyncState(checkpointKey(did))
	if err != nil {
		return time.Time{}, err
	}
	if v == "" {
		if e.cfg.StartDate.IsZero() {
			return syncStart.AddDate(0, 0, -30), nil
		}
		return e.cfg.StartDate, nil
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt checkpoint for %s: %w", did, err)
	}
	return time.Unix(sec, 0).Add(-e.cfg.overlap()), nil
}

func (e *Engine) propagateDeletions(ctx context.Context, did string) error {
	deleted, err := e.db.DeletedRemoteMessages(did)
	if err != nil {
		return err
	}
	for _, m := range deleted {
		if err := e.client.DeleteSMS(ctx, m.RemoteID); err != nil {
			return fmt.Errorf("delete remote %d: %w", m.RemoteID, err)
		}
	}
	return nil
}

// mergeMessage reconciles one server message against the local store.
// Matching precedence: exact remote id, then pending-send heuristic, then
// insert as new.
func (e *Engine) mergeMessage(tx *store.Tx, m *sms.Message, summary *Summary) error {
	existing, err := tx.MessageByRemoteID(m.DID, m.RemoteID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Deleted && !e.cfg.RestoreDeleted {
			// Local deletion wins over the server copy.
			return nil
		}
		m.ID = existing.ID
		m.ClientRef = existing.ClientRef
		// Re-syncing must not resurrect the unread flag.
		if m.Direction == sms.Incoming {
			m.Unread = existing.Unread
		}
		if err := tx.UpdateMessage(m); err != nil {
			return err
		}
		summary.Updated++
		return nil
	}

	if m.Direction == sms.Outgoing {
		match, err := e.pendingMatch(tx, m)
		if err != nil {
			return err
		}
		if match != nil {
			// Collapse the provisional row into the confirmed message,
			// keeping its local identifier.
			m.ID = match.ID
			m.ClientRef = match.ClientRef
			if err := tx.UpdateMessage(m); err != nil {
				return err
			}
			summary.Confirmed++
			return nil
		}
	}

	id, err := tx.InsertMessage(m)
	if err != nil {
		return err
	}
	m.ID = id
	summary.New++
	if m.Unread {
		summary.NewUnread = append(summary.NewUnread, m)
	}
	return nil
}

// pendingMatch finds the unconfirmed local send that a server-acknowledged
// outgoing message corresponds to, or nil. Candidates need the same
// conversation, identical body, and a timestamp within the tolerance; the
// closest timestamp wins, lowest local id on an exact tie.
func (e *Engine) pendingMatch(tx *store.Tx, m *sms.Message) (*sms.Message, error) {
	tol := e.cfg.matchTolerance()
	candidates, err := tx.PendingMatches(m.DID, m.Contact, m.Body,
		m.Time.Add(-tol).Unix(), m.Time.Add(tol).Unix())
	if err != nil {
		return nil, err
	}

	var best *sms.Message
	var bestDelta time.Duration
	for _, c := range candidates {
		delta := m.Time.Sub(c.Time)
		if delta < 0 {
			delta = -delta
		}
		switch {
		case best == nil, delta < bestDelta:
			best, bestDelta = c, delta
		case delta == bestDelta && c.ID < best.ID:
			best = c
		}
	}
	return best, nil
}

// purgeMissing removes local rows whose remote id lies inside a fully
// fetched window but did not come back from the server.
func (e *Engine) purgeMissing(tx *store.Tx, did string, w window, fetched []*sms.Message, summary *Summary) error {
	seen := make(map[int64]struct{}, len(fetched))
	for _, m := range fetched {
		seen[m.RemoteID] = struct{}{}
	}

	// The API interprets window bounds as dates in its own timezone,
	// inclusive; compare against the same effective range.
	loc := voipms.ServerLocation()
	from := dayFloor(w.from, loc).Unix()
	to := dayFloor(w.to, loc).AddDate(0, 0, 1).Unix()

	local, err := tx.RemoteIDsBetween(did, from, to)
	if err != nil {
		return err
	}
	for remoteID, localID := range local {
		if _, ok := seen[remoteID]; ok {
			continue
		}
		if err := tx.PurgeMessage(localID); err != nil {
			return err
		}
		summary.Purged++
	}
	return nil
}
