package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mkalil/smsync/internal/bus"
	"github.com/mkalil/smsync/internal/sms"
	"github.com/mkalil/smsync/internal/status"
	"github.com/mkalil/smsync/internal/store"
	"github.com/mkalil/smsync/internal/voipms"
)

const testDID = "5551234567"

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fixedNow keeps fetch windows stable across the suite. Noon server time,
// mid-month, so day arithmetic never crosses a boundary.
var fixedNow = time.Date(2024, 3, 15, 12, 0, 0, 0, voipms.ServerLocation())

type testRig struct {
	db     *store.DB
	bus    *bus.Bus
	engine *Engine
	states *status.Set
}

func newRig(t *testing.T, handler http.HandlerFunc, cfg Config) *testRig {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	db := testDB(t)
	b := bus.New()
	states := status.NewSet(b)
	client := voipms.NewClient(voipms.Options{BaseURL: srv.URL, Username: "u", Password: "p"})
	engine := NewEngine(db, client, b, states, nil, cfg)
	engine.now = func() time.Time { return fixedNow }
	return &testRig{db: db, bus: b, engine: engine, states: states}
}

// record builds a getSMS wire record dated relative to fixedNow.
func record(id int64, msgType string, age time.Duration, body string) string {
	ts := fixedNow.Add(-age).In(voipms.ServerLocation()).Format("2006-01-02 15:04:05")
	return fmt.Sprintf(`{"id":"%d","date":"%s","type":"%s","did":"%s","contact":"5559876543","message":"%s"}`,
		id, ts, msgType, testDID, body)
}

func respondWith(records ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(records) == 0 {
			_, _ = w.Write([]byte(`{"status":"no_sms"}`))
			return
		}
		body := `{"status":"success","sms":[` + records[0]
		for _, rec := range records[1:] {
			body += "," + rec
		}
		_, _ = w.Write([]byte(body + `]}`))
	}
}

func TestSynchronizeInsertsNewMessages(t *testing.T) {
	rig := newRig(t, respondWith(
		record(1, "1", time.Hour, "hello"),
		record(2, "0", 30*time.Minute, "reply"),
	), Config{})

	completed, unsub := rig.bus.Subscribe(bus.KindSyncCompleted, 4)
	defer unsub()

	summary, err := rig.engine.Synchronize(context.Background(), testDID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Fetched != 2 || summary.New != 2 || summary.Updated != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(summary.NewUnread) != 1 || summary.NewUnread[0].RemoteID != 1 {
		t.Errorf("NewUnread = %v, want the single incoming message", summary.NewUnread)
	}

	conv, err := rig.db.GetConversation(testDID, "5559876543")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Len() != 2 {
		t.Fatalf("stored %d messages, want 2", conv.Len())
	}

	// Checkpoint advanced to the sync start.
	v, err := rig.db.GetSyncState("last_sync:" + testDID)
	if err != nil {
		t.Fatal(err)
	}
	if v != fmt.Sprint(fixedNow.Unix()) {
		t.Errorf("checkpoint = %q, want %d", v, fixedNow.Unix())
	}

	if rig.states.Get(testDID).Current() != status.Idle {
		t.Errorf("state = %s, want IDLE", rig.states.Get(testDID).Current())
	}
	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Error("no sync.completed event")
	}
}

func TestSynchronizeIdempotent(t *testing.T) {
	rig := newRig(t, respondWith(record(1, "1", time.Hour, "hello")), Config{})
	ctx := context.Background()

	if _, err := rig.engine.Synchronize(ctx, testDID); err != nil {
		t.Fatal(err)
	}
	summary, err := rig.engine.Synchronize(ctx, testDID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.New != 0 || summary.Updated != 1 {
		t.Errorf("re-sync summary = %+v, want 0 new / 1 updated", summary)
	}

	conv, err := rig.db.GetConversation(testDID, "5559876543")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Len() != 1 {
		t.Errorf("re-sync duplicated the message, len = %d", conv.Len())
	}
}

func TestSynchronizePreservesReadFlag(t *testing.T) {
	rig := newRig(t, respondWith(record(1, "1", time.Hour, "hello")), Config{})
	ctx := context.Background()

	if _, err := rig.engine.Synchronize(ctx, testDID); err != nil {
		t.Fatal(err)
	}
	if err := rig.db.MarkConversationRead(testDID, "5559876543"); err != nil {
		t.Fatal(err)
	}
	// The overlap re-fetches the same message; it must stay read.
	if _, err := rig.engine.Synchronize(ctx, testDID); err != nil {
		t.Fatal(err)
	}

	conv, err := rig.db.GetConversation(testDID, "5559876543")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Unread() {
		t.Error("re-merge resurrected the unread flag")
	}
}

func TestSynchronizeConfirmsPendingSend(t *testing.T) {
	rig := newRig(t, respondWith(record(9, "0", time.Hour, "on my way")), Config{})

	pending, err := sms.NewOutgoing(testDID, "5559876543", "on my way", fixedNow.Add(-time.Hour-2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	saved, err := rig.db.InsertMessage(pending)
	if err != nil {
		t.Fatal(err)
	}

	summary, err := rig.engine.Synchronize(context.Background(), testDID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Confirmed != 1 || summary.New != 0 {
		t.Errorf("summary = %+v, want 1 confirmed", summary)
	}

	got, err := rig.db.GetMessage(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RemoteID != 9 {
		t.Errorf("remote id = %d, want 9", got.RemoteID)
	}
	if got.Delivery != sms.Delivered {
		t.Errorf("delivery = %v, want delivered", got.Delivery)
	}
}

func TestSynchronizeClosestPendingWins(t *testing.T) {
	rig := newRig(t, respondWith(record(9, "0", time.Hour, "hi")), Config{})

	far, err := sms.NewOutgoing(testDID, "5559876543", "hi", fixedNow.Add(-time.Hour-4*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	savedFar, err := rig.db.InsertMessage(far)
	if err != nil {
		t.Fatal(err)
	}
	near, err := sms.NewOutgoing(testDID, "5559876543", "hi", fixedNow.Add(-time.Hour-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	savedNear, err := rig.db.InsertMessage(near)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := rig.engine.Synchronize(context.Background(), testDID); err != nil {
		t.Fatal(err)
	}

	gotNear, err := rig.db.GetMessage(savedNear.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotNear.RemoteID != 9 {
		t.Errorf("closest candidate not confirmed, remote id = %d", gotNear.RemoteID)
	}
	gotFar, err := rig.db.GetMessage(savedFar.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotFar.RemoteID != 0 {
		t.Error("farther candidate was confirmed too")
	}
}

func TestSynchronizeOutgoingBeyondToleranceInsertsNew(t *testing.T) {
	rig := newRig(t, respondWith(record(9, "0", time.Hour, "hi")), Config{})

	stale, err := sms.NewOutgoing(testDID, "5559876543", "hi", fixedNow.Add(-2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	savedStale, err := rig.db.InsertMessage(stale)
	if err != nil {
		t.Fatal(err)
	}

	summary, err := rig.engine.Synchronize(context.Background(), testDID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Confirmed != 0 || summary.New != 1 {
		t.Errorf("summary = %+v, want 0 confirmed / 1 new", summary)
	}
	got, err := rig.db.GetMessage(savedStale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RemoteID != 0 {
		t.Error("stale pending row was confirmed despite the tolerance")
	}
}

func TestSynchronizeAbortsOnMalformedRecord(t *testing.T) {
	rig := newRig(t, respondWith(
		record(1, "1", time.Hour, "fine"),
		`{"id":"2","date":"not a date","type":"1","did":"5551234567","contact":"5559876543","message":"bad"}`,
	), Config{})

	failed, unsub := rig.bus.Subscribe(bus.KindSyncFailed, 4)
	defer unsub()

	_, err := rig.engine.Synchronize(context.Background(), testDID)
	if err == nil {
		t.Fatal("sync with malformed record succeeded")
	}

	// Nothing from the batch landed, and the checkpoint did not move.
	conv, err := rig.db.GetConversation(testDID, "5559876543")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Len() != 0 {
		t.Errorf("partial merge visible, len = %d", conv.Len())
	}
	v, err := rig.db.GetSyncState("last_sync:" + testDID)
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("checkpoint advanced to %q on failure", v)
	}

	if rig.states.Get(testDID).Current() != status.Idle {
		t.Errorf("state = %s, want IDLE after failure", rig.states.Get(testDID).Current())
	}
	select {
	case evt := <-failed:
		f := evt.Payload.(Failure)
		if f.DID != testDID || f.Err == nil {
			t.Errorf("failure payload = %+v", f)
		}
	case <-time.After(time.Second):
		t.Error("no sync.failed event")
	}
}

func TestSynchronizeAPIErrorLeavesCheckpoint(t *testing.T) {
	rig := newRig(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"invalid_credentials"}`))
	}, Config{})

	_, err := rig.engine.Synchronize(context.Background(), testDID)
	var perr *voipms.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
	v, err := rig.db.GetSyncState("last_sync:" + testDID)
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Error("checkpoint advanced on API failure")
	}
}

func TestSynchronizeCoalescesConcurrentCalls(t *testing.T) {
	var requests atomic.Int32
	release := make(chan struct{})
	rig := newRig(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"status":"no_sms"}`))
	}, Config{})

	var wg gosync.WaitGroup
	summaries := make([]*Summary, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			summaries[i], errs[i] = rig.engine.Synchronize(context.Background(), testDID)
		}(i)
		// Let the first call reach the API before issuing the second.
		time.Sleep(100 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("server saw %d fetches, want 1", n)
	}
	if summaries[0] != summaries[1] {
		t.Error("concurrent calls did not share one result")
	}
}

func TestSynchronizeKeepsLocalDeletion(t *testing.T) {
	rig := newRig(t, respondWith(record(1, "1", time.Hour, "hello")), Config{})
	ctx := context.Background()

	if _, err := rig.engine.Synchronize(ctx, testDID); err != nil {
		t.Fatal(err)
	}
	conv, err := rig.db.GetConversation(testDID, "5559876543")
	if err != nil {
		t.Fatal(err)
	}
	id := conv.MostRecent().ID
	if err := rig.db.MarkMessageDeleted(id); err != nil {
		t.Fatal(err)
	}

	// The server still has the message, but the tombstone wins.
	if _, err := rig.engine.Synchronize(ctx, testDID); err != nil {
		t.Fatal(err)
	}
	got, err := rig.db.GetMessage(id)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted {
		t.Error("re-sync resurrected a locally deleted message")
	}
}

func TestSynchronizeRestoreDeleted(t *testing.T) {
	rig := newRig(t, respondWith(record(1, "1", time.Hour, "hello")), Config{RestoreDeleted: true})
	ctx := context.Background()

	if _, err := rig.engine.Synchronize(ctx, testDID); err != nil {
		t.Fatal(err)
	}
	conv, err := rig.db.GetConversation(testDID, "5559876543")
	if err != nil {
		t.Fatal(err)
	}
	id := conv.MostRecent().ID
	if err := rig.db.MarkMessageDeleted(id); err != nil {
		t.Fatal(err)
	}

	if _, err := rig.engine.Synchronize(ctx, testDID); err != nil {
		t.Fatal(err)
	}
	got, err := rig.db.GetMessage(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Deleted {
		t.Error("restore_deleted did not bring the message back")
	}
}

func TestSynchronizePurgesRemoteDeletions(t *testing.T) {
	// First sync sees two messages, the second only one: the other was
	// deleted on the server and its window was fully fetched.
	var second atomic.Bool
	handler := func(w http.ResponseWriter, r *http.Request) {
		if second.Load() {
			respondWith(record(1, "1", time.Hour, "kept"))(w, r)
			return
		}
		respondWith(
			record(1, "1", time.Hour, "kept"),
			record(2, "1", 2*time.Hour, "gone"),
		)(w, r)
	}
	rig := newRig(t, handler, Config{PropagateRemoteDeletions: true})
	ctx := context.Background()

	if _, err := rig.engine.Synchronize(ctx, testDID); err != nil {
		t.Fatal(err)
	}
	second.Store(true)

	// Widen the next window past both messages.
	if err := rig.db.SetSyncState("last_sync:"+testDID,
		fmt.Sprint(fixedNow.Add(-3*time.Hour).Unix())); err != nil {
		t.Fatal(err)
	}

	summary, err := rig.engine.Synchronize(ctx, testDID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Purged != 1 {
		t.Errorf("purged = %d, want 1", summary.Purged)
	}
	conv, err := rig.db.GetConversation(testDID, "5559876543")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Len() != 1 || conv.MostRecent().RemoteID != 1 {
		t.Errorf("surviving conversation = %d messages", conv.Len())
	}
}

func TestSynchronizeEvictsOldMessages(t *testing.T) {
	rig := newRig(t, respondWith(), Config{RetentionDays: 7})

	old := &sms.Message{
		Time: fixedNow.AddDate(0, 0, -30), Direction: sms.Incoming,
		DID: testDID, Contact: "5559876543", Body: "ancient",
		Delivery: sms.Delivered,
	}
	old.RemoteID = 77
	if _, err := rig.db.InsertMessage(old); err != nil {
		t.Fatal(err)
	}

	summary, err := rig.engine.Synchronize(context.Background(), testDID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Evicted != 1 {
		t.Errorf("evicted = %d, want 1", summary.Evicted)
	}
}

func TestSynchronizeRejectsInvalidDID(t *testing.T) {
	rig := newRig(t, respondWith(), Config{})
	_, err := rig.engine.Synchronize(context.Background(), "not-a-number")
	var verr *sms.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}
