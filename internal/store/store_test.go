package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkalil/smsync/internal/sms"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func incoming(did, contact, body string, at time.Time) *sms.Message {
	return &sms.Message{
		Time:      at,
		Direction: sms.Incoming,
		DID:       did,
		Contact:   contact,
		Body:      body,
		Unread:    true,
		Delivery:  sms.Delivered,
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (messages + sync_state)", result.Version)
	}
}

func TestInsertAndGetRoundtrip(t *testing.T) {
	db := testDB(t)

	at := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)
	m := incoming("5551234567", "5559876543", "hello", at)
	m.RemoteID = 42

	saved, err := db.InsertMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID == 0 {
		t.Fatal("InsertMessage did not assign a local id")
	}

	got, err := db.GetMessage(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RemoteID != 42 || got.DID != "5551234567" || got.Body != "hello" {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if !got.Time.Equal(at) {
		t.Errorf("time = %v, want %v", got.Time, at)
	}
	if !got.Unread || got.Delivery != sms.Delivered {
		t.Errorf("flags lost: unread=%v delivery=%v", got.Unread, got.Delivery)
	}
}

func TestInsertDuplicateRemoteID(t *testing.T) {
	db := testDB(t)

	m := incoming("5551234567", "5559876543", "hi", time.Now())
	m.RemoteID = 7
	if _, err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	_, err := db.InsertMessage(m)
	if !errors.Is(err, ErrDuplicateRemoteID) {
		t.Errorf("err = %v, want ErrDuplicateRemoteID", err)
	}

	// Same remote id on a different DID is fine.
	other := incoming("5550000000", "5559876543", "hi", time.Now())
	other.RemoteID = 7
	if _, err := db.InsertMessage(other); err != nil {
		t.Errorf("same remote id on different did rejected: %v", err)
	}
}

func TestInsertWithoutRemoteID(t *testing.T) {
	db := testDB(t)

	// Rows without a remote id never collide with each other.
	for i := 0; i < 3; i++ {
		m, err := sms.NewOutgoing("5551234567", "5559876543", "queued", time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := db.InsertMessage(m); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
}

func TestUpsertPreservesLocalID(t *testing.T) {
	db := testDB(t)

	m := incoming("5551234567", "5559876543", "v1", time.Now())
	m.RemoteID = 99
	saved, err := db.UpsertMessage(m)
	if err != nil {
		t.Fatal(err)
	}

	m.Body = "v2"
	again, err := db.UpsertMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != saved.ID {
		t.Errorf("upsert assigned new id %d, want %d", again.ID, saved.ID)
	}

	got, err := db.GetMessage(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Body != "v2" {
		t.Errorf("body = %q, want v2", got.Body)
	}
}

func TestUpdateMissingMessage(t *testing.T) {
	db := testDB(t)

	m := incoming("5551234567", "5559876543", "x", time.Now())
	m.ID = 12345
	if err := db.UpdateMessage(m); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := db.GetMessage(12345); !errors.Is(err, ErrNotFound) {
		t.Errorf("get err = %v, want ErrNotFound", err)
	}
	if err := db.MarkMessageDeleted(12345); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete err = %v, want ErrNotFound", err)
	}
}

func TestMarkDeletedHidesFromConversation(t *testing.T) {
	db := testDB(t)

	m, err := db.InsertMessage(incoming("5551234567", "5559876543", "bye", time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageDeleted(m.ID); err != nil {
		t.Fatal(err)
	}

	conv, err := db.GetConversation("5551234567", "5559876543")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Len() != 0 {
		t.Errorf("deleted message still visible, len = %d", conv.Len())
	}

	// The row itself survives as a tombstone.
	got, err := db.GetMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted {
		t.Error("row not marked deleted")
	}
}

func TestAllConversationsOrdering(t *testing.T) {
	db := testDB(t)
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Two contacts; the second has the more recent message.
	if _, err := db.InsertMessage(incoming("5551234567", "5550000001", "old", t0)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertMessage(incoming("5551234567", "5550000002", "new", t0.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	convs, err := db.AllConversations("5551234567")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].MostRecent().Contact != "5550000002" {
		t.Errorf("first conversation contact = %s, want 5550000002", convs[0].MostRecent().Contact)
	}
}

func TestMarkConversationRead(t *testing.T) {
	db := testDB(t)

	if _, err := db.InsertMessage(incoming("5551234567", "5559876543", "a", time.Now())); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertMessage(incoming("5551234567", "5559876543", "b", time.Now())); err != nil {
		t.Fatal(err)
	}
	// A different conversation stays untouched.
	other, err := db.InsertMessage(incoming("5551234567", "5550000009", "c", time.Now()))
	if err != nil {
		t.Fatal(err)
	}

	if err := db.MarkConversationRead("5551234567", "5559876543"); err != nil {
		t.Fatal(err)
	}

	conv, err := db.GetConversation("5551234567", "5559876543")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range conv.Messages() {
		if m.Unread {
			t.Errorf("message %d still unread", m.ID)
		}
	}
	got, err := db.GetMessage(other.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Unread {
		t.Error("unrelated conversation was marked read")
	}
}

func TestDraftLifecycle(t *testing.T) {
	db := testDB(t)

	d, err := db.Draft("5551234567", "5559876543")
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Fatal("fresh store has a draft")
	}

	first, err := sms.NewDraft("5551234567", "5559876543", "v1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.SaveDraft(first); err != nil {
		t.Fatal(err)
	}

	// Saving again replaces the old draft; at most one per conversation.
	second, err := sms.NewDraft("5551234567", "5559876543", "v2", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.SaveDraft(second); err != nil {
		t.Fatal(err)
	}

	d, err = db.Draft("5551234567", "5559876543")
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Body != "v2" {
		t.Fatalf("draft = %+v, want body v2", d)
	}

	if err := db.ClearDraft("5551234567", "5559876543"); err != nil {
		t.Fatal(err)
	}
	d, err = db.Draft("5551234567", "5559876543")
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Error("draft survived ClearDraft")
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)

	v, err := db.GetSyncState("last_sync:5551234567")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("unset key = %q, want empty", v)
	}

	if err := db.SetSyncState("last_sync:5551234567", "100"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSyncState("last_sync:5551234567", "200"); err != nil {
		t.Fatal(err)
	}
	v, err = db.GetSyncState("last_sync:5551234567")
	if err != nil {
		t.Fatal(err)
	}
	if v != "200" {
		t.Errorf("value = %q, want 200", v)
	}
}

func TestFailPendingSends(t *testing.T) {
	db := testDB(t)

	pending, err := sms.NewOutgoing("5551234567", "5559876543", "interrupted", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	saved, err := db.InsertMessage(pending)
	if err != nil {
		t.Fatal(err)
	}

	// A confirmed message keeps its state.
	confirmed := incoming("5551234567", "5559876543", "done", time.Now())
	confirmed.RemoteID = 1
	confirmed.Unread = false
	if _, err := db.InsertMessage(confirmed); err != nil {
		t.Fatal(err)
	}

	n, err := db.FailPendingSends()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("failed %d sends, want 1", n)
	}

	got, err := db.GetMessage(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Delivery != sms.Failed {
		t.Errorf("delivery = %v, want failed", got.Delivery)
	}
}

func TestDeletedRemoteMessages(t *testing.T) {
	db := testDB(t)

	acked := incoming("5551234567", "5559876543", "a", time.Now())
	acked.RemoteID = 11
	saved, err := db.InsertMessage(acked)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageDeleted(saved.ID); err != nil {
		t.Fatal(err)
	}

	// Deleted but never acknowledged: nothing to propagate.
	local, err := sms.NewOutgoing("5551234567", "5559876543", "b", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	savedLocal, err := db.InsertMessage(local)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageDeleted(savedLocal.ID); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.DeletedRemoteMessages("5551234567")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].RemoteID != 11 {
		t.Errorf("got %d messages, want the single acknowledged tombstone", len(msgs))
	}
}

func TestRemoveAllMessages(t *testing.T) {
	db := testDB(t)

	if _, err := db.InsertMessage(incoming("5551234567", "5559876543", "x", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSyncState("last_sync:5551234567", "100"); err != nil {
		t.Fatal(err)
	}

	if err := db.RemoveAllMessages(); err != nil {
		t.Fatal(err)
	}

	convs, err := db.AllConversations("5551234567")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("messages survived reset")
	}
	v, err := db.GetSyncState("last_sync:5551234567")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Error("sync checkpoint survived reset")
	}
}
