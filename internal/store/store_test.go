package store

import (
	"path/filepath"
	"testing"
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
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestAccountUpsertAndGet(t *testing.T) {
	db := testDB(t)

	acc := &Account{Handle: "acc_1", Credential: `{"cookie":"x"}`, DisplayName: "Alice", PhoneNumber: "8490111"}
	if err := db.UpsertAccount(acc); err != nil {
		t.Fatal(err)
	}

	// Update display name, same handle.
	acc.DisplayName = "Alice Updated"
	if err := db.UpsertAccount(acc); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetAccount("acc_1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.DisplayName != "Alice Updated" {
		t.Errorf("got %+v, want Alice Updated", got)
	}

	all, err := db.ListAccounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d accounts, want 1", len(all))
	}
}

func TestFindAccountByPhone(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertAccount(&Account{Handle: "acc_1", PhoneNumber: "8490111"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertAccount(&Account{Handle: "acc_2", PhoneNumber: "8490222"}); err != nil {
		t.Fatal(err)
	}

	// Same phone under a different handle is found.
	got, err := db.FindAccountByPhone("8490111", "acc_2")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Handle != "acc_1" {
		t.Errorf("got %+v, want acc_1", got)
	}

	// Excluding the owner itself finds nothing.
	got, err = db.FindAccountByPhone("8490111", "acc_1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}

	// Empty phone never matches.
	got, err = db.FindAccountByPhone("", "acc_1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil for empty phone, got %+v", got)
	}
}

func TestMessageUpsertIdempotentByMsgID(t *testing.T) {
	db := testDB(t)

	msg := &Message{AccountID: "acc_1", ThreadID: "u42", MsgID: "m1", Direction: DirectionIn, ContentType: ContentText, Body: "hello", Status: StatusDelivered, Ts: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	// Same msg_id delivered again patches, never duplicates.
	msg.Body = "hello updated"
	msg.Status = StatusSeen
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("acc_1", "u42", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Body != "hello updated" || msgs[0].Status != StatusSeen {
		t.Errorf("got body=%q status=%q", msgs[0].Body, msgs[0].Status)
	}
}

func TestMessageReconcileCliMsgID(t *testing.T) {
	db := testDB(t)

	// Optimistic outbound write: only the local id is known.
	pending := &Message{AccountID: "acc_1", ThreadID: "u42", CliMsgID: "cli-1", Direction: DirectionOut, IsSelf: true, ContentType: ContentText, Body: "hi", Status: StatusUploading, Ts: 1000}
	if err := db.UpsertMessage(pending); err != nil {
		t.Fatal(err)
	}

	// Network ack echoes the message back with the server id attached.
	ack := &Message{AccountID: "acc_1", ThreadID: "u42", MsgID: "srv-9", CliMsgID: "cli-1", Direction: DirectionOut, IsSelf: true, ContentType: ContentText, Body: "hi", Status: StatusDelivered, Ts: 1000}
	if err := db.UpsertMessage(ack); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("acc_1", "u42", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (echo duplicated the optimistic row)", len(msgs))
	}
	if msgs[0].MsgID != "srv-9" || msgs[0].Status != StatusDelivered {
		t.Errorf("got msg_id=%q status=%q, want srv-9/delivered", msgs[0].MsgID, msgs[0].Status)
	}
}

func TestPatchMessageUpload(t *testing.T) {
	db := testDB(t)

	msg := &Message{
		AccountID: "acc_1", ThreadID: "u42", CliMsgID: "cli-1",
		Direction: DirectionOut, IsSelf: true, ContentType: ContentFile,
		Attachments: []Attachment{{Name: "doc.pdf", Mime: "application/pdf", Path: "/tmp/doc.pdf", Type: "file"}},
		Status:      StatusUploading, Ts: 1000,
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	patched := []Attachment{{Name: "doc.pdf", Mime: "application/pdf", Type: "file", DriveID: "d1", ViewLink: "https://o/view", DownloadLink: "https://o/dl"}}
	if err := db.PatchMessageUpload("acc_1", "", "cli-1", patched, StatusDelivered); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("acc_1", "", "cli-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("message not found")
	}
	if got.Status != StatusDelivered {
		t.Errorf("status = %q, want delivered", got.Status)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].DriveID != "d1" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
}

func TestThreadUnreadAccounting(t *testing.T) {
	db := testDB(t)

	th := &Thread{AccountID: "acc_1", ThreadID: "u42", Name: "Bob", LastMessageAt: 1000, LastMessageText: "hi", LastMessageType: ContentText, LastMessageFrom: DirectionIn}
	// Three inbound messages.
	for range 3 {
		if err := db.TouchThread(th, 1); err != nil {
			t.Fatal(err)
		}
	}
	// One outbound in between must not change unread.
	if err := db.TouchThread(&Thread{AccountID: "acc_1", ThreadID: "u42", LastMessageAt: 1500, LastMessageFrom: DirectionOut}, 0); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetThread("acc_1", "u42")
	if err != nil {
		t.Fatal(err)
	}
	if got.Unread != 3 {
		t.Errorf("unread = %d, want 3", got.Unread)
	}
	if got.Name != "Bob" {
		t.Errorf("name = %q, want Bob (empty update must not erase)", got.Name)
	}

	if err := db.ResetUnread("acc_1", "u42"); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetThread("acc_1", "u42")
	if err != nil {
		t.Fatal(err)
	}
	if got.Unread != 0 {
		t.Errorf("unread after reset = %d, want 0", got.Unread)
	}
}

func TestUnreadTotals(t *testing.T) {
	db := testDB(t)

	if err := db.TouchThread(&Thread{AccountID: "acc_1", ThreadID: "u1"}, 2); err != nil {
		t.Fatal(err)
	}
	if err := db.TouchThread(&Thread{AccountID: "acc_1", ThreadID: "u2"}, 1); err != nil {
		t.Fatal(err)
	}
	if err := db.TouchThread(&Thread{AccountID: "acc_2", ThreadID: "u1"}, 5); err != nil {
		t.Fatal(err)
	}

	total, err := db.UnreadTotal("acc_1")
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("acc_1 total = %d, want 3", total)
	}

	totals, err := db.UnreadTotals()
	if err != nil {
		t.Fatal(err)
	}
	if totals["acc_1"] != 3 || totals["acc_2"] != 5 {
		t.Errorf("totals = %v", totals)
	}
}

func TestThreadFlags(t *testing.T) {
	db := testDB(t)

	if err := db.TouchThread(&Thread{AccountID: "acc_1", ThreadID: "u1"}, 0); err != nil {
		t.Fatal(err)
	}
	if err := db.SetThreadPinned("acc_1", "u1", true); err != nil {
		t.Fatal(err)
	}
	if err := db.SetThreadMuted("acc_1", "u1", true); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetThread("acc_1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Pinned || !got.Muted {
		t.Errorf("pinned=%v muted=%v, want both true", got.Pinned, got.Muted)
	}
}

func TestRekeyAccountMovesHistory(t *testing.T) {
	db := testDB(t)

	if err := db.TouchThread(&Thread{AccountID: "acc_old", ThreadID: "u1", Name: "Bob"}, 2); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{AccountID: "acc_old", ThreadID: "u1", MsgID: "m1", Direction: DirectionIn, ContentType: ContentText, Body: "hi", Status: StatusDelivered, Ts: 1000}); err != nil {
		t.Fatal(err)
	}
	// Canonical handle already has the same thread; the rekey must not fail
	// on the unique constraint.
	if err := db.TouchThread(&Thread{AccountID: "acc_new", ThreadID: "u1", Name: "Bob"}, 0); err != nil {
		t.Fatal(err)
	}

	if err := db.RekeyAccount("acc_old", "acc_new"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("acc_new", "u1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages under canonical handle, want 1", len(msgs))
	}

	old, err := db.ListThreads("acc_old", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 0 {
		t.Errorf("retired handle still has %d threads", len(old))
	}
}

func TestListMessagesKeysetPagination(t *testing.T) {
	db := testDB(t)

	for i := range 5 {
		msg := &Message{AccountID: "acc_1", ThreadID: "u1", MsgID: "m" + string(rune('a'+i)), Direction: DirectionIn, ContentType: ContentText, Status: StatusDelivered, Ts: int64(1000 + i)}
		if err := db.UpsertMessage(msg); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages("acc_1", "u1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Ts != 1004 {
		t.Fatalf("first page = %+v", page)
	}

	page, err = db.ListMessages("acc_1", "u1", page[1].Ts, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Ts != 1002 {
		t.Fatalf("second page = %+v", page)
	}
}
