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

func TestUpsertChatIdempotent(t *testing.T) {
	db := testDB(t)

	c := &Chat{ID: "c1", DisplayName: "Alice", LastMessageAt: 100, LastMessagePreview: "hi"}
	if err := db.UpsertChat(c); err != nil {
		t.Fatal(err)
	}
	c.LastMessageAt = 200
	c.LastMessagePreview = "bye"
	if err := db.UpsertChat(c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.LastMessageAt != 200 || got.LastMessagePreview != "bye" {
		t.Errorf("chat = %+v", got)
	}
}

func TestUpsertChatPreviewNeverRegresses(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: "c1", LastMessageAt: 200, LastMessagePreview: "new"}); err != nil {
		t.Fatal(err)
	}
	// Stale refresh with an older timestamp.
	if err := db.UpsertChat(&Chat{ID: "c1", LastMessageAt: 100, LastMessagePreview: "old"}); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetChat("c1")
	if got.LastMessageAt != 200 || got.LastMessagePreview != "new" {
		t.Errorf("chat = %+v, want preview 'new' at 200", got)
	}
}

func TestListChatsOrder(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertChat(&Chat{ID: "old", LastMessageAt: 100})
	_ = db.UpsertChat(&Chat{ID: "new", LastMessageAt: 300})
	_ = db.UpsertChat(&Chat{ID: "mid", LastMessageAt: 200})

	chats, err := db.ListChats(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 3 || chats[0].ID != "new" || chats[2].ID != "old" {
		t.Errorf("chats = %+v, want newest first", chats)
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{ChatID: "c1", MsgKey: "m1", SenderID: "alice", Content: "v1", MessageType: "TEXT", SentAt: 100}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	m.Content = "v2"
	m.Edited = true
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "v2" || !msgs[0].Edited {
		t.Errorf("message = %+v, want edited v2", msgs[0])
	}
}

func TestListMessagesKeyset(t *testing.T) {
	db := testDB(t)

	for i, key := range []string{"m1", "m2", "m3"} {
		_ = db.UpsertMessage(&Message{
			ChatID: "c1", MsgKey: key, SenderID: "a",
			Content: key, MessageType: "TEXT", SentAt: int64(100 * (i + 1)),
		})
	}

	// Newest first, bounded by beforeTs.
	msgs, err := db.ListMessages("c1", 300, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].MsgKey != "m2" || msgs[1].MsgKey != "m1" {
		t.Errorf("messages = %+v, want [m2 m1]", msgs)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertMessage(&Message{ChatID: "c1", MsgKey: "m1", SenderID: "a", Content: "deploy the release", MessageType: "TEXT", SentAt: 100})
	_ = db.UpsertMessage(&Message{ChatID: "c1", MsgKey: "m2", SenderID: "a", Content: "lunch tomorrow", MessageType: "TEXT", SentAt: 200})
	_ = db.UpsertMessage(&Message{ChatID: "c2", MsgKey: "m3", SenderID: "b", Content: "release notes", MessageType: "TEXT", SentAt: 300})

	results, err := db.SearchMessages("release", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	scoped, err := db.SearchMessages("release", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 1 || scoped[0].Message.MsgKey != "m1" {
		t.Errorf("scoped results = %+v, want [m1]", scoped)
	}
}
