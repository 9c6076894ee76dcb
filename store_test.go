package main

import (
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// BOOKMARK STORE TESTS
// =============================================================================

func setupTestStore(t *testing.T) *BookmarkStore {
	t.Helper()

	cfg := defaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")

	store, err := newBookmarkStore(cfg)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.close() })
	return store
}

func archivedEvent(id, title, category string, tags ...string) Event {
	return Event{
		ID:       id,
		Title:    title,
		Category: category,
		Tags:     tags,
		Status:   "active",
		Volume:   1234.5,
		EndDate:  time.Date(2025, 11, 4, 0, 0, 0, 0, time.UTC),
		Outcomes: []Outcome{{Label: "Yes", Price: 0.62}, {Label: "No", Price: 0.38}},
	}
}

func TestInsertAndGetBookmark(t *testing.T) {
	store := setupTestStore(t)
	fields := defaultConfig().Search.IndexedFields

	event := archivedEvent("evt-1", "Presidential Election 2028", "politics", "election")
	if err := store.insertBookmark(event, fields); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	bookmark, err := store.getBookmark("evt-1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if bookmark == nil {
		t.Fatal("Expected bookmark, got nil")
	}
	if bookmark.Title != "Presidential Election 2028" {
		t.Errorf("Expected title preserved, got %q", bookmark.Title)
	}
	if bookmark.Category != "politics" {
		t.Errorf("Expected category preserved, got %q", bookmark.Category)
	}
	if bookmark.RawJSON == "" {
		t.Error("Expected raw JSON to be stored")
	}

	missing, err := store.getBookmark("evt-404")
	if err != nil {
		t.Fatalf("Expected no error for miss, got %v", err)
	}
	if missing != nil {
		t.Error("Expected nil for unknown bookmark")
	}
}

func TestInsertBookmark_Upsert(t *testing.T) {
	store := setupTestStore(t)
	fields := defaultConfig().Search.IndexedFields

	if err := store.insertBookmark(archivedEvent("evt-1", "Old Title", "politics"), fields); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := store.insertBookmark(archivedEvent("evt-1", "New Title", "politics"), fields); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	count, err := store.countBookmarks()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if count != 1 {
		t.Errorf("Expected one row after re-insert, got %d", count)
	}

	bookmark, err := store.getBookmark("evt-1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if bookmark.Title != "New Title" {
		t.Errorf("Expected updated title, got %q", bookmark.Title)
	}
}

func TestDeleteBookmark(t *testing.T) {
	store := setupTestStore(t)
	fields := defaultConfig().Search.IndexedFields

	if err := store.insertBookmark(archivedEvent("evt-1", "Title", "sports"), fields); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := store.deleteBookmark("evt-1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	bookmark, err := store.getBookmark("evt-1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if bookmark != nil {
		t.Error("Expected bookmark deleted")
	}

	// Deleting an unknown id is not an error.
	if err := store.deleteBookmark("evt-404"); err != nil {
		t.Errorf("Expected no error deleting unknown id, got %v", err)
	}
}

func TestListBookmarkIDs(t *testing.T) {
	store := setupTestStore(t)
	fields := defaultConfig().Search.IndexedFields

	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		if err := store.insertBookmark(archivedEvent(id, "Title "+id, "crypto"), fields); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	}

	ids, err := store.listBookmarkIDs()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("Expected 3 ids, got %d", len(ids))
	}
}

func TestSearchBookmarks_FTS(t *testing.T) {
	store := setupTestStore(t)
	fields := defaultConfig().Search.IndexedFields

	events := []Event{
		archivedEvent("evt-1", "Presidential Election 2028", "politics", "election", "usa"),
		archivedEvent("evt-2", "Bitcoin above 100k by March", "crypto", "bitcoin"),
		archivedEvent("evt-3", "Super Bowl winner", "sports", "nfl"),
	}
	for _, event := range events {
		if err := store.insertBookmark(event, fields); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	}

	results, err := store.searchBookmarks(&SearchRequest{Query: "election"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result for election, got %d", len(results))
	}
	if results[0].Bookmark.ItemID != "evt-1" {
		t.Errorf("Expected evt-1, got %q", results[0].Bookmark.ItemID)
	}

	// Prefix matching through automatic wildcard expansion.
	results, err = store.searchBookmarks(&SearchRequest{Query: "bitc"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(results) != 1 || results[0].Bookmark.ItemID != "evt-2" {
		t.Errorf("Expected prefix match on evt-2, got %v", results)
	}

	// Category is part of the indexed text.
	results, err = store.searchBookmarks(&SearchRequest{Query: "sports"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(results) != 1 || results[0].Bookmark.ItemID != "evt-3" {
		t.Errorf("Expected category match on evt-3, got %v", results)
	}

	results, err = store.searchBookmarks(&SearchRequest{Query: "nonexistent"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}
}

func TestSearchBookmarks_Highlighting(t *testing.T) {
	store := setupTestStore(t)
	fields := defaultConfig().Search.IndexedFields

	if err := store.insertBookmark(archivedEvent("evt-1", "Presidential Election 2028", "politics"), fields); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	results, err := store.searchBookmarks(&SearchRequest{Query: "election", EnableHighlighting: true})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}
	if results[0].Snippet == "" {
		t.Error("Expected a highlighted snippet")
	}
}

func TestSearchBookmarks_BlankQueryListsRecent(t *testing.T) {
	store := setupTestStore(t)
	fields := defaultConfig().Search.IndexedFields

	for _, id := range []string{"evt-1", "evt-2"} {
		if err := store.insertBookmark(archivedEvent(id, "Title "+id, "misc"), fields); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	}

	results, err := store.searchBookmarks(&SearchRequest{Query: "   "})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected 2 recent bookmarks, got %d", len(results))
	}
}

func TestPrepareFTS5Query(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"single word gets wildcard", "bitcoin", "bitcoin*"},
		{"multiple words each get wildcard", "super bowl", "super* bowl*"},
		{"quoted phrase untouched", `"exact phrase"`, `"exact phrase"`},
		{"boolean AND untouched", "bitcoin AND election", "bitcoin AND election"},
		{"boolean OR untouched", "bitcoin OR election", "bitcoin OR election"},
		{"boolean NOT untouched", "bitcoin NOT election", "bitcoin NOT election"},
		{"existing wildcard untouched", "bitc*", "bitc*"},
		{"whitespace trimmed", "  bitcoin  ", "bitcoin*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := prepareFTS5Query(tt.input); got != tt.expected {
				t.Errorf("prepareFTS5Query(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestClearAll(t *testing.T) {
	store := setupTestStore(t)
	fields := defaultConfig().Search.IndexedFields

	if err := store.insertBookmark(archivedEvent("evt-1", "Title", "misc"), fields); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := store.insertUserAccount(&UserAccount{AccountID: "acct-1", Username: "trader", DisplayName: "Trader"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if err := store.clearAll(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	count, err := store.countBookmarks()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if count != 0 {
		t.Errorf("Expected empty archive, got %d rows", count)
	}

	account, err := store.getUserAccount()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if account != nil {
		t.Error("Expected account cleared")
	}
}

func TestUserAccount_SingleRow(t *testing.T) {
	store := setupTestStore(t)

	account, err := store.getUserAccount()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if account != nil {
		t.Error("Expected no account in a fresh store")
	}

	if err := store.insertUserAccount(&UserAccount{AccountID: "acct-1", Username: "trader", DisplayName: "Trader One"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := store.insertUserAccount(&UserAccount{AccountID: "acct-2", Username: "other", DisplayName: "Other"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	account, err = store.getUserAccount()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if account == nil {
		t.Fatal("Expected account, got nil")
	}
	if account.AccountID != "acct-2" {
		t.Errorf("Expected later insert to replace the row, got %q", account.AccountID)
	}
}

func TestSearchAfterDelete(t *testing.T) {
	store := setupTestStore(t)
	fields := defaultConfig().Search.IndexedFields

	if err := store.insertBookmark(archivedEvent("evt-1", "Presidential Election 2028", "politics"), fields); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := store.deleteBookmark("evt-1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	results, err := store.searchBookmarks(&SearchRequest{Query: "election"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected FTS index cleaned by delete trigger, got %d results", len(results))
	}
}

func TestStoreClose(t *testing.T) {
	store := setupTestStore(t)

	if err := store.close(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	// Closing twice is safe.
	if err := store.close(); err != nil {
		t.Fatalf("Expected no error on second close, got %v", err)
	}

	if _, err := store.countBookmarks(); err == nil {
		t.Error("Expected error using a closed store")
	}
}
