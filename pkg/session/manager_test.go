package session

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestSessionManager_RecordAndLookup(t *testing.T) {
	sm := NewSessionManager(t.TempDir())

	if err := sm.RecordSent("onebot:group:1", "m1", "q1"); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}
	if err := sm.RecordSent("onebot:group:1", "m2", "q2"); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}

	if got, ok := sm.LookupSent("onebot:group:1", "m1"); !ok || got != "q1" {
		t.Fatalf("LookupSent(m1) = %q, %v", got, ok)
	}
	if got, ok := sm.LastQuote("onebot:group:1"); !ok || got != "q2" {
		t.Fatalf("LastQuote = %q, %v", got, ok)
	}
	if _, ok := sm.LookupSent("onebot:group:2", "m1"); ok {
		t.Fatal("lookups are per chat")
	}
}

func TestSessionManager_EmptyMessageIDOnlyUpdatesLast(t *testing.T) {
	sm := NewSessionManager("")
	if err := sm.RecordSent("cli:local", "", "q9"); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}

	s, ok := sm.Get("cli:local")
	if !ok {
		t.Fatal("session not created")
	}
	if len(s.Sent) != 0 {
		t.Fatalf("Sent = %+v, want empty", s.Sent)
	}
	if s.LastQuoteID != "q9" {
		t.Fatalf("LastQuoteID = %q", s.LastQuoteID)
	}
}

func TestSessionManager_Bounded(t *testing.T) {
	sm := NewSessionManager("")
	for i := 0; i < MaxSentRecords+25; i++ {
		if err := sm.RecordSent("k", fmt.Sprintf("m%d", i), fmt.Sprintf("q%d", i)); err != nil {
			t.Fatalf("RecordSent: %v", err)
		}
	}

	s, _ := sm.Get("k")
	if len(s.Sent) != MaxSentRecords {
		t.Fatalf("len(Sent) = %d, want %d", len(s.Sent), MaxSentRecords)
	}
	if _, ok := sm.LookupSent("k", "m0"); ok {
		t.Fatal("oldest record should be evicted")
	}
	if _, ok := sm.LookupSent("k", fmt.Sprintf("m%d", MaxSentRecords+24)); !ok {
		t.Fatal("newest record missing")
	}
}

func TestSessionManager_Forget(t *testing.T) {
	sm := NewSessionManager("")
	_ = sm.RecordSent("k", "m1", "q1")
	_ = sm.RecordSent("k", "m2", "q2")

	if err := sm.Forget("k", "q2"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, ok := sm.LastQuote("k"); ok {
		t.Fatal("last quote should be cleared")
	}
	if _, ok := sm.LookupSent("k", "m2"); ok {
		t.Fatal("forgotten record still resolvable")
	}
	if got, ok := sm.LookupSent("k", "m1"); !ok || got != "q1" {
		t.Fatalf("unrelated record lost: %q, %v", got, ok)
	}
}

func TestSessionManager_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	sm := NewSessionManager(dir)
	if err := sm.RecordSent("onebot:group:7", "m1", "q1"); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, hex.EncodeToString([]byte("onebot:group:7"))+".json")); err != nil {
		t.Fatalf("session file not written: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded := NewSessionManager(dir)
	if reloaded.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reloaded.Len())
	}
	if got, ok := reloaded.LookupSent("onebot:group:7", "m1"); !ok || got != "q1" {
		t.Fatalf("LookupSent after reload = %q, %v", got, ok)
	}
}

func TestSessionManager_SimilarKeysKeepSeparateFiles(t *testing.T) {
	dir := t.TempDir()
	sm := NewSessionManager(dir)
	if err := sm.RecordSent("onebot:group_1", "m1", "q1"); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}
	if err := sm.RecordSent("onebot_group:1", "m2", "q2"); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}

	reloaded := NewSessionManager(dir)
	if reloaded.Len() != 2 {
		t.Fatalf("Len = %d, want 2", reloaded.Len())
	}
	if got, ok := reloaded.LookupSent("onebot:group_1", "m1"); !ok || got != "q1" {
		t.Fatalf("LookupSent(onebot:group_1) = %q, %v", got, ok)
	}
	if got, ok := reloaded.LookupSent("onebot_group:1", "m2"); !ok || got != "q2" {
		t.Fatalf("LookupSent(onebot_group:1) = %q, %v", got, ok)
	}
}

func TestSessionManager_RenamesLegacyFile(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "onebot_group_7.json")
	data := `{"key":"onebot:group:7","sent":[{"message_id":"m1","quote_id":"q1"}]}`
	if err := os.WriteFile(legacy, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	sm := NewSessionManager(dir)
	if got, ok := sm.LookupSent("onebot:group:7", "m1"); !ok || got != "q1" {
		t.Fatalf("LookupSent = %q, %v", got, ok)
	}
	if _, err := os.Stat(legacy); !os.IsNotExist(err) {
		t.Fatalf("legacy file still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, hex.EncodeToString([]byte("onebot:group:7"))+".json")); err != nil {
		t.Fatalf("renamed file missing: %v", err)
	}
}
