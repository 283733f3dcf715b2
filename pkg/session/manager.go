package session

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sipeed/picoquote/pkg/fileutil"
	"github.com/sipeed/picoquote/pkg/logger"
)

// MaxSentRecords bounds how many delivered quotes a chat remembers.
const MaxSentRecords = 200

// SentRecord maps a platform message id to the quote it displayed.
type SentRecord struct {
	MessageID string    `json:"message_id"`
	QuoteID   string    `json:"quote_id"`
	SentAt    time.Time `json:"sent_at"`
}

// Session is the delivery memory of one chat.
type Session struct {
	Key         string       `json:"key"`
	LastQuoteID string       `json:"last_quote_id,omitempty"`
	LastSentAt  time.Time    `json:"last_sent_at,omitempty"`
	Sent        []SentRecord `json:"sent"`
	Created     time.Time    `json:"created"`
	Updated     time.Time    `json:"updated"`
}

type SessionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	storage  string
	now      func() time.Time
}

func NewSessionManager(storage string) *SessionManager {
	sm := &SessionManager{
		sessions: make(map[string]*Session),
		storage:  storage,
		now:      time.Now,
	}

	if storage != "" {
		if err := os.MkdirAll(storage, 0755); err != nil {
			logger.WarnCF("session", "Failed to create session dir", map[string]interface{}{
				"dir":   storage,
				"error": err.Error(),
			})
		}
		if err := sm.loadSessions(); err != nil {
			logger.WarnCF("session", "Failed to load sessions", map[string]interface{}{
				"dir":   storage,
				"error": err.Error(),
			})
		}
	}

	return sm
}

func (sm *SessionManager) getOrCreateLocked(key string) *Session {
	session, ok := sm.sessions[key]
	if !ok {
		now := sm.now()
		session = &Session{
			Key:     key,
			Sent:    []SentRecord{},
			Created: now,
			Updated: now,
		}
		sm.sessions[key] = session
	}
	return session
}

// RecordSent remembers that messageID (possibly empty when the platform does
// not report ids) displayed quoteID, and makes it the chat's last quote.
func (sm *SessionManager) RecordSent(key, messageID, quoteID string) error {
	if key == "" || quoteID == "" {
		return nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	session := sm.getOrCreateLocked(key)
	now := sm.now()
	session.LastQuoteID = quoteID
	session.LastSentAt = now
	session.Updated = now
	if messageID != "" {
		session.Sent = append(session.Sent, SentRecord{MessageID: messageID, QuoteID: quoteID, SentAt: now})
		if len(session.Sent) > MaxSentRecords {
			session.Sent = session.Sent[len(session.Sent)-MaxSentRecords:]
		}
	}
	return sm.saveLocked(session)
}

// LastQuote returns the most recently delivered quote id for the chat.
func (sm *SessionManager) LastQuote(key string) (string, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, ok := sm.sessions[key]
	if !ok || session.LastQuoteID == "" {
		return "", false
	}
	return session.LastQuoteID, true
}

// LookupSent resolves a delivered message id back to its quote id.
func (sm *SessionManager) LookupSent(key, messageID string) (string, bool) {
	if messageID == "" {
		return "", false
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, ok := sm.sessions[key]
	if !ok {
		return "", false
	}
	for i := len(session.Sent) - 1; i >= 0; i-- {
		if session.Sent[i].MessageID == messageID {
			return session.Sent[i].QuoteID, true
		}
	}
	return "", false
}

// Forget drops every reference to quoteID in the chat, after a delete.
func (sm *SessionManager) Forget(key, quoteID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.sessions[key]
	if !ok {
		return nil
	}

	kept := session.Sent[:0]
	for _, rec := range session.Sent {
		if rec.QuoteID != quoteID {
			kept = append(kept, rec)
		}
	}
	session.Sent = kept
	if session.LastQuoteID == quoteID {
		session.LastQuoteID = ""
	}
	session.Updated = sm.now()
	return sm.saveLocked(session)
}

// Get returns a copy of the session.
func (sm *SessionManager) Get(key string) (Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, ok := sm.sessions[key]
	if !ok {
		return Session{}, false
	}
	cp := *session
	cp.Sent = append([]SentRecord(nil), session.Sent...)
	return cp, true
}

func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// sessionPath hex-encodes the key so that distinct keys never share a file.
func (sm *SessionManager) sessionPath(key string) string {
	name := hex.EncodeToString([]byte(key))
	if name == "" {
		name = "_"
	}
	return filepath.Join(sm.storage, name+".json")
}

func (sm *SessionManager) saveLocked(session *Session) error {
	if sm.storage == "" {
		return nil
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}

	return fileutil.WriteFileAtomic(sm.sessionPath(session.Key), data, 0644)
}

func (sm *SessionManager) loadSessions() error {
	files, err := os.ReadDir(sm.storage)
	if err != nil {
		return err
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		sessionPath := filepath.Join(sm.storage, file.Name())
		data, err := os.ReadFile(sessionPath)
		if err != nil {
			continue
		}

		var session Session
		if err := json.Unmarshal(data, &session); err != nil || session.Key == "" {
			logger.WarnCF("session", "Skipping unreadable session file", map[string]interface{}{
				"path": sessionPath,
			})
			continue
		}
		if session.Sent == nil {
			session.Sent = []SentRecord{}
		}

		// Files from older releases were named after the sanitized key.
		if want := sm.sessionPath(session.Key); want != sessionPath {
			if err := os.Rename(sessionPath, want); err != nil {
				logger.WarnCF("session", "Failed to rename session file", map[string]interface{}{
					"path":  sessionPath,
					"error": err.Error(),
				})
			}
		}

		sm.sessions[session.Key] = &session
	}

	return nil
}
