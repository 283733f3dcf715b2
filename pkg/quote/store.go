package quote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sipeed/picoquote/pkg/fileutil"
	"github.com/sipeed/picoquote/pkg/logger"
)

// LoadStatus tells the caller how Open obtained the record set.
type LoadStatus int

const (
	LoadedFromFile LoadStatus = iota
	StartedEmpty
	RecoveredEmpty
)

func (s LoadStatus) String() string {
	switch s {
	case LoadedFromFile:
		return "loaded"
	case StartedEmpty:
		return "empty"
	case RecoveredEmpty:
		return "recovered_empty"
	default:
		return fmt.Sprintf("LoadStatus(%d)", int(s))
	}
}

type Options struct {
	Path  string
	Dedup bool
	// Now stamps CreatedAt on new quotes. Defaults to time.Now.
	Now func() time.Time
}

// Store exclusively owns the quote file and the in-memory records. All
// mutations hold the write lock across check, modify and persist.
type Store struct {
	mu        sync.RWMutex
	path      string
	dedup     bool
	quotes    []Quote
	index     *dedupIndex
	newID     func() string
	now       func() time.Time
	writeFile func(path string, data []byte, perm os.FileMode) error
}

type storeFile struct {
	Quotes *[]json.RawMessage `json:"quotes"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateQuoteBody, Quote{})
	return v
}

func validateQuoteBody(sl validator.StructLevel) {
	q := sl.Current().Interface().(Quote)
	if NormalizeText(q.Text) == "" && len(q.Attachments) == 0 {
		sl.ReportError(q.Text, "Text", "text", "text_or_images", "")
	}
}

// Open loads the store at opts.Path. A missing file starts empty and a
// corrupt file recovers empty; the corrupt file is moved aside first. The
// only error is a data directory that cannot be created.
func Open(opts Options) (*Store, LoadStatus, error) {
	if opts.Path == "" {
		return nil, StartedEmpty, errors.New("quote store path is empty")
	}

	dir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, StartedEmpty, fmt.Errorf("quote store directory unusable: %w", err)
	}

	s := &Store{
		path:      opts.Path,
		dedup:     opts.Dedup,
		quotes:    []Quote{},
		index:     newDedupIndex(),
		newID:     uuid.NewString,
		now:       time.Now,
		writeFile: fileutil.WriteFileAtomic,
	}
	if opts.Now != nil {
		s.now = opts.Now
	}

	status := s.load()
	logger.InfoCF("quote", "Quote store opened", map[string]interface{}{
		"path":   opts.Path,
		"status": status.String(),
		"quotes": len(s.quotes),
		"dedup":  opts.Dedup,
	})
	return s, status, nil
}

func (s *Store) load() LoadStatus {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return StartedEmpty
		}
		logger.WarnCF("quote", "Failed to read quote file, starting empty", map[string]interface{}{
			"path":  s.path,
			"error": err.Error(),
		})
		return RecoveredEmpty
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil || file.Quotes == nil {
		reason := "missing quotes field"
		if err != nil {
			reason = err.Error()
		}
		s.quarantine(reason)
		return RecoveredEmpty
	}

	seen := make(map[string]struct{}, len(*file.Quotes))
	skipped, assigned := 0, 0
	for _, raw := range *file.Quotes {
		var q Quote
		if err := json.Unmarshal(raw, &q); err != nil {
			skipped++
			continue
		}
		q.ID = NormalizeID(q.ID)
		if q.ID == "" {
			q.ID = s.newID()
			assigned++
		}
		if _, dup := seen[q.ID]; dup {
			skipped++
			continue
		}
		seen[q.ID] = struct{}{}
		s.quotes = append(s.quotes, q)
		s.index.insert(q)
	}

	if skipped > 0 {
		logger.WarnCF("quote", "Skipped unreadable quote records", map[string]interface{}{
			"path":    s.path,
			"skipped": skipped,
		})
	}

	// Records without an id get one once; writing it back keeps the id
	// stable across restarts.
	if assigned > 0 {
		fields := map[string]interface{}{
			"path":     s.path,
			"assigned": assigned,
		}
		if err := s.persistLocked(); err != nil {
			fields["error"] = err.Error()
			logger.WarnCF("quote", "Failed to persist assigned quote ids", fields)
		} else {
			logger.InfoCF("quote", "Assigned ids to legacy quote records", fields)
		}
	}
	return LoadedFromFile
}

// quarantine moves an unparseable data file aside so the next persist does
// not silently destroy it.
func (s *Store) quarantine(reason string) {
	backup := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	fields := map[string]interface{}{
		"path":   s.path,
		"reason": reason,
	}
	if err := os.Rename(s.path, backup); err != nil {
		fields["backup_error"] = err.Error()
	} else {
		fields["backup"] = backup
	}
	logger.WarnCF("quote", "Quote file is corrupt, starting empty", fields)
}

// Add validates q, assigns a fresh id and stores it. With dedup enabled a
// quote whose normalized text already exists in its scope is rejected with
// ErrDuplicate. Caller-supplied ids are ignored.
func (s *Store) Add(q Quote) (Quote, error) {
	q = normalize(q)
	if err := validate.Struct(q); err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrInvalidQuote, err)
	}
	if q.CreatedAt == 0 {
		q.CreatedAt = UnixSeconds(s.now())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dedup && s.index.contains(q.IsolationKey, q.Text) {
		return Quote{}, ErrDuplicate
	}

	q.ID = s.uniqueIDLocked()
	s.quotes = append(s.quotes, q)
	s.index.insert(q)

	if err := s.persistLocked(); err != nil {
		s.quotes = s.quotes[:len(s.quotes)-1]
		s.index.remove(q)
		return Quote{}, fmt.Errorf("persist quote: %w", err)
	}

	return cloneQuote(q), nil
}

// Delete removes the quote with the given id. Unknown ids return false and
// no error.
func (s *Store) Delete(id string) (bool, error) {
	id = NormalizeID(id)
	if id == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfLocked(id)
	if idx < 0 {
		return false, nil
	}

	removed := s.quotes[idx]
	prev := s.quotes
	next := make([]Quote, 0, len(prev)-1)
	next = append(next, prev[:idx]...)
	next = append(next, prev[idx+1:]...)

	s.quotes = next
	s.index.remove(removed)

	if err := s.persistLocked(); err != nil {
		s.quotes = prev
		s.index.insert(removed)
		return false, fmt.Errorf("persist delete: %w", err)
	}
	return true, nil
}

// Exists reports whether text is already stored in scope. Empty scope or
// empty text never matches.
func (s *Store) Exists(scope, text string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.contains(scope, text)
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) persistLocked() error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(struct {
		Quotes []Quote `json:"quotes"`
	}{Quotes: s.quotes}); err != nil {
		return fmt.Errorf("encode quotes: %w", err)
	}
	return s.writeFile(s.path, buf.Bytes(), 0644)
}

func (s *Store) uniqueIDLocked() string {
	for {
		id := s.newID()
		if s.indexOfLocked(id) < 0 {
			return id
		}
	}
}

func (s *Store) indexOfLocked(id string) int {
	for i := range s.quotes {
		if s.quotes[i].ID == id {
			return i
		}
	}
	return -1
}

func normalize(q Quote) Quote {
	q.AuthorID = NormalizeID(q.AuthorID)
	q.SubmittedBy = NormalizeID(q.SubmittedBy)
	q.IsolationKey = NormalizeID(q.IsolationKey)
	q.Text = NormalizeText(q.Text)
	if len(q.Attachments) > 0 {
		attachments := make([]string, len(q.Attachments))
		for i, a := range q.Attachments {
			attachments[i] = NormalizeID(a)
		}
		q.Attachments = attachments
	} else {
		q.Attachments = nil
	}
	return q
}

func cloneQuote(q Quote) Quote {
	if q.Attachments != nil {
		q.Attachments = append([]string(nil), q.Attachments...)
	}
	return q
}
