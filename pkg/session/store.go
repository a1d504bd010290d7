package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrNotFound is returned by Load for a session that was never saved.
var ErrNotFound = errors.New("session not found")

type entryType string

const (
	entrySession entryType = "session"
	entryMessage entryType = "message"
)

// entry is one JSONL line. The first line of a file is the session header
// (messages stripped), followed by one line per message.
type entry struct {
	Type    entryType `json:"type"`
	Session *Session  `json:"session,omitempty"`
	Message *Message  `json:"message,omitempty"`
}

// Summary describes a stored session without its messages.
type Summary struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	Model        string    `json:"model"`
	MessageCount int       `json:"messageCount"`
	Size         int64     `json:"size"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// StoreConfig holds configuration for the session store.
type StoreConfig struct {
	// Dir defaults to ~/.relay/sessions.
	Dir    string
	Logger zerolog.Logger
}

// Store persists sessions as one JSONL file each.
type Store struct {
	dir        string
	logger     zerolog.Logger
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewStore creates the store directory if needed.
func NewStore(cfg StoreConfig) (*Store, error) {
	observability.EnsureRegistered()

	dir := cfg.Dir
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".relay", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	return &Store{
		dir:        dir,
		logger:     cfg.Logger.With().Str("component", "session_store").Logger(),
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the directory holding session files.
func (s *Store) Dir() string { return s.dir }

func validateID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(sessionID, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(sessionID, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

func (s *Store) lock(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if l, ok := s.writeLocks[sessionID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.writeLocks[sessionID] = l
	return l
}

// Save writes the whole session, replacing any previous file atomically.
func (s *Store) Save(ctx context.Context, sess *Session) (err error) {
	ctx, span := tracing.StartSpan(ctx, "relay.session", "session.save",
		attribute.String("session.id", sess.ID),
		attribute.Int("session.messages", len(sess.Messages)),
	)
	defer func() { tracing.EndSpan(span, err) }()
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if err := validateID(sess.ID); err != nil {
		return err
	}

	l := s.lock(sess.ID)
	l.Lock()
	defer l.Unlock()

	target := s.path(sess.ID)
	tempPath := target + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := writeEntries(file, sess); err != nil {
		file.Close()
		os.Remove(tempPath)
		return err
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("state", string(sess.State)).
		Int("messages", len(sess.Messages)).
		Msg("Session saved")

	return nil
}

func writeEntries(file *os.File, sess *Session) error {
	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)

	header := *sess
	header.Messages = nil
	if err := enc.Encode(entry{Type: entrySession, Session: &header}); err != nil {
		return fmt.Errorf("failed to write session header: %w", err)
	}

	for i := range sess.Messages {
		if err := enc.Encode(entry{Type: entryMessage, Message: &sess.Messages[i]}); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush session file: %w", err)
	}
	return nil
}

// Load reads a session. Corrupt lines are skipped with a warning.
func (s *Store) Load(ctx context.Context, sessionID string) (_ *Session, err error) {
	ctx, span := tracing.StartSpan(ctx, "relay.session", "session.load",
		attribute.String("session.id", sessionID),
	)
	defer func() { tracing.EndSpan(span, err) }()
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("session_id", sessionID).Logger()

	if err := validateID(sessionID); err != nil {
		return nil, err
	}

	file, err := os.Open(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	var sess *Session
	var messages []Message

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}

		switch {
		case e.Type == entrySession && e.Session != nil:
			sess = e.Session
		case e.Type == entryMessage && e.Message != nil && e.Message.Role != "":
			messages = append(messages, *e.Message)
		default:
			logger.Warn().Int("line", lineNum).Msg("Invalid entry, skipping")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	if sess == nil {
		return nil, fmt.Errorf("session %s has no header", sessionID)
	}
	sess.Messages = messages

	return sess, nil
}

// List returns summaries of all stored sessions, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Summary{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	summaries := make([]Summary, 0, len(entries))
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		sessionID := strings.TrimSuffix(de.Name(), ".jsonl")

		sess, err := s.Load(ctx, sessionID)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Skipping unreadable session")
			continue
		}

		var size int64
		if info, err := de.Info(); err == nil {
			size = info.Size()
		}

		summaries = append(summaries, Summary{
			ID:           sess.ID,
			State:        sess.State,
			Model:        sess.Model.String(),
			MessageCount: len(sess.Messages),
			Size:         size,
			UpdatedAt:    sess.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// Delete removes a stored session. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}

	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, sessionID)
	s.locksMu.Unlock()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("session_id", sessionID).Msg("Session deleted")
	return nil
}

// Prune deletes sessions whose files were last modified before now-maxAge
// and returns how many were removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		info, err := de.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := s.Delete(ctx, strings.TrimSuffix(de.Name(), ".jsonl")); err != nil {
			return removed, err
		}
		removed++
	}

	s.logger.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("Sessions pruned")
	return removed, nil
}
