// Package local persists user facts as JSON files on disk, one file per user
// plus a metadata index. Suitable for single-process deployments; the store
// serializes all file access behind one mutex.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/becomeliminal/cofounder-go/core"
)

const (
	payloadVersion = "1.0"
	metadataFile   = "users_metadata.json"
)

// Store is a file-backed fact store.
type Store struct {
	mu  sync.Mutex
	dir string
}

type payload struct {
	UserID    string         `json:"user_id"`
	Facts     map[string]any `json:"facts"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Version   string         `json:"version"`
}

// UserMetadata describes one user's memory file in the index.
type UserMetadata struct {
	MemoryFile string    `json:"memory_file"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FactCount  int       `json:"fact_count"`
}

// New creates a store rooted at dir, creating it if needed. An empty dir
// defaults to "user_memory".
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = "user_memory"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating memory directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Get returns the user's facts. Missing or corrupt files yield an empty map;
// memory loss is survivable, a failed turn is not.
func (s *Store) Get(ctx context.Context, userID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.userPath(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading memory for %s: %w", userID, err)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Printf("[MEMORY] corrupt memory file for %s, starting fresh: %v", userID, err)
		return map[string]any{}, nil
	}
	if p.Facts == nil {
		return map[string]any{}, nil
	}
	return p.Facts, nil
}

// Set replaces the user's facts and updates the metadata index.
func (s *Store) Set(ctx context.Context, userID string, facts map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	p := payload{
		UserID:    userID,
		Facts:     core.CloneFacts(facts),
		CreatedAt: now,
		UpdatedAt: now,
		Version:   payloadVersion,
	}

	// Preserve the original creation time across updates.
	if raw, err := os.ReadFile(s.userPath(userID)); err == nil {
		var prev payload
		if json.Unmarshal(raw, &prev) == nil && !prev.CreatedAt.IsZero() {
			p.CreatedAt = prev.CreatedAt
		}
	}

	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing memory for %s: %w", userID, err)
	}
	if err := os.WriteFile(s.userPath(userID), raw, 0o644); err != nil {
		return fmt.Errorf("writing memory for %s: %w", userID, err)
	}
	return s.updateMetadata(userID, p)
}

// Delete removes the user's memory file and index entry.
func (s *Store) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.userPath(userID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting memory for %s: %w", userID, err)
	}

	meta := s.readMetadata()
	delete(meta, userID)
	return s.writeMetadata(meta)
}

// ListUsers returns all user IDs present in the metadata index, sorted.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := s.readMetadata()
	users := make([]string, 0, len(meta))
	for id := range meta {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

// Stats summarizes the store for diagnostics.
func (s *Store) Stats(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := s.readMetadata()
	totalFacts := 0
	for _, m := range meta {
		totalFacts += m.FactCount
	}
	return map[string]any{
		"directory":   s.dir,
		"user_count":  len(meta),
		"total_facts": totalFacts,
	}, nil
}

func (s *Store) userPath(userID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("user_%s_memory.json", sanitize(userID)))
}

// sanitize keeps user IDs filesystem-safe: alphanumerics, dash and
// underscore survive, everything else is dropped.
func sanitize(userID string) string {
	var b strings.Builder
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Store) updateMetadata(userID string, p payload) error {
	meta := s.readMetadata()
	entry, present := meta[userID]
	if !present {
		entry.CreatedAt = p.CreatedAt
	}
	entry.MemoryFile = filepath.Base(s.userPath(userID))
	entry.UpdatedAt = p.UpdatedAt
	entry.FactCount = len(p.Facts)
	meta[userID] = entry
	return s.writeMetadata(meta)
}

func (s *Store) readMetadata() map[string]UserMetadata {
	raw, err := os.ReadFile(filepath.Join(s.dir, metadataFile))
	if err != nil {
		return map[string]UserMetadata{}
	}
	var meta map[string]UserMetadata
	if err := json.Unmarshal(raw, &meta); err != nil || meta == nil {
		log.Printf("[MEMORY] corrupt metadata index, rebuilding: %v", err)
		return map[string]UserMetadata{}
	}
	return meta
}

func (s *Store) writeMetadata(meta map[string]UserMetadata) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing metadata index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, metadataFile), raw, 0o644); err != nil {
		return fmt.Errorf("writing metadata index: %w", err)
	}
	return nil
}
