package push

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTokenMaxAge is how long a token survives without activity.
const DefaultTokenMaxAge = 30 * 24 * time.Hour

// TokenRecord is one registered push target.
type TokenRecord struct {
	Platform   string    `json:"platform"`
	Token      string    `json:"token"`
	DeviceID   string    `json:"deviceId,omitempty"`
	LastActive time.Time `json:"lastActive"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store is the persistent clientId -> token map. The on-disk format is a
// JSON array of [clientId, record] pairs, written atomically via a temp
// file. Save failures are logged and retried on the next mutation; the
// in-memory map stays authoritative in between.
type Store struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	tokens map[string]TokenRecord
	loaded bool
}

// NewStore creates a token store backed by path. The file is loaded lazily
// on first use.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:   path,
		logger: logger,
		tokens: make(map[string]TokenRecord),
	}
}

// Set stores or overwrites a client's token.
func (s *Store) Set(clientID string, rec TokenRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	now := time.Now().UTC()
	if prev, ok := s.tokens[clientID]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.LastActive.IsZero() {
		rec.LastActive = now
	}
	s.tokens[clientID] = rec
	s.save()
}

// Get returns a client's token record.
func (s *Store) Get(clientID string) (TokenRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	rec, ok := s.tokens[clientID]
	return rec, ok
}

// Delete removes a client's token.
func (s *Store) Delete(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	if _, ok := s.tokens[clientID]; !ok {
		return
	}
	delete(s.tokens, clientID)
	s.save()
}

// All returns a copy of the token map.
func (s *Store) All() map[string]TokenRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	out := make(map[string]TokenRecord, len(s.tokens))
	for id, rec := range s.tokens {
		out[id] = rec
	}
	return out
}

// Touch refreshes a client's last-active timestamp.
func (s *Store) Touch(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	rec, ok := s.tokens[clientID]
	if !ok {
		return
	}
	rec.LastActive = time.Now().UTC()
	s.tokens[clientID] = rec
	s.save()
}

// PurgeOlderThan removes tokens idle for longer than age and returns how
// many were dropped.
func (s *Store) PurgeOlderThan(age time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	cutoff := time.Now().UTC().Add(-age)
	purged := 0
	for id, rec := range s.tokens {
		if rec.LastActive.Before(cutoff) {
			delete(s.tokens, id)
			purged++
		}
	}
	if purged > 0 {
		s.save()
	}
	return purged
}

// Len returns the number of registered tokens.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return len(s.tokens)
}

func (s *Store) ensureLoaded() {
	if s.loaded {
		return
	}
	s.loaded = true

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("token store load failed", zap.String("path", s.path), zap.Error(err))
		}
		return
	}

	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		s.logger.Warn("token store parse failed", zap.String("path", s.path), zap.Error(err))
		return
	}
	for _, pair := range pairs {
		var clientID string
		var rec TokenRecord
		if err := json.Unmarshal(pair[0], &clientID); err != nil {
			continue
		}
		if err := json.Unmarshal(pair[1], &rec); err != nil {
			continue
		}
		if clientID == "" || rec.Token == "" {
			continue
		}
		s.tokens[clientID] = rec
	}
}

// save writes the map atomically. Called with mu held.
func (s *Store) save() {
	pairs := make([][2]interface{}, 0, len(s.tokens))
	for id, rec := range s.tokens {
		pairs = append(pairs, [2]interface{}{id, rec})
	}
	data, err := json.MarshalIndent(pairs, "", "  ")
	if err != nil {
		s.logger.Warn("token store encode failed", zap.Error(err))
		return
	}

	tmp := s.path + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		s.logger.Warn("token store write failed", zap.String("path", tmp), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Warn("token store rename failed", zap.String("path", s.path), zap.Error(err))
	}
}

func writeFileSync(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
