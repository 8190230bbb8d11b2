package settings

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Keys understood by the engine.
const (
	KeyMinLobbyPlayers = "min_lobby_players"
	KeyLeaderboardSize = "leaderboard_size"
	KeyCountdownFrom   = "countdown_from"
)

var ErrUnknownKey = errors.New("settings: unknown key")

// Defaults returns the values used when nothing else has been set.
func Defaults() map[string]int {
	return map[string]int{
		KeyMinLobbyPlayers: 2,
		KeyLeaderboardSize: 10,
		KeyCountdownFrom:   3,
	}
}

var minimums = map[string]int{
	KeyMinLobbyPlayers: 1,
	KeyLeaderboardSize: 1,
	KeyCountdownFrom:   0,
}

// Store is a small runtime-tunable config store. Every successful write bumps
// the version so callers can tell whether they hold a stale snapshot.
type Store struct {
	mu      sync.RWMutex
	values  map[string]int
	version uint64
}

// New creates a store seeded with Defaults.
func New() *Store {
	return &Store{values: Defaults()}
}

// Get returns the value for key.
func (s *Store) Get(key string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set validates and stores one value, returning the new version.
func (s *Store) Set(key string, value int) (uint64, error) {
	if err := validate(key, value); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.version++
	return s.version, nil
}

// Version reports how many writes the store has seen.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot copies every value together with the version it belongs to.
func (s *Store) Snapshot() (map[string]int, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, s.version
}

// MinLobbyPlayers is the joined count that starts a group quiz.
func (s *Store) MinLobbyPlayers() int {
	v, _ := s.Get(KeyMinLobbyPlayers)
	return v
}

// LeaderboardSize is how many ranked rows a group summary shows.
func (s *Store) LeaderboardSize() int {
	v, _ := s.Get(KeyLeaderboardSize)
	return v
}

// CountdownFrom is the first number of the pre-game countdown.
func (s *Store) CountdownFrom() int {
	v, _ := s.Get(KeyCountdownFrom)
	return v
}

// Load applies a YAML document of key: value pairs. The document is
// validated as a whole; nothing is applied if any entry is rejected.
func (s *Store) Load(r io.Reader) (uint64, error) {
	var doc map[string]int
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("decode settings: %w", err)
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := validate(k, doc[k]); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(doc) == 0 {
		return s.version, nil
	}
	for k, v := range doc {
		s.values[k] = v
	}
	s.version++
	return s.version, nil
}

// LoadFile applies a YAML settings file.
func (s *Store) LoadFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open settings: %w", err)
	}
	defer f.Close()
	return s.Load(f)
}

func validate(key string, value int) error {
	floor, ok := minimums[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if value < floor {
		return fmt.Errorf("settings: %s must be >= %d, got %d", key, floor, value)
	}
	return nil
}
