package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrProfileNotFound is returned by Load for an unknown player.
	ErrProfileNotFound = errors.New("memory: profile not found")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("memory: store closed")
	// ErrNoUser is returned when a profile has no user id.
	ErrNoUser = errors.New("memory: user id is required")
)

// Store reads and writes player profiles.
type Store interface {
	Load(ctx context.Context, userID string) (Profile, error)
	Save(ctx context.Context, p Profile) error
	Ping(ctx context.Context) error
	Close() error
}

// LoadOrNew loads the profile for userID, returning an empty one if none
// is stored yet.
func LoadOrNew(ctx context.Context, s Store, userID string) (Profile, error) {
	p, err := s.Load(ctx, userID)
	if errors.Is(err, ErrProfileNotFound) {
		return NewProfile(userID), nil
	}
	return p, err
}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of "memory", "sqlite", "redis" or "firestore".
	Backend string

	SQLitePath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	FirestoreProject     string
	FirestoreCollection  string
	FirestoreCredentials string
}

// Open creates the configured backend. An empty backend means "memory".
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "redis":
		return NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	case "firestore":
		return NewFirestoreStore(ctx, cfg.FirestoreProject, cfg.FirestoreCollection, cfg.FirestoreCredentials)
	default:
		return nil, fmt.Errorf("memory: unknown backend %q", cfg.Backend)
	}
}

// MemoryStore keeps profiles in process.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	closed   bool
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]Profile)}
}

func (m *MemoryStore) Load(_ context.Context, userID string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Profile{}, ErrStoreClosed
	}
	p, ok := m.profiles[userID]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) Save(_ context.Context, p Profile) error {
	if p.UserID == "" {
		return ErrNoUser
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.profiles[p.UserID] = clone(p)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func clone(p Profile) Profile {
	if p.Outcomes != nil {
		out := make(map[string]int, len(p.Outcomes))
		for k, v := range p.Outcomes {
			out[k] = v
		}
		p.Outcomes = out
	}
	return p
}
