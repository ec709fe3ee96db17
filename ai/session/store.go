package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Store defaults.
const (
	DefaultMaxTurns        = 10
	DefaultMaxEntities     = 32
	DefaultTTL             = 30 * time.Minute
	DefaultCleanupInterval = time.Minute
)

// ErrEmptySessionID is returned when a session id is missing.
var ErrEmptySessionID = errors.New("session id is required")

// Config configures a Store.
type Config struct {
	MaxTurns        int           // Turns kept per session (default: 10)
	MaxEntities     int           // Entities kept per session (default: 32)
	TTL             time.Duration // Idle time before a session expires (default: 30m)
	CleanupInterval time.Duration // Expiry sweep interval (default: 1m, <0 disables the loop)
	Logger          *slog.Logger
}

// Store owns session contexts and expires idle ones.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Context
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	done     chan struct{}
	once     sync.Once
}

// NewStore creates a session store and starts the expiry loop.
func NewStore(cfg Config) *Store {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.MaxEntities <= 0 {
		cfg.MaxEntities = DefaultMaxEntities
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		sessions: make(map[string]*Context),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// Acquire returns the session context for id, creating it if needed, and
// holds the session's turn lock until release is called. Requests within the
// same session are serialized; different sessions never block each other.
func (s *Store) Acquire(ctx context.Context, id string) (*Context, func(), error) {
	if id == "" {
		return nil, nil, ErrEmptySessionID
	}

	for {
		sess := s.getOrCreate(id)

		select {
		case sess.turn <- struct{}{}:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}

		// The sweeper may have dropped this context while we waited.
		s.mu.Lock()
		current := s.sessions[id]
		s.mu.Unlock()
		if current != sess {
			<-sess.turn
			continue
		}

		var once sync.Once
		release := func() {
			once.Do(func() { <-sess.turn })
		}
		return sess, release, nil
	}
}

// Get returns an existing session without locking its turn.
func (s *Store) Get(id string) (*Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Reset clears the session's state after any in-flight request has released
// its turn. Returns false if the session did not exist.
func (s *Store) Reset(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	select {
	case sess.turn <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-sess.turn }()

	sess.Reset()
	s.logger.Debug("session reset", "session_id", id)
	return true, nil
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops the expiry loop.
func (s *Store) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Store) getOrCreate(id string) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	sess := newContext(id, s.cfg.MaxTurns, s.cfg.MaxEntities, s.clock)
	s.sessions[id] = sess
	return sess
}

// clock reads s.now on every call so a swapped clock reaches live sessions.
func (s *Store) clock() time.Time {
	return s.now()
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expireIdle()
		case <-s.done:
			return
		}
	}
}

// expireIdle drops sessions idle longer than the TTL. Sessions with a request
// in flight are skipped.
func (s *Store) expireIdle() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expired := 0
	for id, sess := range s.sessions {
		idle := now.Sub(sess.LastActive())
		if idle <= s.cfg.TTL {
			continue
		}
		select {
		case sess.turn <- struct{}{}:
		default:
			continue
		}
		delete(s.sessions, id)
		<-sess.turn
		expired++
		s.logger.Debug("session expired",
			"session_id", id,
			"idle_duration", idle,
			"ttl", s.cfg.TTL)
	}
	return expired
}
