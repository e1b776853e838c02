// Package session manages browser login sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/irc-web-bridge/backend/internal/model"
	"github.com/irc-web-bridge/backend/internal/repository"
)

const (
	// DefaultTTL is how long a login stays valid.
	DefaultTTL = 24 * time.Hour

	// DefaultMaxSessionsPerUser caps concurrent logins per user.
	DefaultMaxSessionsPerUser = 10
)

// ErrTooManySessions is returned when a user already holds the maximum
// number of live logins.
var ErrTooManySessions = errors.New("maximum login sessions reached")

// Config holds configuration for the session manager.
type Config struct {
	TTL                time.Duration
	MaxSessionsPerUser int
	// Users maps user names to bcrypt password hashes.
	Users  map[string]string
	Now    func() time.Time
	Logger *slog.Logger
}

// Manager creates and resolves login sessions. Resolved sessions are cached
// in memory; the repository is the source of truth.
type Manager struct {
	repo   *repository.LoginSessionRepository
	users  map[string]string
	ttl    time.Duration
	max    int
	now    func() time.Time
	logger *slog.Logger

	dummyOnce sync.Once
	dummyHash []byte

	mu       sync.RWMutex
	sessions map[string]*model.LoginSession
}

// NewManager creates a new session manager.
func NewManager(repo *repository.LoginSessionRepository, config Config) *Manager {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.MaxSessionsPerUser <= 0 {
		config.MaxSessionsPerUser = DefaultMaxSessionsPerUser
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	users := make(map[string]string, len(config.Users))
	for name, hash := range config.Users {
		users[name] = hash
	}

	return &Manager{
		repo:     repo,
		users:    users,
		ttl:      config.TTL,
		max:      config.MaxSessionsPerUser,
		now:      config.Now,
		logger:   config.Logger.With("component", "session"),
		sessions: make(map[string]*model.LoginSession),
	}
}

// HashPassword returns the bcrypt hash to put in the users table.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Login checks the credentials and opens a new session.
func (m *Manager) Login(ctx context.Context, req *model.LoginRequest) (*model.LoginSession, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	hash, known := m.users[req.Username]
	if !known {
		// Spend the same bcrypt time as for a known user.
		_ = bcrypt.CompareHashAndPassword(m.dummy(), []byte(req.Password))
		m.logger.Warn("login failed", "user", req.Username, "remote_addr", req.RemoteAddr, "reason", "unknown user")
		return nil, model.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		m.logger.Warn("login failed", "user", req.Username, "remote_addr", req.RemoteAddr, "reason", "bad password")
		return nil, model.ErrInvalidCredentials
	}

	now := m.now()
	active, err := m.repo.ListByUser(ctx, req.Username, now)
	if err != nil {
		return nil, fmt.Errorf("failed to count login sessions: %w", err)
	}
	if len(active) >= m.max {
		return nil, fmt.Errorf("%w (%d) for user %s", ErrTooManySessions, m.max, req.Username)
	}

	s := &model.LoginSession{
		ID:         uuid.New().String(),
		Username:   req.Username,
		RemoteAddr: req.RemoteAddr,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if err := m.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to persist login session: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("login", "user", s.Username, "remote_addr", s.RemoteAddr, "expires_at", s.ExpiresAt)
	return s, nil
}

// Get resolves a live session. Missing and expired sessions both report
// model.ErrSessionNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*model.LoginSession, error) {
	if id == "" {
		return nil, model.ErrSessionNotFound
	}

	m.mu.RLock()
	s, cached := m.sessions[id]
	m.mu.RUnlock()

	if !cached {
		var err error
		s, err = m.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	if s.Expired(m.now()) {
		m.forget(id)
		return nil, model.ErrSessionNotFound
	}

	if !cached {
		m.mu.Lock()
		m.sessions[id] = s
		m.mu.Unlock()
	}
	return s, nil
}

// Logout ends a session.
func (m *Manager) Logout(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("logout", "session", id)
	return nil
}

// PruneExpired deletes every expired session and returns how many went.
func (m *Manager) PruneExpired(ctx context.Context) (int64, error) {
	now := m.now()

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	return m.repo.DeleteExpired(ctx, now)
}

// RunPruner calls PruneExpired every interval until ctx is done.
func (m *Manager) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.PruneExpired(ctx)
			if err != nil {
				m.logger.Warn("prune expired sessions failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Info("pruned expired sessions", "count", n)
			}
		}
	}
}

// ActiveCount returns the number of live sessions for a user.
func (m *Manager) ActiveCount(ctx context.Context, username string) (int, error) {
	active, err := m.repo.ListByUser(ctx, username, m.now())
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	if err := m.repo.Delete(context.Background(), id); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		m.logger.Warn("failed to delete expired session", "session", id, "error", err)
	}
}

func (m *Manager) dummy() []byte {
	m.dummyOnce.Do(func() {
		m.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	})
	return m.dummyHash
}
