package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/irc-web-bridge/backend/internal/db"
	"github.com/irc-web-bridge/backend/internal/model"
)

func newTestRepo(t *testing.T) *LoginSessionRepository {
	t.Helper()
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })
	return NewLoginSessionRepository(testDB)
}

func newLoginSession(username string, created time.Time, ttl time.Duration) *model.LoginSession {
	return &model.LoginSession{
		ID:         uuid.NewString(),
		Username:   username,
		RemoteAddr: "192.0.2.1:5000",
		CreatedAt:  created,
		ExpiresAt:  created.Add(ttl),
	}
}

// **Feature: login-sessions, Property 1: persisted sessions read back intact**
// Any created session can be read back by ID with the same user, address and
// millisecond-precision timestamps.
func TestProperty_CreateThenGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	nonEmpty := gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 && len(s) <= 64 })

	properties.Property("created session can be retrieved", prop.ForAll(
		func(username string, createdMs int64, ttlMs int64) bool {
			created := time.UnixMilli(createdMs)
			s := newLoginSession(username, created, time.Duration(ttlMs)*time.Millisecond)
			if err := repo.Create(ctx, s); err != nil {
				t.Logf("create failed: %v", err)
				return false
			}
			got, err := repo.GetByID(ctx, s.ID)
			if err != nil {
				t.Logf("get failed: %v", err)
				return false
			}
			return got.ID == s.ID &&
				got.Username == s.Username &&
				got.RemoteAddr == s.RemoteAddr &&
				got.CreatedAt.Equal(s.CreatedAt) &&
				got.ExpiresAt.Equal(s.ExpiresAt)
		},
		nonEmpty,
		gen.Int64Range(0, 4_000_000_000_000),
		gen.Int64Range(1, 30*24*3600*1000),
	))

	properties.TestingRun(t)
}

func TestGetByIDNotFound(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	s := newLoginSession("alice", time.Now(), time.Hour)
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := repo.Delete(ctx, s.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Delete(ctx, s.ID); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound on second delete, got %v", err)
	}
	if _, err := repo.GetByID(ctx, s.ID); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestCreateDuplicateID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	s := newLoginSession("alice", time.Now(), time.Hour)
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Create(ctx, s); err == nil {
		t.Error("expected error for duplicate id")
	}
}

func TestDeleteExpiredAndList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	expired := newLoginSession("alice", now.Add(-2*time.Hour), time.Hour)
	boundary := newLoginSession("alice", now.Add(-time.Hour), time.Hour)
	live := newLoginSession("alice", now.Add(-time.Minute), time.Hour)
	other := newLoginSession("bob", now, time.Hour)
	for _, s := range []*model.LoginSession{expired, boundary, live, other} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	listed, err := repo.ListByUser(ctx, "alice", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != live.ID {
		t.Errorf("expected only the live session listed, got %d", len(listed))
	}

	n, err := repo.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 expired sessions removed, got %d", n)
	}
	for _, s := range []*model.LoginSession{live, other} {
		if _, err := repo.GetByID(ctx, s.ID); err != nil {
			t.Errorf("expected %s to survive, got %v", s.Username, err)
		}
	}
}
