package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcpfleet/mcpfleet/internal/console"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(zerolog.Nop(), db)
}

func TestUserLoginFlow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	userID, err := st.CreateUser(ctx, "alice", "s3cret", "org-a")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	user, err := st.UserForLogin(ctx, "alice")
	if err != nil {
		t.Fatalf("user for login: %v", err)
	}
	if user.ID != userID {
		t.Errorf("user id = %q, want %q", user.ID, userID)
	}
	if user.PasswordHash == "" || user.PasswordHash == "s3cret" {
		t.Error("password must be stored hashed")
	}

	if _, err := st.UserForLogin(ctx, "nobody"); !errors.Is(err, console.ErrNotFound) {
		t.Errorf("unknown user error = %v, want ErrNotFound", err)
	}

	record, err := st.ResolveUser(ctx, userID)
	if err != nil {
		t.Fatalf("resolve user: %v", err)
	}
	if record.OrganizationID != "org-a" {
		t.Errorf("organization = %q, want org-a", record.OrganizationID)
	}
}

func TestSessionLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	userID, err := st.CreateUser(ctx, "alice", "s3cret", "org-a")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	sessionID, err := st.CreateSession(ctx, userID, time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := st.UserFromSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("user from session: %v", err)
	}
	if got != userID {
		t.Errorf("user = %q, want %q", got, userID)
	}

	if err := st.DeleteSession(ctx, sessionID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := st.UserFromSession(ctx, sessionID); !errors.Is(err, console.ErrNotFound) {
		t.Errorf("deleted session error = %v, want ErrNotFound", err)
	}

	// Deleting again is not an error.
	if err := st.DeleteSession(ctx, sessionID); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestExpiredSessionsAreInvisible(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	userID, err := st.CreateUser(ctx, "alice", "s3cret", "org-a")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	expired, err := st.CreateSession(ctx, userID, -time.Minute)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	live, err := st.CreateSession(ctx, userID, time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := st.UserFromSession(ctx, expired); !errors.Is(err, console.ErrNotFound) {
		t.Errorf("expired session error = %v, want ErrNotFound", err)
	}

	n, err := st.CleanupExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned up %d sessions, want 1", n)
	}
	if _, err := st.UserFromSession(ctx, live); err != nil {
		t.Errorf("live session should survive cleanup: %v", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	userID, err := st.CreateUser(ctx, "alice", "s3cret", "org-a")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	key, keyID, err := st.CreateAPIKey(ctx, userID, "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	if len(key) < 20 {
		t.Fatalf("suspiciously short key: %q", key)
	}

	got, err := st.UserFromAPIKey(ctx, key)
	if err != nil {
		t.Fatalf("user from api key: %v", err)
	}
	if got != userID {
		t.Errorf("user = %q, want %q", got, userID)
	}

	if _, err := st.UserFromAPIKey(ctx, "mcpf_bogus"); !errors.Is(err, console.ErrNotFound) {
		t.Errorf("bogus key error = %v, want ErrNotFound", err)
	}

	if err := st.RevokeAPIKey(ctx, keyID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := st.UserFromAPIKey(ctx, key); !errors.Is(err, console.ErrNotFound) {
		t.Errorf("revoked key error = %v, want ErrNotFound", err)
	}
	if err := st.RevokeAPIKey(ctx, keyID); !errors.Is(err, console.ErrNotFound) {
		t.Errorf("double revoke error = %v, want ErrNotFound", err)
	}
}

func seedServers(t *testing.T, st *Store, ownerID string) (mine, other string) {
	t.Helper()
	ctx := context.Background()

	otherOwner, err := st.CreateUser(ctx, "bob", "pw", "org-b")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	mine, err = st.CreateServer(ctx, console.Workload{
		Name: "search", OwnerID: ownerID, OrganizationID: "org-a", ContainerID: "c-1",
	})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	other, err = st.CreateServer(ctx, console.Workload{
		Name: "fetch", OwnerID: otherOwner, OrganizationID: "org-b", ContainerID: "c-2",
	})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	return mine, other
}

func TestDirectoryScoping(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ownerID, err := st.CreateUser(ctx, "alice", "s3cret", "org-a")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	mine, other := seedServers(t, st, ownerID)

	w, err := st.FindByID(ctx, mine, ownerID, false)
	if err != nil {
		t.Fatalf("find own server: %v", err)
	}
	if w.Status != "stopped" {
		t.Errorf("default status = %q, want stopped", w.Status)
	}

	// A foreign server must look missing to a non-admin.
	if _, err := st.FindByID(ctx, other, ownerID, false); !errors.Is(err, console.ErrNotFound) {
		t.Errorf("foreign server error = %v, want ErrNotFound", err)
	}

	// Admins see everything.
	if _, err := st.FindByID(ctx, other, ownerID, true); err != nil {
		t.Errorf("admin find: %v", err)
	}

	owned, err := st.ListForIdentity(ctx, &console.Identity{UserID: ownerID})
	if err != nil {
		t.Fatalf("list owned: %v", err)
	}
	if len(owned) != 1 || owned[0].ID != mine {
		t.Errorf("owned list = %+v, want just %s", owned, mine)
	}

	all, err := st.ListForIdentity(ctx, &console.Identity{UserID: ownerID, WorkloadAdmin: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("admin list has %d servers, want 2", len(all))
	}
}

func TestUpdateStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ownerID, err := st.CreateUser(ctx, "alice", "s3cret", "org-a")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	mine, _ := seedServers(t, st, ownerID)

	w, err := st.UpdateStatus(ctx, mine, "running")
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if w.Status != "running" {
		t.Errorf("status = %q, want running", w.Status)
	}

	if _, err := st.UpdateStatus(ctx, "missing", "running"); !errors.Is(err, console.ErrNotFound) {
		t.Errorf("missing server error = %v, want ErrNotFound", err)
	}
}
