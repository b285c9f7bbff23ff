package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"
)

// setupTestDB is a local helper; packages outside db use testutil.SetupTestDB,
// which would be an import cycle here.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		_, _ = database.Exec(`DELETE FROM credentials WHERE username LIKE 'testuser%'`)
		_, _ = database.Exec(`DELETE FROM taglines WHERE username LIKE 'testuser%'`)
		database.Close()
	})
	return database
}

func TestConnectRejectsEmptyDSN(t *testing.T) {
	if _, err := Connect(""); err == nil {
		t.Fatal("Connect(\"\") = nil error, want error")
	}
}

func TestUpsertCredentialOverwrites(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	exp1 := time.Now().Add(1 * time.Hour).UTC()
	if err := UpsertCredential(ctx, database, "testuser_bot", "A1", "R1", exp1, "chat:read"); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}
	exp2 := time.Now().Add(2 * time.Hour).UTC()
	if err := UpsertCredential(ctx, database, "testuser_bot", "A2", "R2", exp2, "chat:read chat:edit"); err != nil {
		t.Fatalf("UpsertCredential (second): %v", err)
	}

	var count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM credentials WHERE username='testuser_bot'`).Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Errorf("credential rows = %d, want 1 (upsert must overwrite, not duplicate)", count)
	}

	_, access, refresh, _, scope, err := GetCredential(ctx, database, "testuser_bot")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if access != "A2" || refresh != "R2" {
		t.Errorf("tokens = (%s, %s), want (A2, R2)", access, refresh)
	}
	if scope != "chat:read chat:edit" {
		t.Errorf("scope = %q, want updated scope", scope)
	}
}

func TestGetCredentialAbsent(t *testing.T) {
	database := setupTestDB(t)

	username, access, _, expiresAt, _, err := GetCredential(context.Background(), database, "testuser_nobody")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if username != "" || access != "" || !expiresAt.IsZero() {
		t.Errorf("absent credential should return zero values, got (%q, %q, %v)", username, access, expiresAt)
	}
}

func TestGetCredentialCurrentByEmptyUsername(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if err := UpsertCredential(ctx, database, "testuser_current", "A1", "R1", time.Now().Add(time.Hour), ""); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}
	username, _, _, _, _, err := GetCredential(ctx, database, "")
	if err != nil {
		t.Fatalf("GetCredential(\"\"): %v", err)
	}
	if username == "" {
		t.Error("empty-username lookup should return the current credential")
	}
}

func TestUpdateCredentialPreservesRefreshToken(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if err := UpsertCredential(ctx, database, "testuser_keep", "A1", "R1", time.Now().Add(-10*time.Second), ""); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}
	newExpiry := time.Now().Add(3600 * time.Second).UTC()
	// Provider omitted a new refresh token: empty refresh must keep R1.
	if err := UpdateCredential(ctx, database, "testuser_keep", "A2", "", newExpiry); err != nil {
		t.Fatalf("UpdateCredential: %v", err)
	}

	_, access, refresh, expiresAt, _, err := GetCredential(ctx, database, "testuser_keep")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if access != "A2" {
		t.Errorf("access = %q, want A2", access)
	}
	if refresh != "R1" {
		t.Errorf("refresh = %q, want preserved R1", refresh)
	}
	if d := expiresAt.Sub(newExpiry); d > 2*time.Second || d < -2*time.Second {
		t.Errorf("expires_at = %v, want ~%v", expiresAt, newExpiry)
	}
}

func TestUpdateCredentialMissingRow(t *testing.T) {
	database := setupTestDB(t)
	err := UpdateCredential(context.Background(), database, "testuser_missing", "A1", "R1", time.Now())
	if err == nil {
		t.Error("UpdateCredential on absent row should fail")
	}
}

func TestTaglineUpsertAndGet(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if err := UpsertTagline(ctx, database, "testuser_viewer", "hello chat", 1); err != nil {
		t.Fatalf("UpsertTagline: %v", err)
	}
	if err := UpsertTagline(ctx, database, "testuser_viewer", "hello again", 2); err != nil {
		t.Fatalf("UpsertTagline (update): %v", err)
	}

	tl, err := GetTagline(ctx, database, "testuser_viewer")
	if err != nil {
		t.Fatalf("GetTagline: %v", err)
	}
	if tl == nil {
		t.Fatal("GetTagline returned nil for registered user")
	}
	if tl.Message != "hello again" || tl.Tier != 2 {
		t.Errorf("tagline = (%q, %d), want (hello again, 2)", tl.Message, tl.Tier)
	}

	missing, err := GetTagline(ctx, database, "testuser_unregistered")
	if err != nil {
		t.Fatalf("GetTagline (missing): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unregistered user, got %+v", missing)
	}
}

func TestListTaglineOwners(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if err := UpsertTagline(ctx, database, "testuser_owner1", "one", 1); err != nil {
		t.Fatalf("UpsertTagline: %v", err)
	}
	if err := UpsertTagline(ctx, database, "testuser_owner2", "two", 3); err != nil {
		t.Fatalf("UpsertTagline: %v", err)
	}

	owners, err := ListTaglineOwners(ctx, database)
	if err != nil {
		t.Fatalf("ListTaglineOwners: %v", err)
	}
	found := map[string]bool{}
	for _, o := range owners {
		found[o] = true
	}
	if !found["testuser_owner1"] || !found["testuser_owner2"] {
		t.Errorf("owners missing expected entries: %v", owners)
	}
}
