// Package db provides database connection helpers, schema migration, and the
// durable stores for bot credentials and taglines.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/tagline/crypto"
)

var (
	// encryptor guards credential columns at rest; nil when ENCRYPTION_KEY is unset.
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

func getEncryptor() (crypto.Encryptor, error) {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, credentials will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", encryptorErr), slog.String("component", "db_encryption"))
			return
		}
		encryptor = enc
		slog.Info("credential encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
	})
	if encryptorErr != nil {
		return nil, encryptorErr
	}
	return encryptor, nil
}

// Connect opens a Postgres connection using the given DSN, typically
// config.Config.DBDsn.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the embedded fallback for RunMigrations; both produce the same schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			username TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS taglines (
			username TEXT PRIMARY KEY,
			message TEXT NOT NULL,
			tier INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`ALTER TABLE credentials ADD COLUMN IF NOT EXISTS encryption_version INTEGER DEFAULT 0`,
		`ALTER TABLE credentials ADD COLUMN IF NOT EXISTS encryption_key_id TEXT`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_updated_at ON credentials(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_taglines_tier ON taglines(tier)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// UpsertCredential stores or replaces the credential for a bot identity.
// Re-authentication overwrites the existing row; it never duplicates.
// If encryption is enabled (ENCRYPTION_KEY set), tokens are encrypted before storage.
func UpsertCredential(ctx context.Context, dbx *sql.DB, username, access, refresh string, expiresAt time.Time, scope string) error {
	if username == "" {
		return fmt.Errorf("upsert credential: username empty")
	}
	accessToStore, refreshToStore, encVersion, encKeyID, err := encryptTokens(access, refresh)
	if err != nil {
		return err
	}
	q := `INSERT INTO credentials(username, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		  ON CONFLICT(username) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err = dbx.ExecContext(ctx, q, username, accessToStore, refreshToStore, expiresAt, scope, encVersion, encKeyID)
	return err
}

// UpdateCredential rewrites the token columns of an existing credential after
// a refresh. An empty refresh argument keeps the stored refresh token; a
// provider that omits a new refresh token must never discard the old one.
func UpdateCredential(ctx context.Context, dbx *sql.DB, username, access, refresh string, expiresAt time.Time) error {
	if username == "" {
		return fmt.Errorf("update credential: username empty")
	}
	if refresh == "" {
		// Keep the stored refresh token: read it back so the encrypted column
		// is rewritten consistently with the (possibly rotated) key metadata.
		_, _, storedRefresh, _, _, err := GetCredential(ctx, dbx, username)
		if err != nil {
			return err
		}
		refresh = storedRefresh
	}
	accessToStore, refreshToStore, encVersion, encKeyID, err := encryptTokens(access, refresh)
	if err != nil {
		return err
	}
	res, err := dbx.ExecContext(ctx,
		`UPDATE credentials SET access_token=$1, refresh_token=$2, expires_at=$3, encryption_version=$4, encryption_key_id=$5, updated_at=NOW() WHERE username=$6`,
		accessToStore, refreshToStore, expiresAt, encVersion, encKeyID, username)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update credential: no row for %q", username)
	}
	return nil
}

// GetCredential retrieves a stored credential; zero values when absent.
// An empty username selects the most recently updated row (single-identity
// deployments have exactly one). Tokens are decrypted transparently when
// encryption_version=1.
func GetCredential(ctx context.Context, dbx *sql.DB, username string) (storedUsername, access, refresh string, expiresAt time.Time, scope string, err error) {
	var encVersion int
	var encKeyID sql.NullString
	row := dbx.QueryRowContext(ctx,
		`SELECT username, access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0), encryption_key_id
		 FROM credentials WHERE ($1 = '' OR username = $1)
		 ORDER BY updated_at DESC LIMIT 1`, username)
	err = row.Scan(&storedUsername, &access, &refresh, &expiresAt, &scope, &encVersion, &encKeyID)
	if err == sql.ErrNoRows {
		return "", "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", "", time.Time{}, "", err
	}
	if encVersion == 1 {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return "", "", "", time.Time{}, "", fmt.Errorf("get encryptor for decryption: %w", encErr)
		}
		if enc == nil {
			return "", "", "", time.Time{}, "", fmt.Errorf("credential is encrypted but ENCRYPTION_KEY not configured")
		}
		if access, err = enc.DecryptString(access); err != nil {
			return "", "", "", time.Time{}, "", fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = enc.DecryptString(refresh); err != nil {
			return "", "", "", time.Time{}, "", fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return storedUsername, access, refresh, expiresAt, scope, nil
}

func encryptTokens(access, refresh string) (accessOut, refreshOut string, encVersion int, encKeyID string, err error) {
	enc, err := getEncryptor()
	if err != nil {
		return "", "", 0, "", fmt.Errorf("get encryptor: %w", err)
	}
	if enc == nil {
		return access, refresh, 0, "", nil
	}
	if accessOut, err = enc.EncryptString(access); err != nil {
		return "", "", 0, "", fmt.Errorf("encrypt access token: %w", err)
	}
	if refreshOut, err = enc.EncryptString(refresh); err != nil {
		return "", "", 0, "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	return accessOut, refreshOut, 1, "default", nil
}

// CredentialStoreAdapter implements twitchauth.CredentialStore over this schema.
type CredentialStoreAdapter struct{ DB *sql.DB }

func (a *CredentialStoreAdapter) GetCredential(ctx context.Context, username string) (string, string, string, time.Time, string, error) {
	return GetCredential(ctx, a.DB, username)
}

func (a *CredentialStoreAdapter) UpsertCredential(ctx context.Context, username, access, refresh string, expiresAt time.Time, scope string) error {
	return UpsertCredential(ctx, a.DB, username, access, refresh, expiresAt, scope)
}

func (a *CredentialStoreAdapter) UpdateCredential(ctx context.Context, username, access, refresh string, expiresAt time.Time) error {
	return UpdateCredential(ctx, a.DB, username, access, refresh, expiresAt)
}

// Tagline is one registered personal message.
type Tagline struct {
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Tier      int       `json:"tier"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertTagline registers or updates the caller's tagline.
func UpsertTagline(ctx context.Context, dbx *sql.DB, username, message string, tier int) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO taglines(username, message, tier, created_at, updated_at) VALUES($1,$2,$3,NOW(),NOW())
		 ON CONFLICT(username) DO UPDATE SET message=EXCLUDED.message, tier=EXCLUDED.tier, updated_at=NOW()`,
		username, message, tier)
	return err
}

// GetTagline returns the tagline for a user, or nil when none is registered.
func GetTagline(ctx context.Context, dbx *sql.DB, username string) (*Tagline, error) {
	var tl Tagline
	var updated sql.NullTime
	row := dbx.QueryRowContext(ctx, `SELECT username, message, tier, COALESCE(updated_at, created_at) FROM taglines WHERE username=$1`, username)
	if err := row.Scan(&tl.Username, &tl.Message, &tl.Tier, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if updated.Valid {
		tl.UpdatedAt = updated.Time
	}
	return &tl, nil
}

// ListTaglines returns all registered taglines, most recently updated first.
func ListTaglines(ctx context.Context, dbx *sql.DB, limit int) ([]Tagline, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := dbx.QueryContext(ctx,
		`SELECT username, message, tier, COALESCE(updated_at, created_at) FROM taglines ORDER BY COALESCE(updated_at, created_at) DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []Tagline
	for rows.Next() {
		var tl Tagline
		if err := rows.Scan(&tl.Username, &tl.Message, &tl.Tier, &tl.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, tl)
	}
	return out, rows.Err()
}

// ListTaglineOwners returns the usernames that have a registered tagline,
// used to seed the in-process membership cache at startup.
func ListTaglineOwners(ctx context.Context, dbx *sql.DB) ([]string, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT username FROM taglines`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
