// Package sqlitestore implements the store contracts on SQLite via
// modernc.org/sqlite. The consume operations rely on a row-count guarded
// UPDATE as the atomic check-and-set: of N racing redeemers of the same
// code, exactly one observes RowsAffected == 1.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/engagekit/mcp-server/store"
)

// Store implements store.TokenStore, store.IdentityStore,
// store.ActivityLedger, and store.PostSource on a SQLite database.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

var (
	_ store.TokenStore     = (*Store)(nil)
	_ store.IdentityStore  = (*Store)(nil)
	_ store.ActivityLedger = (*Store)(nil)
	_ store.PostSource     = (*Store)(nil)
)

// Open creates (or opens) the database at path and bootstraps the schema.
// Parent directories are created if needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "sqlitestore"))

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps readers from blocking the consume updates.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db, log: logger, now: time.Now}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		connection_token TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS oauth_tokens (
		access_token TEXT PRIMARY KEY,
		refresh_token TEXT UNIQUE,
		kind TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		client_name TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL DEFAULT '',
		code_challenge TEXT NOT NULL DEFAULT '',
		code_challenge_method TEXT NOT NULL DEFAULT '',
		expires_at TEXT NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_oauth_tokens_expiry ON oauth_tokens(expires_at);

	CREATE TABLE IF NOT EXISTS activity_log (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		action TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount INTEGER NOT NULL DEFAULT 0,
		balance INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		content TEXT NOT NULL,
		media_type TEXT NOT NULL DEFAULT '',
		impressions INTEGER NOT NULL DEFAULT 0,
		likes INTEGER NOT NULL DEFAULT 0,
		comments INTEGER NOT NULL DEFAULT 0,
		shares INTEGER NOT NULL DEFAULT 0,
		posted_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_posts_member ON posts(organization_id, member_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- TokenStore ---

func (s *Store) CreateToken(ctx context.Context, rec *store.TokenRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (
			access_token, refresh_token, kind, owner_id, client_id, client_name,
			scope, code_challenge, code_challenge_method, expires_at, revoked, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AccessToken,
		nullString(rec.RefreshToken),
		string(rec.Kind),
		rec.OwnerID,
		rec.ClientID,
		rec.ClientName,
		rec.Scope,
		rec.CodeChallenge,
		rec.CodeChallengeMethod,
		rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
		boolToInt(rec.Revoked),
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateToken
		}
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

func (s *Store) FindValidToken(ctx context.Context, accessToken string) (*store.TokenRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, kind, owner_id, client_id, client_name,
		       scope, code_challenge, code_challenge_method, expires_at, revoked, created_at
		FROM oauth_tokens
		WHERE access_token = ? AND kind = ? AND revoked = 0 AND expires_at > ?`,
		accessToken, string(store.KindBearer), s.now().UTC().Format(time.RFC3339Nano),
	)
	return scanToken(row)
}

func (s *Store) FindAuthorizationCode(ctx context.Context, code string) (*store.TokenRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, kind, owner_id, client_id, client_name,
		       scope, code_challenge, code_challenge_method, expires_at, revoked, created_at
		FROM oauth_tokens
		WHERE access_token = ? AND kind = ? AND revoked = 0 AND expires_at > ?`,
		code, string(store.KindAuthorizationCode), s.now().UTC().Format(time.RFC3339Nano),
	)
	return scanToken(row)
}

func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*store.TokenRecord, error) {
	return s.consume(ctx, "access_token", code, store.KindAuthorizationCode)
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, refreshToken string) (*store.TokenRecord, error) {
	return s.consume(ctx, "refresh_token", refreshToken, store.KindBearer)
}

// consume performs the atomic one-winner revocation. The WHERE clause
// requires revoked = 0, so a second racer's UPDATE matches zero rows.
func (s *Store) consume(ctx context.Context, column, token string, kind store.TokenKind) (*store.TokenRecord, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE oauth_tokens SET revoked = 1
			WHERE %s = ? AND kind = ? AND revoked = 0 AND expires_at > ?`, column),
		token, string(kind), s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("consuming token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consuming token: %w", err)
	}
	if n != 1 {
		return nil, store.ErrTokenNotFound
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT access_token, refresh_token, kind, owner_id, client_id, client_name,
		       scope, code_challenge, code_challenge_method, expires_at, revoked, created_at
		FROM oauth_tokens WHERE %s = ?`, column), token)
	return scanToken(row)
}

func (s *Store) RevokeToken(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_tokens SET revoked = 1
		 WHERE (access_token = ? OR refresh_token = ?) AND revoked = 0`,
		token, token,
	)
	if err != nil {
		return false, fmt.Errorf("revoking token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoking token: %w", err)
	}
	return n > 0, nil
}

func scanToken(row *sql.Row) (*store.TokenRecord, error) {
	var rec store.TokenRecord
	var kind string
	var refresh sql.NullString
	var expiresAt, createdAt string
	var revoked int
	err := row.Scan(
		&rec.AccessToken, &refresh, &kind, &rec.OwnerID, &rec.ClientID, &rec.ClientName,
		&rec.Scope, &rec.CodeChallenge, &rec.CodeChallengeMethod, &expiresAt, &revoked, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning token: %w", err)
	}
	rec.RefreshToken = refresh.String
	rec.Kind = store.TokenKind(kind)
	rec.Revoked = revoked != 0
	if rec.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parsing token expiry: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing token creation time: %w", err)
	}
	return &rec, nil
}

// --- IdentityStore ---

func (s *Store) FindByConnectionToken(ctx context.Context, connectionToken string) (*store.Identity, error) {
	var ident store.Identity
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, organization_id, connection_token
		FROM members WHERE connection_token = ?`, connectionToken,
	).Scan(&ident.ID, &ident.Email, &ident.OrganizationID, &ident.ConnectionToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up connection token: %w", err)
	}
	return &ident, nil
}

// AddIdentity inserts a member record. Used by provisioning and tests.
func (s *Store) AddIdentity(ctx context.Context, ident store.Identity) error {
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, email, organization_id, connection_token)
		VALUES (?, ?, ?, ?)`,
		ident.ID, ident.Email, ident.OrganizationID, ident.ConnectionToken,
	)
	if err != nil {
		return fmt.Errorf("inserting member: %w", err)
	}
	return nil
}

// --- ActivityLedger ---

func (s *Store) LogActivity(ctx context.Context, organizationID, action string, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding activity metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, organization_id, action, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), organizationID, action, string(meta), s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting activity: %w", err)
	}
	return nil
}

func (s *Store) RecordTransaction(ctx context.Context, organizationID string, tx store.Transaction) error {
	meta, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("encoding transaction metadata: %w", err)
	}
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, organization_id, type, amount, balance, description, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), organizationID, tx.Type, tx.Amount, tx.Balance, tx.Description,
		string(meta), createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

// --- PostSource ---

func (s *Store) HighEngagementPosts(ctx context.Context, organizationID, memberID string, limit int) ([]store.Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, member_id, organization_id, content, media_type, impressions, likes, comments, shares, posted_at
		FROM posts WHERE organization_id = ? AND member_id = ?
		ORDER BY likes + comments DESC LIMIT ?`,
		organizationID, memberID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying posts: %w", err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

func (s *Store) PostsByMember(ctx context.Context, organizationID, memberID string) ([]store.Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, member_id, organization_id, content, media_type, impressions, likes, comments, shares, posted_at
		FROM posts WHERE organization_id = ? AND member_id = ?
		ORDER BY posted_at DESC`,
		organizationID, memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying posts: %w", err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// AddPost inserts a post record. Used by sync jobs and tests.
func (s *Store) AddPost(ctx context.Context, p store.Post) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (id, member_id, organization_id, content, media_type, impressions, likes, comments, shares, posted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.MemberID, p.OrganizationID, p.Content, p.MediaType,
		p.Impressions, p.Likes, p.Comments, p.Shares, p.PostedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting post: %w", err)
	}
	return nil
}

func scanPosts(rows *sql.Rows) ([]store.Post, error) {
	var out []store.Post
	for rows.Next() {
		var p store.Post
		var postedAt string
		if err := rows.Scan(&p.ID, &p.MemberID, &p.OrganizationID, &p.Content, &p.MediaType,
			&p.Impressions, &p.Likes, &p.Comments, &p.Shares, &postedAt); err != nil {
			return nil, fmt.Errorf("scanning post: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, postedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing post time: %w", err)
		}
		p.PostedAt = t
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
