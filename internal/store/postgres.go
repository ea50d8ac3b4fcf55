package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"formdesk/api/internal/form"
	"formdesk/api/internal/util"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrUnknownField is returned for a field name outside the recognized set.
var ErrUnknownField = errors.New("unknown field")

// ErrActiveDraftExists is returned when a write would produce a second active
// draft, violating the form_entries_one_active index.
var ErrActiveDraftExists = errors.New("an active draft already exists")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const entryColumns = `id, initiated_by, product, agent_name, team_brand, ab_testing, budget,
	approved_by_bi, approved_by_digital, approved_by_operations, phone_number, approved_by_madam,
	is_complete, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (FormEntry, error) {
	entry := FormEntry{Fields: make(map[string]string, len(form.Names))}
	values := make([]string, len(form.Names))
	dest := make([]any, 0, len(form.Names)+4)
	dest = append(dest, &entry.ID)
	for i := range values {
		dest = append(dest, &values[i])
	}
	dest = append(dest, &entry.IsComplete, &entry.CreatedAt, &entry.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return FormEntry{}, err
	}
	for i, name := range form.Names {
		entry.Fields[name] = values[i]
	}
	return entry, nil
}

// CurrentEntry returns the active draft, creating an empty one when none
// exists. The insert and the lookup are race-safe: a partial unique index on
// form_entries (WHERE NOT is_complete) turns the insert into a no-op whenever
// a draft already exists, so concurrent first requests converge on one row.
func (s *PostgresStore) CurrentEntry(ctx context.Context) (FormEntry, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO form_entries (id)
		VALUES ($1)
		ON CONFLICT DO NOTHING
	`, util.NewID("ent")); err != nil {
		return FormEntry{}, fmt.Errorf("ensure active entry: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM form_entries
		WHERE NOT is_complete
		ORDER BY created_at DESC
		LIMIT 1
	`)
	entry, err := scanEntry(row)
	if err != nil {
		return FormEntry{}, fmt.Errorf("load active entry: %w", err)
	}
	entry.Updates, err = s.loadUpdates(ctx, entry.ID)
	if err != nil {
		return FormEntry{}, err
	}
	return entry, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, entryID string) (FormEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM form_entries
		WHERE id=$1
	`, entryID)
	entry, err := scanEntry(row)
	if err != nil {
		return FormEntry{}, err
	}
	entry.Updates, err = s.loadUpdates(ctx, entry.ID)
	if err != nil {
		return FormEntry{}, err
	}
	return entry, nil
}

// UpdateEntryField writes one field value and appends the attribution row in
// a single transaction, then returns the updated entry.
func (s *PostgresStore) UpdateEntryField(ctx context.Context, entryID, fieldName, value, updatedBy string) (FormEntry, error) {
	if !form.Known(fieldName) {
		return FormEntry{}, fmt.Errorf("%w: %s", ErrUnknownField, fieldName)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FormEntry{}, fmt.Errorf("begin field update: %w", err)
	}

	// fieldName is validated against the whitelist above, so it is safe to
	// splice into the statement as an identifier.
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE form_entries
		SET %s=$2, updated_at=NOW()
		WHERE id=$1
	`, fieldName), entryID, value)
	if err != nil {
		_ = tx.Rollback()
		return FormEntry{}, fmt.Errorf("update field %s: %w", fieldName, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		_ = tx.Rollback()
		return FormEntry{}, sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO field_updates (entry_id, field_name, field_value, updated_by)
		VALUES ($1, $2, $3, $4)
	`, entryID, fieldName, value, updatedBy); err != nil {
		_ = tx.Rollback()
		return FormEntry{}, fmt.Errorf("append field update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return FormEntry{}, fmt.Errorf("commit field update: %w", err)
	}

	return s.GetEntry(ctx, entryID)
}

// ResetEntry empties every field and clears the update log on the same
// identifier; the entry stays the active draft.
func (s *PostgresStore) ResetEntry(ctx context.Context, entryID string) (FormEntry, error) {
	var setParts []string
	for _, name := range form.Names {
		setParts = append(setParts, name+"=''")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FormEntry{}, fmt.Errorf("begin reset: %w", err)
	}

	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE form_entries
		SET %s, is_complete=FALSE, updated_at=NOW()
		WHERE id=$1
	`, strings.Join(setParts, ", ")), entryID)
	if err != nil {
		_ = tx.Rollback()
		return FormEntry{}, fmt.Errorf("reset entry: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		_ = tx.Rollback()
		return FormEntry{}, sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM field_updates WHERE entry_id=$1`, entryID); err != nil {
		_ = tx.Rollback()
		return FormEntry{}, fmt.Errorf("clear field updates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return FormEntry{}, fmt.Errorf("commit reset: %w", err)
	}

	return s.GetEntry(ctx, entryID)
}

func (s *PostgresStore) MarkComplete(ctx context.Context, entryID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE form_entries
		SET is_complete=TRUE, updated_at=NOW()
		WHERE id=$1 AND NOT is_complete
	`, entryID)
	if err != nil {
		return fmt.Errorf("mark complete: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListSubmittedEntries(ctx context.Context) ([]FormEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM form_entries
		WHERE is_complete
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list submitted entries: %w", err)
	}
	defer rows.Close()

	items := make([]FormEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submitted entry: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submitted entries: %w", err)
	}

	for i := range items {
		items[i].Updates, err = s.loadUpdates(ctx, items[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

// UpdateEntry applies a partial patch to any record. Patch keys must already
// be validated by the caller; isComplete is applied only when non-nil.
func (s *PostgresStore) UpdateEntry(ctx context.Context, entryID string, fields map[string]string, isComplete *bool) (FormEntry, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		if !form.Known(name) {
			return FormEntry{}, fmt.Errorf("%w: %s", ErrUnknownField, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	setParts := make([]string, 0, len(names)+2)
	args := []any{entryID}
	for _, name := range names {
		args = append(args, fields[name])
		setParts = append(setParts, fmt.Sprintf("%s=$%d", name, len(args)))
	}
	if isComplete != nil {
		args = append(args, *isComplete)
		setParts = append(setParts, fmt.Sprintf("is_complete=$%d", len(args)))
	}
	setParts = append(setParts, "updated_at=NOW()")

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE form_entries
		SET %s
		WHERE id=$1
	`, strings.Join(setParts, ", ")), args...)
	if err != nil {
		// Un-archiving collides with the partial unique index whenever an
		// active draft already occupies its slot.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return FormEntry{}, ErrActiveDraftExists
		}
		return FormEntry{}, fmt.Errorf("update entry: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return FormEntry{}, sql.ErrNoRows
	}

	return s.GetEntry(ctx, entryID)
}

// DeleteEntry removes a record permanently and returns the removed row.
// The entry's field_updates rows are removed by cascade.
func (s *PostgresStore) DeleteEntry(ctx context.Context, entryID string) (FormEntry, error) {
	entry, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return FormEntry{}, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM form_entries WHERE id=$1`, entryID); err != nil {
		return FormEntry{}, fmt.Errorf("delete entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) loadUpdates(ctx context.Context, entryID string) ([]FieldUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field_name, field_value, updated_by, updated_at
		FROM field_updates
		WHERE entry_id=$1
		ORDER BY id
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("load field updates: %w", err)
	}
	defer rows.Close()

	updates := make([]FieldUpdate, 0)
	for rows.Next() {
		var item FieldUpdate
		if err := rows.Scan(&item.FieldName, &item.FieldValue, &item.UpdatedBy, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan field update: %w", err)
		}
		updates = append(updates, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate field updates: %w", err)
	}
	return updates, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, name, tier string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_name, tier, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_hash) DO UPDATE SET user_name=EXCLUDED.user_name, tier=EXCLUDED.tier, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, name, tier, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (Principal, error) {
	var principal Principal
	err := s.db.QueryRowContext(ctx, `
		SELECT user_name, tier
		FROM refresh_sessions
		WHERE token_hash=$1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, tokenHash).Scan(&principal.Name, &principal.Tier)
	if err != nil {
		return Principal{}, err
	}
	return principal, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
