package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/remote"
)

// SQLiteImportedRepository stores imported remote points and their enabled flag.
type SQLiteImportedRepository struct {
	db *sql.DB
}

// NewSQLiteImportedRepository creates a SQLite-backed imported entity registry.
func NewSQLiteImportedRepository(db *sql.DB) *SQLiteImportedRepository {
	return &SQLiteImportedRepository{db: db}
}

var _ remote.Registry = (*SQLiteImportedRepository)(nil)

// EnsureImported inserts a disabled row for a newly seen point, or returns
// the existing row untouched apart from its display name.
//
// Parameters:
//   - entryID: Owning configuration entry
//   - e: Row to register; e.Enabled is ignored for new rows
//
// Returns:
//   - remote.ImportedEntity: The stored row, including its enabled flag
//   - error: If the entry does not exist or the database fails
func (r *SQLiteImportedRepository) EnsureImported(ctx context.Context, entryID string, e remote.ImportedEntity) (remote.ImportedEntity, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `INSERT INTO imported_entities (
			entry_id, unique_id, entity_id, platform, client_instance, object, name, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (entry_id, unique_id) DO UPDATE SET name = excluded.name`,
		entryID, e.UniqueID, e.EntityID, string(e.Platform), e.ClientInstance, e.Object.String(), e.Name, now, now,
	)
	if err != nil {
		if isForeignKeyError(err) {
			return remote.ImportedEntity{}, ErrEntryNotFound
		}
		return remote.ImportedEntity{}, fmt.Errorf("registering imported entity: %w", err)
	}
	return r.Get(ctx, entryID, e.UniqueID)
}

// SetImportedEnabled flips the enabled flag of an existing row.
func (r *SQLiteImportedRepository) SetImportedEnabled(ctx context.Context, entryID, uniqueID string, enabled bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE imported_entities SET enabled = ?, updated_at = ? WHERE entry_id = ? AND unique_id = ?`,
		boolToInt(enabled), time.Now().UTC().Format(time.RFC3339), entryID, uniqueID)
	if err != nil {
		return fmt.Errorf("updating imported entity: %w", err)
	}
	return requireRow(res, ErrImportedNotFound)
}

const importedColumns = `unique_id, entity_id, platform, client_instance, object, name, enabled`

func scanImported(row rowScanner) (remote.ImportedEntity, error) {
	var (
		e        remote.ImportedEntity
		platform string
		object   string
		enabled  int
	)
	if err := row.Scan(&e.UniqueID, &e.EntityID, &platform, &e.ClientInstance, &object, &e.Name, &enabled); err != nil {
		return remote.ImportedEntity{}, err
	}
	id, err := bacnet.ParseObjectID(object)
	if err != nil {
		return remote.ImportedEntity{}, fmt.Errorf("decoding object of %s: %w", e.UniqueID, err)
	}
	e.Object = id
	e.Platform = remote.Platform(platform)
	e.Enabled = enabled != 0
	return e, nil
}

// Get returns one imported entity row.
func (r *SQLiteImportedRepository) Get(ctx context.Context, entryID, uniqueID string) (remote.ImportedEntity, error) {
	e, err := scanImported(r.db.QueryRowContext(ctx,
		`SELECT `+importedColumns+` FROM imported_entities WHERE entry_id = ? AND unique_id = ?`,
		entryID, uniqueID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return remote.ImportedEntity{}, ErrImportedNotFound
		}
		return remote.ImportedEntity{}, fmt.Errorf("querying imported entity: %w", err)
	}
	return e, nil
}

// List returns the imported entities of an entry ordered by client then object.
func (r *SQLiteImportedRepository) List(ctx context.Context, entryID string) ([]remote.ImportedEntity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+importedColumns+` FROM imported_entities WHERE entry_id = ? ORDER BY client_instance, unique_id`,
		entryID)
	if err != nil {
		return nil, fmt.Errorf("listing imported entities: %w", err)
	}
	defer rows.Close()

	var out []remote.ImportedEntity
	for rows.Next() {
		e, err := scanImported(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning imported entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating imported entities: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
