package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
)

// Entry defaults.
const (
	DefaultObjectName  = "HA-BACnetHub"
	DefaultDescription = "BACnet Hub - Home Assistant Custom Integration"
	DefaultLabel       = "BACnet"
)

// Entry is one configuration entry: a virtual BACnet device and the label
// set that selects what it publishes.
type Entry struct {
	ID          string    `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Instance    uint32    `json:"instance" yaml:"instance"`
	Address     string    `json:"address" yaml:"address"`
	ObjectName  string    `json:"object_name" yaml:"object_name"`
	Description string    `json:"description" yaml:"description"`
	Labels      []string  `json:"labels" yaml:"labels"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// Normalize fills defaults and tidies the label list.
func (e *Entry) Normalize() {
	e.Title = strings.TrimSpace(e.Title)
	e.Address = strings.TrimSpace(e.Address)
	if e.ObjectName == "" {
		e.ObjectName = DefaultObjectName
	}
	if e.Description == "" {
		e.Description = DefaultDescription
	}
	if e.Title == "" {
		e.Title = e.ObjectName
	}
	e.Labels = NormalizeLabels(e.Labels)
}

// NormalizeLabels trims, drops empties and removes case-insensitive duplicates,
// keeping first spelling and order.
func NormalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		key := strings.ToLower(l)
		if l == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, l)
	}
	return out
}

// Validate checks the device instance and bind address.
func (e *Entry) Validate() error {
	var problems []string
	if err := bacnet.ValidateInstance(int(e.Instance)); err != nil {
		problems = append(problems, err.Error())
	}
	if e.Address != "" {
		if _, err := bacnet.ParseBindAddress(e.Address); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if strings.TrimSpace(e.ObjectName) == "" {
		problems = append(problems, "object name is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, strings.Join(problems, "; "))
	}
	return nil
}

// EntryRepository persists configuration entries.
type EntryRepository interface {
	Create(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Update(ctx context.Context, e *Entry) error
	UpdateLabels(ctx context.Context, id string, labels []string) error
	Delete(ctx context.Context, id string) error
}

// SQLiteEntryRepository implements EntryRepository using SQLite.
type SQLiteEntryRepository struct {
	db *sql.DB
}

// NewSQLiteEntryRepository creates a SQLite-backed entry repository.
func NewSQLiteEntryRepository(db *sql.DB) *SQLiteEntryRepository {
	return &SQLiteEntryRepository{db: db}
}

// Create validates and inserts an entry. An empty ID is replaced with a UUID.
//
// Returns:
//   - error: ErrInvalidEntry, ErrEntryExists, or the database error
func (r *SQLiteEntryRepository) Create(ctx context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("%w: entry is required", ErrInvalidEntry)
	}
	e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	labels, err := json.Marshal(e.Labels)
	if err != nil {
		return fmt.Errorf("encoding labels: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	_, err = r.db.ExecContext(ctx, `INSERT INTO entries (
			id, title, instance, address, object_name, description, labels, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Title, e.Instance, e.Address, e.ObjectName, e.Description, string(labels),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrEntryExists
		}
		return fmt.Errorf("inserting entry: %w", err)
	}
	e.CreatedAt, e.UpdatedAt = now, now
	return nil
}

const entryColumns = `id, title, instance, address, object_name, description, labels, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                Entry
		labels           string
		created, updated string
	)
	if err := row.Scan(&e.ID, &e.Title, &e.Instance, &e.Address, &e.ObjectName, &e.Description, &labels, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labels), &e.Labels); err != nil {
		return nil, fmt.Errorf("decoding labels of %s: %w", e.ID, err)
	}
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	return &e, nil
}

// Get returns one entry.
func (r *SQLiteEntryRepository) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("querying entry: %w", err)
	}
	return e, nil
}

// List returns every entry ordered by creation time then ID.
func (r *SQLiteEntryRepository) List(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return out, nil
}

// Update replaces an entry's configuration.
func (r *SQLiteEntryRepository) Update(ctx context.Context, e *Entry) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: entry id is required", ErrInvalidEntry)
	}
	e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}
	labels, err := json.Marshal(e.Labels)
	if err != nil {
		return fmt.Errorf("encoding labels: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	res, err := r.db.ExecContext(ctx, `UPDATE entries SET
			title = ?, instance = ?, address = ?, object_name = ?, description = ?, labels = ?, updated_at = ?
		WHERE id = ?`,
		e.Title, e.Instance, e.Address, e.ObjectName, e.Description, string(labels), now.Format(time.RFC3339), e.ID,
	)
	if err != nil {
		return fmt.Errorf("updating entry: %w", err)
	}
	if err := requireRow(res, ErrEntryNotFound); err != nil {
		return err
	}
	e.UpdatedAt = now
	return nil
}

// UpdateLabels replaces only the selected label set.
func (r *SQLiteEntryRepository) UpdateLabels(ctx context.Context, id string, labels []string) error {
	encoded, err := json.Marshal(NormalizeLabels(labels))
	if err != nil {
		return fmt.Errorf("encoding labels: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE entries SET labels = ?, updated_at = ? WHERE id = ?`,
		string(encoded), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating labels: %w", err)
	}
	return requireRow(res, ErrEntryNotFound)
}

// Delete removes an entry and, by cascade, its imported entities.
func (r *SQLiteEntryRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	return requireRow(res, ErrEntryNotFound)
}

// SeedEntries inserts entries that do not exist yet. Existing IDs are left
// untouched so edits made at runtime survive restarts.
//
// Returns:
//   - int: Number of entries inserted
func SeedEntries(ctx context.Context, repo EntryRepository, entries []Entry) (int, error) {
	existing, err := repo.List(ctx)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(existing))
	for _, e := range existing {
		ids = append(ids, e.ID)
	}

	added := 0
	for i := range entries {
		e := entries[i]
		if e.ID != "" && slices.Contains(ids, e.ID) {
			continue
		}
		if err := repo.Create(ctx, &e); err != nil {
			return added, fmt.Errorf("seeding entry %q: %w", e.Title, err)
		}
		ids = append(ids, e.ID)
		added++
	}
	return added, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
