package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	gosqlite3 "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store and runs migrations.
// dsn is a file path or ":memory:".
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// One connection: an in-memory database lives per connection, and
	// SQLite serializes writers anyway
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Row Types
// =============================================================================

type resourceRow struct {
	ID          int    `db:"id"`
	ReferenceID string `db:"reference_id"`
	Name        string `db:"name"`
	Kind        string `db:"kind"`
	Driver      string `db:"driver"`
	Project     string `db:"project"`
	External    bool   `db:"external"`
	DockerID    string `db:"docker_id"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

type resourceRefRow struct {
	Resource  string `db:"resource"`
	Project   string `db:"project"`
	Service   string `db:"service"`
	CreatedAt string `db:"created_at"`
}

type serviceEventRow struct {
	ID          int    `db:"id"`
	ReferenceID string `db:"reference_id"`
	Project     string `db:"project"`
	Service     string `db:"service"`
	FromState   string `db:"from_state"`
	ToState     string `db:"to_state"`
	Attempt     int    `db:"attempt"`
	ContainerID string `db:"container_id"`
	Error       string `db:"error"`
	Timestamp   string `db:"timestamp"`
}

// =============================================================================
// SQLiteStore Operations
// =============================================================================

func (s *SQLiteStore) CreateResource(ctx context.Context, resource *domain.Resource) error {
	return createResource(ctx, s.db, resource)
}

func (s *SQLiteStore) GetResource(ctx context.Context, name string) (*domain.Resource, error) {
	return getResource(ctx, s.db, name)
}

func (s *SQLiteStore) UpdateResource(ctx context.Context, resource *domain.Resource) error {
	return updateResource(ctx, s.db, resource)
}

func (s *SQLiteStore) DeleteResource(ctx context.Context, name string) error {
	return deleteResource(ctx, s.db, name)
}

func (s *SQLiteStore) ListResources(ctx context.Context, filter ResourceFilter, opts ListOptions) ([]domain.Resource, error) {
	return listResources(ctx, s.db, filter, opts)
}

func (s *SQLiteStore) AddResourceRef(ctx context.Context, ref domain.ResourceRef) error {
	return addResourceRef(ctx, s.db, ref)
}

func (s *SQLiteStore) RemoveResourceRef(ctx context.Context, resource, project, service string) error {
	return removeResourceRef(ctx, s.db, resource, project, service)
}

func (s *SQLiteStore) RemoveServiceRefs(ctx context.Context, project, service string) error {
	return removeServiceRefs(ctx, s.db, project, service)
}

func (s *SQLiteStore) ListResourceRefs(ctx context.Context, resource string) ([]domain.ResourceRef, error) {
	return listResourceRefs(ctx, s.db, resource)
}

func (s *SQLiteStore) CountResourceRefs(ctx context.Context, resource string) (int, error) {
	return countResourceRefs(ctx, s.db, resource)
}

func (s *SQLiteStore) CreateServiceEvent(ctx context.Context, event *domain.ServiceEvent) error {
	return createServiceEvent(ctx, s.db, event)
}

func (s *SQLiteStore) ListServiceEvents(ctx context.Context, filter EventFilter, opts ListOptions) ([]domain.ServiceEvent, error) {
	return listServiceEvents(ctx, s.db, filter, opts)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateResource(ctx context.Context, resource *domain.Resource) error {
	return createResource(ctx, s.tx, resource)
}

func (s *txSQLiteStore) GetResource(ctx context.Context, name string) (*domain.Resource, error) {
	return getResource(ctx, s.tx, name)
}

func (s *txSQLiteStore) UpdateResource(ctx context.Context, resource *domain.Resource) error {
	return updateResource(ctx, s.tx, resource)
}

func (s *txSQLiteStore) DeleteResource(ctx context.Context, name string) error {
	return deleteResource(ctx, s.tx, name)
}

func (s *txSQLiteStore) ListResources(ctx context.Context, filter ResourceFilter, opts ListOptions) ([]domain.Resource, error) {
	return listResources(ctx, s.tx, filter, opts)
}

func (s *txSQLiteStore) AddResourceRef(ctx context.Context, ref domain.ResourceRef) error {
	return addResourceRef(ctx, s.tx, ref)
}

func (s *txSQLiteStore) RemoveResourceRef(ctx context.Context, resource, project, service string) error {
	return removeResourceRef(ctx, s.tx, resource, project, service)
}

func (s *txSQLiteStore) RemoveServiceRefs(ctx context.Context, project, service string) error {
	return removeServiceRefs(ctx, s.tx, project, service)
}

func (s *txSQLiteStore) ListResourceRefs(ctx context.Context, resource string) ([]domain.ResourceRef, error) {
	return listResourceRefs(ctx, s.tx, resource)
}

func (s *txSQLiteStore) CountResourceRefs(ctx context.Context, resource string) (int, error) {
	return countResourceRefs(ctx, s.tx, resource)
}

func (s *txSQLiteStore) CreateServiceEvent(ctx context.Context, event *domain.ServiceEvent) error {
	return createServiceEvent(ctx, s.tx, event)
}

func (s *txSQLiteStore) ListServiceEvents(ctx context.Context, filter EventFilter, opts ListOptions) ([]domain.ServiceEvent, error) {
	return listServiceEvents(ctx, s.tx, filter, opts)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions - Resources
// =============================================================================

func createResource(ctx context.Context, exec executor, resource *domain.Resource) error {
	query := `
		INSERT INTO resources (
			reference_id, name, kind, driver, project, external, docker_id, created_at, updated_at
		) VALUES (
			:reference_id, :name, :kind, :driver, :project, :external, :docker_id, :created_at, :updated_at
		)`

	result, err := exec.NamedExecContext(ctx, query, resourceToRow(resource))
	if err != nil {
		if isUniqueViolation(err) {
			return NewStoreError("CreateResource", "resource", resource.Name, "resource with this name already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateResource", "resource", resource.Name, err.Error(), err)
	}

	if id, err := result.LastInsertId(); err == nil {
		resource.ID = int(id)
	}
	return nil
}

func getResource(ctx context.Context, exec executor, name string) (*domain.Resource, error) {
	var row resourceRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM resources WHERE name = ?`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetResource", "resource", name, "resource not found", ErrNotFound)
		}
		return nil, NewStoreError("GetResource", "resource", name, err.Error(), err)
	}
	return rowToResource(&row), nil
}

func updateResource(ctx context.Context, exec executor, resource *domain.Resource) error {
	query := `
		UPDATE resources SET
			driver = :driver,
			project = :project,
			external = :external,
			docker_id = :docker_id,
			updated_at = :updated_at
		WHERE name = :name`

	result, err := exec.NamedExecContext(ctx, query, resourceToRow(resource))
	if err != nil {
		return NewStoreError("UpdateResource", "resource", resource.Name, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateResource", "resource", resource.Name, "resource not found", ErrNotFound)
	}
	return nil
}

func deleteResource(ctx context.Context, exec executor, name string) error {
	result, err := exec.ExecContext(ctx, `DELETE FROM resources WHERE name = ?`, name)
	if err != nil {
		return NewStoreError("DeleteResource", "resource", name, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteResource", "resource", name, "resource not found", ErrNotFound)
	}
	return nil
}

func listResources(ctx context.Context, exec executor, filter ResourceFilter, opts ListOptions) ([]domain.Resource, error) {
	opts = opts.Normalize()

	query := `SELECT * FROM resources WHERE (? = '' OR project = ?) AND (? = '' OR kind = ?) ORDER BY name LIMIT ? OFFSET ?`

	var rows []resourceRow
	err := exec.SelectContext(ctx, &rows, query,
		filter.Project, filter.Project,
		string(filter.Kind), string(filter.Kind),
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, NewStoreError("ListResources", "resource", "", err.Error(), err)
	}

	resources := make([]domain.Resource, 0, len(rows))
	for i := range rows {
		resources = append(resources, *rowToResource(&rows[i]))
	}
	return resources, nil
}

// =============================================================================
// Shared Implementation Functions - Resource References
// =============================================================================

func addResourceRef(ctx context.Context, exec executor, ref domain.ResourceRef) error {
	query := `
		INSERT INTO resource_refs (resource, project, service, created_at)
		VALUES (:resource, :project, :service, :created_at)
		ON CONFLICT (resource, project, service) DO NOTHING`

	row := resourceRefRow{
		Resource:  ref.Resource,
		Project:   ref.Project,
		Service:   ref.Service,
		CreatedAt: ref.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if isForeignKeyViolation(err) {
			return NewStoreError("AddResourceRef", "resource", ref.Resource, "resource not found", ErrForeignKey)
		}
		return NewStoreError("AddResourceRef", "resource", ref.Resource, err.Error(), err)
	}
	return nil
}

func removeResourceRef(ctx context.Context, exec executor, resource, project, service string) error {
	_, err := exec.ExecContext(ctx,
		`DELETE FROM resource_refs WHERE resource = ? AND project = ? AND service = ?`,
		resource, project, service)
	if err != nil {
		return NewStoreError("RemoveResourceRef", "resource", resource, err.Error(), err)
	}
	return nil
}

func removeServiceRefs(ctx context.Context, exec executor, project, service string) error {
	_, err := exec.ExecContext(ctx, `DELETE FROM resource_refs WHERE project = ? AND service = ?`, project, service)
	if err != nil {
		return NewStoreError("RemoveServiceRefs", "resource_ref", service, err.Error(), err)
	}
	return nil
}

func listResourceRefs(ctx context.Context, exec executor, resource string) ([]domain.ResourceRef, error) {
	var rows []resourceRefRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM resource_refs WHERE resource = ? ORDER BY project, service`, resource)
	if err != nil {
		return nil, NewStoreError("ListResourceRefs", "resource", resource, err.Error(), err)
	}

	refs := make([]domain.ResourceRef, 0, len(rows))
	for _, row := range rows {
		createdAt, _ := time.Parse(time.RFC3339Nano, row.CreatedAt)
		refs = append(refs, domain.ResourceRef{
			Resource:  row.Resource,
			Project:   row.Project,
			Service:   row.Service,
			CreatedAt: createdAt,
		})
	}
	return refs, nil
}

func countResourceRefs(ctx context.Context, exec executor, resource string) (int, error) {
	var count int
	if err := exec.GetContext(ctx, &count, `SELECT COUNT(*) FROM resource_refs WHERE resource = ?`, resource); err != nil {
		return 0, NewStoreError("CountResourceRefs", "resource", resource, err.Error(), err)
	}
	return count, nil
}

// =============================================================================
// Shared Implementation Functions - Service Events
// =============================================================================

func createServiceEvent(ctx context.Context, exec executor, event *domain.ServiceEvent) error {
	query := `
		INSERT INTO service_events (
			reference_id, project, service, from_state, to_state, attempt, container_id, error, timestamp
		) VALUES (
			:reference_id, :project, :service, :from_state, :to_state, :attempt, :container_id, :error, :timestamp
		)`

	row := serviceEventRow{
		ReferenceID: event.ReferenceID,
		Project:     event.Project,
		Service:     event.Service,
		FromState:   string(event.From),
		ToState:     string(event.To),
		Attempt:     event.Attempt,
		ContainerID: event.ContainerID,
		Error:       event.Error,
		Timestamp:   event.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if isUniqueViolation(err) {
			return NewStoreError("CreateServiceEvent", "service_event", event.ReferenceID, "event already recorded", ErrDuplicateID)
		}
		return NewStoreError("CreateServiceEvent", "service_event", event.ReferenceID, err.Error(), err)
	}

	if id, err := result.LastInsertId(); err == nil {
		event.ID = int(id)
	}
	return nil
}

func listServiceEvents(ctx context.Context, exec executor, filter EventFilter, opts ListOptions) ([]domain.ServiceEvent, error) {
	opts = opts.Normalize()

	query := `SELECT * FROM service_events WHERE (? = '' OR project = ?) AND (? = '' OR service = ?) ORDER BY id LIMIT ? OFFSET ?`

	var rows []serviceEventRow
	err := exec.SelectContext(ctx, &rows, query,
		filter.Project, filter.Project,
		filter.Service, filter.Service,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, NewStoreError("ListServiceEvents", "service_event", "", err.Error(), err)
	}

	events := make([]domain.ServiceEvent, 0, len(rows))
	for _, row := range rows {
		ts, _ := time.Parse(time.RFC3339Nano, row.Timestamp)
		events = append(events, domain.ServiceEvent{
			ID:          row.ID,
			ReferenceID: row.ReferenceID,
			Project:     row.Project,
			Service:     row.Service,
			From:        lifecycle.State(row.FromState),
			To:          lifecycle.State(row.ToState),
			Attempt:     row.Attempt,
			ContainerID: row.ContainerID,
			Error:       row.Error,
			Timestamp:   ts,
		})
	}
	return events, nil
}

// =============================================================================
// Conversion Helpers
// =============================================================================

func resourceToRow(r *domain.Resource) resourceRow {
	return resourceRow{
		ID:          r.ID,
		ReferenceID: r.ReferenceID,
		Name:        r.Name,
		Kind:        string(r.Kind),
		Driver:      r.Driver,
		Project:     r.Project,
		External:    r.External,
		DockerID:    r.DockerID,
		CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func rowToResource(row *resourceRow) *domain.Resource {
	createdAt, _ := time.Parse(time.RFC3339Nano, row.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339Nano, row.UpdatedAt)

	return &domain.Resource{
		ID:          row.ID,
		ReferenceID: row.ReferenceID,
		Name:        row.Name,
		Kind:        domain.ResourceKind(row.Kind),
		Driver:      row.Driver,
		Project:     row.Project,
		External:    row.External,
		DockerID:    row.DockerID,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
}

func isUniqueViolation(err error) bool {
	var sqliteErr gosqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == gosqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == gosqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr gosqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == gosqlite3.ErrConstraintForeignKey
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
