package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/meshsync/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added idx_documents_collection_seq
// 2 - Added meta table
const currentSchemaVersion = 2

var (
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("store: closed")

	// ErrNotFound is returned by Get when no document matches.
	ErrNotFound = errors.New("store: document not found")
)

// DocumentStore is the collaborator interface the engines are written
// against. Store and View both implement it.
type DocumentStore interface {
	Upsert(ctx context.Context, collection, id string, doc any) error
	Find(ctx context.Context, collection, id string, out any) (bool, error)
	FindAll(ctx context.Context, collection string) ([]Document, error)
	Remove(ctx context.Context, collection, id string) error
	Subscribe(collection string, fn func([]Document)) (cancel func(), err error)
	ObserveActivePeers(fn func([]ir.TransportPeer)) (cancel func(), err error)
	LocalDevice() ir.DeviceInfo
}

// Document is one stored record.
type Document struct {
	ID         string
	Collection string
	Body       json.RawMessage
	Seq        int64
	UpdatedAt  time.Time
}

// Decode unmarshals the document body into out.
func (d Document) Decode(out any) error {
	if err := json.Unmarshal(d.Body, out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", d.Collection, d.ID, err)
	}
	return nil
}

// Store provides durable document storage backed by SQLite.
// Uses WAL mode for concurrent read access.
type Store struct {
	db     *sql.DB
	device ir.DeviceInfo
	logger *slog.Logger
	now    func() time.Time

	// seq is the change counter, resumed from MAX(seq) on open.
	seq atomic.Int64

	closed atomic.Bool

	mu          sync.Mutex
	subs        map[uint64]*subscription
	nextSubID   uint64
	activePeers []ir.TransportPeer
	wg          sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithDevice sets the device the store reports as local.
func WithDevice(d ir.DeviceInfo) Option {
	return func(s *Store) { s.device = d }
}

// WithLogger sets the logger used for subscription failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithNow overrides the wall clock used for updated_at stamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times, but not
// concurrently for the same path. Use Handle for process-wide sharing.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	var maxSeq int64
	if err := db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM documents").Scan(&maxSeq); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read change seq: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
		subs:   make(map[uint64]*subscription),
	}
	s.seq.Store(maxSeq)
	for _, opt := range opts {
		opt(s)
	}

	device, err := fillDevice(db, s.device)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.device = device
	return s, nil
}

// fillDevice completes d. A missing id is taken from the meta table, or
// generated and saved there so that it is stable across restarts.
func fillDevice(db *sql.DB, d ir.DeviceInfo) (ir.DeviceInfo, error) {
	if d.ID == "" {
		err := db.QueryRow("SELECT value FROM meta WHERE key = 'device_id'").Scan(&d.ID)
		if errors.Is(err, sql.ErrNoRows) {
			d.ID = uuid.NewString()
			_, err = db.Exec("INSERT INTO meta (key, value) VALUES ('device_id', ?)", d.ID)
		}
		if err != nil {
			return d, fmt.Errorf("failed to load device id: %w", err)
		}
	}
	return withDeviceDefaults(d), nil
}

// withDeviceDefaults fills an empty name with the host name and an empty
// platform with the runtime OS.
func withDeviceDefaults(d ir.DeviceInfo) ir.DeviceInfo {
	if d.Name == "" {
		if host, err := os.Hostname(); err == nil {
			d.Name = host
		} else {
			d.Name = d.ID
		}
	}
	if d.Platform == "" {
		d.Platform = runtime.GOOS
	}
	return d
}

// Close cancels every subscription, waits for in-progress deliveries and
// closes the database connection. Closing twice is a no-op.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	for id, sub := range s.subs {
		sub.queue.Close()
		delete(s.subs, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// LocalDevice returns the device this store was opened for.
func (s *Store) LocalDevice() ir.DeviceInfo {
	return s.device
}

// Upsert writes doc as the JSON body of (collection, id), replacing any
// previous body, and notifies the collection's subscribers.
func (s *Store) Upsert(ctx context.Context, collection, id string, doc any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: marshal: %w", collection, id, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, seq, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			body = excluded.body,
			seq = excluded.seq,
			updated_at = excluded.updated_at
	`,
		collection,
		id,
		string(body),
		s.seq.Add(1),
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}

	s.notify(collection)
	return nil
}

// Get returns the document stored under (collection, id), or ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, id string) (Document, error) {
	if s.closed.Load() {
		return Document{}, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT collection, id, body, seq, updated_at
		FROM documents
		WHERE collection = ? AND id = ?
	`, collection, id)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// Find decodes the document stored under (collection, id) into out.
// It reports false, with a nil error, when the document does not exist.
func (s *Store) Find(ctx context.Context, collection, id string, out any) (bool, error) {
	doc, err := s.Get(ctx, collection, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := doc.Decode(out); err != nil {
		return false, err
	}
	return true, nil
}

// FindAll returns every document of a collection.
// Results are ordered deterministically: ORDER BY seq ASC, id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) if the collection is empty.
func (s *Store) FindAll(ctx context.Context, collection string) ([]Document, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, id, body, seq, updated_at
		FROM documents
		WHERE collection = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("find all %s: %w", collection, err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("find all %s: %w", collection, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return docs, nil
}

// Remove deletes (collection, id). Removing a missing document is a no-op
// and does not notify subscribers.
func (s *Store) Remove(ctx context.Context, collection, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("remove %s/%s: %w", collection, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.notify(collection)
	}
	return nil
}

// Subscribe registers fn for changes to collection. fn runs on its own
// goroutine: once with the current set, then after each change. Bursts of
// changes may be coalesced into a single call with the latest set.
func (s *Store) Subscribe(collection string, fn func([]Document)) (func(), error) {
	return s.subscribe(collection, func(ctx context.Context) {
		docs, err := s.FindAll(ctx, collection)
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				s.logger.Warn("subscription load failed",
					"collection", collection,
					"error", err)
			}
			return
		}
		fn(docs)
	})
}

// ObserveActivePeers registers fn for transport-level peer snapshots.
// fn receives the current snapshot once, then every published snapshot.
func (s *Store) ObserveActivePeers(fn func([]ir.TransportPeer)) (func(), error) {
	return s.subscribe(activePeersKey, func(context.Context) {
		fn(s.ActivePeers())
	})
}

// PublishActivePeers replaces the transport-level active-peer snapshot and
// notifies observers. It is the hook the transport layer feeds.
func (s *Store) PublishActivePeers(peers []ir.TransportPeer) {
	snapshot := make([]ir.TransportPeer, len(peers))
	copy(snapshot, peers)

	s.mu.Lock()
	s.activePeers = snapshot
	s.mu.Unlock()

	s.notify(activePeersKey)
}

// ActivePeers returns a copy of the latest active-peer snapshot.
func (s *Store) ActivePeers() []ir.TransportPeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ir.TransportPeer, len(s.activePeers))
	copy(out, s.activePeers)
	return out
}

// View returns a DocumentStore bound to device. See the package
// documentation for which collections are shared.
//
// View panics if device has no ID; peer-local collections are namespaced
// by it.
func (s *Store) View(device ir.DeviceInfo) *View {
	if device.ID == "" {
		panic("store: view requires a device id")
	}
	return &View{store: s, device: withDeviceDefaults(device)}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		doc       Document
		body      string
		updatedAt string
	)
	if err := row.Scan(&doc.Collection, &doc.ID, &body, &doc.Seq, &updatedAt); err != nil {
		return Document{}, err
	}
	doc.Body = json.RawMessage(body)
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		doc.UpdatedAt = t
	}
	return doc, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the per-collection seq index for databases created
// before it was part of schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_documents_collection_seq
		ON documents(collection, seq)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 adds the meta table.
func migrateToV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
