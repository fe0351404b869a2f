package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const defaultMaxEntitySize = 8 * 1024 * 1024

// SQLiteDriver stores entity bodies in a sqlite database.
type SQLiteDriver struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	maxSize    int64
}

// NewSQLiteDriver opens (or creates) the entity database at filename.
// If the file name is empty, an in-memory db is opened.
func NewSQLiteDriver(filename string, maxSize int64) *SQLiteDriver {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	if maxSize <= 0 {
		maxSize = defaultMaxEntitySize
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		expires INTEGER,
		body BLOB
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS entities_expires_idx ON entities (expires)")
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return &SQLiteDriver{
		db:         db,
		writeMutex: &sync.Mutex{},
		maxSize:    maxSize,
	}
}

func (s *SQLiteDriver) Exists(ctx context.Context, id string) (bool, error) {
	var expires int64
	err := s.db.QueryRowContext(ctx, "SELECT expires FROM entities WHERE id = ?", id).Scan(&expires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if time.Now().After(time.Unix(expires, 0)) {
		return false, nil
	}
	return true, nil
}

func (s *SQLiteDriver) Reader(ctx context.Context, id string) (io.ReadCloser, error) {
	var expires int64
	var body []byte
	err := s.db.QueryRowContext(ctx, "SELECT expires, body FROM entities WHERE id = ?", id).Scan(&expires, &body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(time.Unix(expires, 0)) {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (s *SQLiteDriver) Writer(ctx context.Context, id string, ttl time.Duration, onSuccess func(int64), onFailure func(error)) (Writer, error) {
	return &sqliteWriter{
		driver:    s,
		ctx:       ctx,
		id:        id,
		expires:   time.Now().Add(ttl),
		onSuccess: onSuccess,
		onFailure: onFailure,
	}, nil
}

func (s *SQLiteDriver) Delete(ctx context.Context, id string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id)
	return err
}

func (s *SQLiteDriver) MaxSize() int64 {
	return s.maxSize
}

// Vacuum removes expired entity rows. The worker runs it opportunistically.
func (s *SQLiteDriver) Vacuum(ctx context.Context) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entities WHERE expires < ?", time.Now().Unix())
	return err
}

func (s *SQLiteDriver) Close() error {
	return s.db.Close()
}

// sqliteWriter buffers the body and inserts the row on Close. Buffering is
// bounded by the driver's max entity size; crossing it fails the write.
type sqliteWriter struct {
	driver    *SQLiteDriver
	ctx       context.Context
	id        string
	expires   time.Time
	buf       bytes.Buffer
	failed    bool
	finished  bool
	onSuccess func(int64)
	onFailure func(error)
}

func (w *sqliteWriter) Write(p []byte) (int, error) {
	if w.failed || w.finished {
		return 0, fmt.Errorf("storage: write on finished entity %s", w.id)
	}
	if int64(w.buf.Len()+len(p)) > w.driver.maxSize {
		err := fmt.Errorf("storage: entity %s exceeds max size %d", w.id, w.driver.maxSize)
		w.fail(err)
		return 0, err
	}
	return w.buf.Write(p)
}

func (w *sqliteWriter) Close() error {
	if w.failed || w.finished {
		return nil
	}
	w.finished = true
	s := w.driver
	s.writeMutex.Lock()
	_, err := s.db.ExecContext(w.ctx, "INSERT OR REPLACE INTO entities (id, expires, body) VALUES (?, ?, ?)",
		w.id, w.expires.Unix(), w.buf.Bytes())
	s.writeMutex.Unlock()
	if err != nil {
		w.onFailure(err)
		return err
	}
	w.onSuccess(int64(w.buf.Len()))
	return nil
}

func (w *sqliteWriter) Abort(reason error) {
	if w.failed || w.finished {
		return
	}
	w.fail(reason)
}

func (w *sqliteWriter) fail(reason error) {
	w.failed = true
	w.buf.Reset()
	w.onFailure(reason)
}
