// Package sqlite implements the gateway state store on SQLite via
// modernc.org/sqlite. It is the durable single-node alternative to the
// remote backend: TTLs are stored as absolute unix seconds, filtered
// lazily on read, and reaped by Sweep.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	gateway "github.com/wardengate/warden/internal"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements the store interfaces on SQLite.
type Store struct {
	write *sql.DB // single-writer connection
	read  *sql.DB // multi-reader pool
}

// New opens the database at path (":memory:" for ephemeral), runs
// migrations, and returns a Store.
func New(path string) (*Store, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	var dsn string
	if path == ":memory:" || path == "" {
		dsn = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		dsn = "file:" + path + "?" + pragmas
	}

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

// runMigrations applies embedded SQL migrations using goose.
// fs.Sub strips the "migrations/" prefix so goose sees files at the FS root.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

func expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).Unix()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := s.read.QueryRowContext(ctx,
		`SELECT v FROM kv WHERE k = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, time.Now().Unix(),
	).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", gateway.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite get %s: %w", key, err)
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO kv (k, v, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at`,
		key, value, expiresAt(ttl),
	)
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.write.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.read.QueryRowContext(ctx,
		`SELECT 1 FROM kv WHERE k = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, time.Now().Unix(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite exists %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	at := expiresAt(ttl)
	if _, err := s.write.ExecContext(ctx, `UPDATE kv SET expires_at = ? WHERE k = ?`, at, key); err != nil {
		return fmt.Errorf("sqlite expire %s: %w", key, err)
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO set_expiry (k, expires_at) VALUES (?, ?)
		 ON CONFLICT (k) DO UPDATE SET expires_at = excluded.expires_at`,
		key, at,
	)
	if err != nil {
		return fmt.Errorf("sqlite expire set %s: %w", key, err)
	}
	return nil
}

func (s *Store) SAdd(ctx context.Context, key, member string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO set_members (k, member) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		key, member,
	)
	if err != nil {
		return fmt.Errorf("sqlite sadd %s: %w", key, err)
	}
	return nil
}

func (s *Store) SRem(ctx context.Context, key, member string) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM set_members WHERE k = ? AND member = ?`, key, member)
	if err != nil {
		return fmt.Errorf("sqlite srem %s: %w", key, err)
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	var setExpiry int64
	err := s.read.QueryRowContext(ctx,
		`SELECT expires_at FROM set_expiry WHERE k = ?`, key).Scan(&setExpiry)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite set expiry %s: %w", key, err)
	}
	if setExpiry != 0 && setExpiry <= time.Now().Unix() {
		return nil, nil
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT member FROM set_members WHERE k = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("sqlite smembers %s: %w", key, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("sqlite smembers scan: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) BucketState(ctx context.Context, key string) (float64, float64, bool, error) {
	var tokens, lastRefill float64
	err := s.read.QueryRowContext(ctx,
		`SELECT tokens, last_refill FROM rl_buckets WHERE k = ? AND expires_at > ?`,
		key, time.Now().Unix(),
	).Scan(&tokens, &lastRefill)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("sqlite bucket %s: %w", key, err)
	}
	return tokens, lastRefill, true, nil
}

func (s *Store) SetBucketState(ctx context.Context, key string, tokens, lastRefill float64, ttl time.Duration) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO rl_buckets (k, tokens, last_refill, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (k) DO UPDATE SET tokens = excluded.tokens,
		   last_refill = excluded.last_refill, expires_at = excluded.expires_at`,
		key, tokens, lastRefill, expiresAt(ttl),
	)
	if err != nil {
		return fmt.Errorf("sqlite set bucket %s: %w", key, err)
	}
	return nil
}

func (s *Store) WindowCount(ctx context.Context, key string, windowStart int64) (int, error) {
	var count int
	err := s.read.QueryRowContext(ctx,
		`SELECT count FROM rl_windows WHERE k = ? AND window_start = ? AND expires_at > ?`,
		key, windowStart, time.Now().Unix(),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite window %s: %w", key, err)
	}
	return count, nil
}

func (s *Store) IncrWindow(ctx context.Context, key string, windowStart int64, ttl time.Duration) (int, error) {
	// Single-writer pool: the UPSERT is serialized, so the increment is
	// atomic. An expired leftover row restarts the count at 1.
	var count int
	err := s.write.QueryRowContext(ctx,
		`INSERT INTO rl_windows (k, window_start, count, expires_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT (k, window_start) DO UPDATE SET
		   count = CASE WHEN rl_windows.expires_at <= ? THEN 1 ELSE rl_windows.count + 1 END,
		   expires_at = excluded.expires_at
		 RETURNING count`,
		key, windowStart, expiresAt(ttl), time.Now().Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlite incr window %s: %w", key, err)
	}
	return count, nil
}

func (s *Store) Healthy(ctx context.Context) bool {
	return s.read.PingContext(ctx) == nil
}

// Ping verifies connectivity by pinging the read pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Sweep deletes expired rows across all tables and returns how many went.
func (s *Store) Sweep() int {
	now := time.Now().Unix()
	removed := 0
	for _, q := range []string{
		`DELETE FROM kv WHERE expires_at != 0 AND expires_at <= ?`,
		`DELETE FROM rl_buckets WHERE expires_at <= ?`,
		`DELETE FROM rl_windows WHERE expires_at <= ?`,
		`DELETE FROM set_members WHERE k IN
		   (SELECT k FROM set_expiry WHERE expires_at != 0 AND expires_at <= ?)`,
		`DELETE FROM set_expiry WHERE expires_at != 0 AND expires_at <= ?`,
	} {
		res, err := s.write.Exec(q, now)
		if err != nil {
			continue
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}
	return removed
}

// Close closes both database connections.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
