package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on a SQL database. Each key is one row holding a
// JSON payload for the structured kinds (hash, list, set, zset) or the raw
// string for plain values. All mutations run read-modify-write inside a
// transaction, which is sufficient for the per-agent write isolation the
// loop guarantees.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// SQLConfig configures the SQL backend.
type SQLConfig struct {
	// Dialect is one of "sqlite3", "postgres", "mysql".
	Dialect string
	// DSN is the driver connection string (file path for sqlite3).
	DSN string
}

const createKVTableSQL = `
CREATE TABLE IF NOT EXISTS kv_entries (
    k VARCHAR(512) NOT NULL,
    kind VARCHAR(16) NOT NULL,
    payload TEXT NOT NULL,
    expires_at BIGINT,
    PRIMARY KEY (k)
);
`

// NewSQLStore opens the database and ensures the schema exists.
func NewSQLStore(cfg SQLConfig) (*SQLStore, error) {
	switch cfg.Dialect {
	case "sqlite3", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("kv: unsupported dialect %q (supported: sqlite3, postgres, mysql)", cfg.Dialect)
	}

	db, err := sql.Open(cfg.Dialect, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("kv: failed to open database: %w", err)
	}

	if _, err := db.Exec(createKVTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv: failed to create schema: %w", err)
	}

	return &SQLStore{db: db, dialect: cfg.Dialect, now: time.Now}, nil
}

// rebind converts ?-style placeholders to $N for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type sqlRow struct {
	kind      string
	payload   string
	expiresAt int64 // unix millis; 0 = no expiry
}

func (s *SQLStore) load(ctx context.Context, tx *sql.Tx, key string) (*sqlRow, error) {
	row := tx.QueryRowContext(ctx,
		s.rebind(`SELECT kind, payload, COALESCE(expires_at, 0) FROM kv_entries WHERE k = ?`), key)

	var r sqlRow
	if err := row.Scan(&r.kind, &r.payload, &r.expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if r.expiresAt > 0 && s.now().UnixMilli() > r.expiresAt {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM kv_entries WHERE k = ?`), key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &r, nil
}

func (s *SQLStore) save(ctx context.Context, tx *sql.Tx, key string, r *sqlRow) error {
	res, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE kv_entries SET kind = ?, payload = ?, expires_at = ? WHERE k = ?`),
		r.kind, r.payload, r.expiresAt, key)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		_, err = tx.ExecContext(ctx,
			s.rebind(`INSERT INTO kv_entries (k, kind, payload, expires_at) VALUES (?, ?, ?, ?)`),
			key, r.kind, r.payload, r.expiresAt)
	}
	return err
}

// withTx runs fn inside a transaction.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixMilli()
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if r == nil || r.kind != "string" {
			return ErrNotFound
		}
		value = r.payload
		return nil
	})
	return value, err
}

func (s *SQLStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.save(ctx, tx, key, &sqlRow{kind: "string", payload: value, expiresAt: s.expiry(ttl)})
	})
}

func (s *SQLStore) Del(ctx context.Context, keys ...string) (int, error) {
	deleted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM kv_entries WHERE k = ?`), key)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil {
				deleted += int(n)
			}
		}
		return nil
	})
	return deleted, err
}

func (s *SQLStore) Exists(ctx context.Context, key string) (bool, error) {
	exists := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		exists = r != nil
		return nil
	})
	return exists, err
}

func (s *SQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Escape LIKE wildcards in the prefix.
		escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
		rows, err := tx.QueryContext(ctx,
			s.rebind(`SELECT k, COALESCE(expires_at, 0) FROM kv_entries WHERE k LIKE ? ESCAPE '\' ORDER BY k`),
			escaped+"%")
		if err != nil {
			return err
		}
		defer rows.Close()

		nowMs := s.now().UnixMilli()
		for rows.Next() {
			var k string
			var exp int64
			if err := rows.Scan(&k, &exp); err != nil {
				return err
			}
			if exp > 0 && nowMs > exp {
				continue
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	return keys, err
}

func (s *SQLStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if r == nil {
			return ErrNotFound
		}
		r.expiresAt = s.expiry(ttl)
		return s.save(ctx, tx, key, r)
	})
}

// mutate loads the JSON payload for a structured kind, applies fn, and saves
// the result. A missing row starts from the kind's zero value.
func mutate[T any](ctx context.Context, s *SQLStore, key, kind string, fn func(*T) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}

		var value T
		expiresAt := int64(0)
		if r != nil {
			if r.kind != kind {
				return fmt.Errorf("kv: key %q holds %s, not %s", key, r.kind, kind)
			}
			if err := json.Unmarshal([]byte(r.payload), &value); err != nil {
				return fmt.Errorf("kv: corrupt %s payload at %q: %w", kind, key, err)
			}
			expiresAt = r.expiresAt
		}

		if err := fn(&value); err != nil {
			return err
		}

		payload, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return s.save(ctx, tx, key, &sqlRow{kind: kind, payload: string(payload), expiresAt: expiresAt})
	})
}

// view loads the JSON payload for a structured kind without mutating it.
func view[T any](ctx context.Context, s *SQLStore, key, kind string) (T, bool, error) {
	var value T
	found := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if r == nil {
			return nil
		}
		if r.kind != kind {
			return fmt.Errorf("kv: key %q holds %s, not %s", key, r.kind, kind)
		}
		if err := json.Unmarshal([]byte(r.payload), &value); err != nil {
			return fmt.Errorf("kv: corrupt %s payload at %q: %w", kind, key, err)
		}
		found = true
		return nil
	})
	return value, found, err
}

func (s *SQLStore) HSet(ctx context.Context, key, field, value string) error {
	return mutate(ctx, s, key, "hash", func(h *map[string]string) error {
		if *h == nil {
			*h = make(map[string]string)
		}
		(*h)[field] = value
		return nil
	})
}

func (s *SQLStore) HGet(ctx context.Context, key, field string) (string, error) {
	h, found, err := view[map[string]string](ctx, s, key, "hash")
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}
	value, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *SQLStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	h, found, err := view[map[string]string](ctx, s, key, "hash")
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]string{}, nil
	}
	return h, nil
}

func (s *SQLStore) RPush(ctx context.Context, key string, values ...string) (int, error) {
	length := 0
	err := mutate(ctx, s, key, "list", func(l *[]string) error {
		*l = append(*l, values...)
		length = len(*l)
		return nil
	})
	return length, err
}

func (s *SQLStore) LRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	l, found, err := view[[]string](ctx, s, key, "list")
	if err != nil || !found {
		return nil, err
	}
	lo, hi, ok := clampRange(start, stop, len(l))
	if !ok {
		return nil, nil
	}
	return l[lo : hi+1], nil
}

func (s *SQLStore) LTrim(ctx context.Context, key string, start, stop int) error {
	return mutate(ctx, s, key, "list", func(l *[]string) error {
		lo, hi, ok := clampRange(start, stop, len(*l))
		if !ok {
			*l = nil
			return nil
		}
		*l = append([]string(nil), (*l)[lo:hi+1]...)
		return nil
	})
}

func (s *SQLStore) LLen(ctx context.Context, key string) (int, error) {
	l, _, err := view[[]string](ctx, s, key, "list")
	return len(l), err
}

func (s *SQLStore) SAdd(ctx context.Context, key string, members ...string) (int, error) {
	added := 0
	err := mutate(ctx, s, key, "set", func(m *map[string]bool) error {
		if *m == nil {
			*m = make(map[string]bool)
		}
		for _, member := range members {
			if !(*m)[member] {
				(*m)[member] = true
				added++
			}
		}
		return nil
	})
	return added, err
}

func (s *SQLStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m, found, err := view[map[string]bool](ctx, s, key, "set")
	if err != nil || !found {
		return nil, err
	}
	members := make([]string, 0, len(m))
	for member := range m {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (s *SQLStore) SCard(ctx context.Context, key string) (int, error) {
	m, _, err := view[map[string]bool](ctx, s, key, "set")
	return len(m), err
}

func (s *SQLStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	return mutate(ctx, s, key, "zset", func(z *map[string]float64) error {
		if *z == nil {
			*z = make(map[string]float64)
		}
		(*z)[member] = score
		return nil
	})
}

func (s *SQLStore) ZRevRange(ctx context.Context, key string, start, stop int) ([]ZMember, error) {
	z, found, err := view[map[string]float64](ctx, s, key, "zset")
	if err != nil || !found {
		return nil, err
	}
	members := make([]ZMember, 0, len(z))
	for member, score := range z {
		members = append(members, ZMember{Member: member, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score > members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	lo, hi, ok := clampRange(start, stop, len(members))
	if !ok {
		return nil, nil
	}
	return members[lo : hi+1], nil
}

func (s *SQLStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	var result int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		current := int64(0)
		expiresAt := int64(0)
		if r != nil {
			if r.kind != "string" {
				return fmt.Errorf("kv: key %q holds %s, not string", key, r.kind)
			}
			current, err = strconv.ParseInt(r.payload, 10, 64)
			if err != nil {
				return fmt.Errorf("kv: value at %q is not an integer: %w", key, err)
			}
			expiresAt = r.expiresAt
		}
		result = current + delta
		return s.save(ctx, tx, key, &sqlRow{
			kind:      "string",
			payload:   strconv.FormatInt(result, 10),
			expiresAt: expiresAt,
		})
	})
	return result, err
}

func (s *SQLStore) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	var result float64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		current := 0.0
		expiresAt := int64(0)
		if r != nil {
			if r.kind != "string" {
				return fmt.Errorf("kv: key %q holds %s, not string", key, r.kind)
			}
			current, err = strconv.ParseFloat(r.payload, 64)
			if err != nil {
				return fmt.Errorf("kv: value at %q is not a float: %w", key, err)
			}
			expiresAt = r.expiresAt
		}
		result = current + delta
		return s.save(ctx, tx, key, &sqlRow{
			kind:      "string",
			payload:   strconv.FormatFloat(result, 'f', -1, 64),
			expiresAt: expiresAt,
		})
	})
	return result, err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
