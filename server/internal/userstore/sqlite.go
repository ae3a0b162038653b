package userstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"follow-export/server/internal/model"
)

// openDB 是包级变量，便于测试注入。
var openDB = sql.Open

// SQLiteStore 是持久化的用户存储：一张以 rest_id 为主键的表，外加 screen_name 非唯一索引。
type SQLiteStore struct {
	db *sql.DB
	// rev 单调递增，用于 handle 冲突时“后写者胜”。
	rev atomic.Int64
}

// OpenSQLite 打开（必要时创建）数据库文件并完成建表。
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("userstore: sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("userstore: create data dir: %w", err)
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("userstore: open database: %w", err)
	}
	// 单连接：写事务天然串行，也避免 :memory: 之类的多连接分裂。
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("userstore: pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("userstore: migration: %w", err)
	}
	return s, nil
}

// SQLiteOpener 返回一个打开 path 的 Opener。
func SQLiteOpener(path string) Opener {
	return func(ctx context.Context) (Store, error) {
		return OpenSQLite(ctx, path)
	}
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}
	if version > SchemaVersion {
		return fmt.Errorf("unsupported schema version %d", version)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS users (
			rest_id     TEXT    PRIMARY KEY,
			screen_name TEXT,
			record      TEXT    NOT NULL,
			rev         INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_screen_name ON users(screen_name);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	if version == 0 {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, SchemaVersion)); err != nil {
			return err
		}
	}

	var maxRev sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(rev) FROM users`).Scan(&maxRev); err != nil {
		return err
	}
	s.rev.Store(maxRev.Int64)
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, users []model.PersistedUser) error {
	if err := validate(users); err != nil {
		return err
	}
	if len(users) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO users (rest_id, screen_name, record, rev)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(rest_id) DO UPDATE SET
			screen_name = excluded.screen_name,
			record      = excluded.record,
			rev         = excluded.rev
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, u := range users {
		record, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encode user %s: %w", u.RestID, err)
		}
		if _, err := stmt.ExecContext(ctx, u.RestID, nullable(u.Handle), string(record), s.rev.Add(1)); err != nil {
			return fmt.Errorf("upsert user %s: %w", u.RestID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LookupByHandle(ctx context.Context, handle string) (*model.PersistedUser, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record FROM users WHERE screen_name = ? ORDER BY rev DESC LIMIT 1`, handle)
	return scanUser(row)
}

func (s *SQLiteStore) Get(ctx context.Context, restID string) (*model.PersistedUser, error) {
	row := s.db.QueryRowContext(ctx, `SELECT record FROM users WHERE rest_id = ?`, restID)
	return scanUser(row)
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanUser(row *sql.Row) (*model.PersistedUser, error) {
	var record string
	if err := row.Scan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var u model.PersistedUser
	if err := json.Unmarshal([]byte(record), &u); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &u, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
