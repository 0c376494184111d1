package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"projective/pkg/contract"
)

//go:embed schema.sql
var schemaSQL string

// SQLite: 基于 go-sqlite3 的持久化存储。位置顺序为插入顺序（seq 升序）。
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite 打开（或创建）数据库，启用 WAL 并初始化 schema。
func OpenSQLite(path string, clk func() time.Time) (*SQLite, error) {
	if clk == nil {
		clk = time.Now
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// 单连接：写入串行化，且 :memory: 库在连接间不共享
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLite{db: db, now: clk}, nil
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Count(ctx context.Context, c contract.CollectionID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE kind = ? AND collection = ?`,
		string(c.Kind), c.ID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", c, err)
	}
	return n, nil
}

const selectCols = `id, COALESCE(client_id, ''), body, sender_id, sender_name, sender_avatar, created_at, attachments`

func (s *SQLite) Range(ctx context.Context, c contract.CollectionID, start, limit int) ([]contract.Message, error) {
	if start < 0 {
		start = 0
	}
	if limit <= 0 {
		return []contract.Message{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectCols+` FROM messages WHERE kind = ? AND collection = ?
		 ORDER BY seq LIMIT ? OFFSET ?`,
		string(c.Kind), c.ID, limit, start)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", c, err)
	}
	defer rows.Close()
	out := make([]contract.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("range %s: %w", c, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(r scanner) (contract.Message, error) {
	var (
		m       contract.Message
		created int64
		atts    string
	)
	if err := r.Scan(&m.ID, &m.ClientID, &m.Text, &m.Sender.ID, &m.Sender.Name, &m.Sender.AvatarURL, &created, &atts); err != nil {
		return m, err
	}
	m.Timestamp = time.UnixMilli(created).UTC()
	if atts != "" && atts != "[]" {
		if err := json.Unmarshal([]byte(atts), &m.Attachments); err != nil {
			return m, fmt.Errorf("attachments of %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func (s *SQLite) Append(ctx context.Context, c contract.CollectionID, m contract.Message) (contract.Message, error) {
	var out contract.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if m.ClientID != "" {
			row := tx.QueryRowContext(ctx,
				`SELECT `+selectCols+` FROM messages WHERE kind = ? AND collection = ? AND client_id = ?`,
				string(c.Kind), c.ID, m.ClientID)
			existing, err := scanMessage(row)
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}
		p := prepare(m, s.now())
		atts, err := json.Marshal(p.Attachments)
		if err != nil {
			return err
		}
		if p.Attachments == nil {
			atts = []byte("[]")
		}
		var cid any
		if p.ClientID != "" {
			cid = p.ClientID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (kind, collection, id, client_id, body, sender_id, sender_name, sender_avatar, created_at, attachments)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(c.Kind), c.ID, p.ID, cid, p.Text, p.Sender.ID, p.Sender.Name, p.Sender.AvatarURL,
			p.Timestamp.UnixMilli(), string(atts)); err != nil {
			return err
		}
		p.Timestamp = time.UnixMilli(p.Timestamp.UnixMilli()).UTC()
		out = p
		return nil
	})
	if err != nil {
		return contract.Message{}, fmt.Errorf("append %s: %w", c, err)
	}
	return out, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

var _ Store = (*SQLite)(nil)
