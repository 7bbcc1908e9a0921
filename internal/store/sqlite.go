package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"slackwatch/internal/slack"
	"slackwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas. synchronous=FULL because SetWatermark must be durable
	// before it returns; the poll loop's crash-safety depends on it.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Watermark(ctx context.Context, channelID string) (string, bool, error) {
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_processed_ts FROM checkpoints WHERE channel_id = ?`, channelID,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ts, true, nil
}

func (s *sqliteStore) SetWatermark(ctx context.Context, channelID, ts, channelName string) error {
	if strings.TrimSpace(ts) == "" {
		return errors.New("empty watermark timestamp")
	}

	// Read-compare-write in a transaction: the clamp needs the numeric-aware
	// timestamp ordering, which SQL string comparison does not give us.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx,
		`SELECT last_processed_ts FROM checkpoints WHERE channel_id = ?`, channelID,
	).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first checkpoint for this channel
	case err != nil:
		return err
	default:
		if !slack.TSLess(cur, ts) {
			// stale or duplicate; watermarks only move forward
			return nil
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (channel_id, last_processed_ts, channel_name, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
		     last_processed_ts = excluded.last_processed_ts,
		     channel_name      = excluded.channel_name,
		     updated_at        = excluded.updated_at`,
		channelID, ts, channelName, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Enqueue(ctx context.Context, msg PendingMessage) error {
	if msg.ID == "" {
		return errors.New("pending message id is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	kw, err := json.Marshal(msg.MatchedKeywords)
	if err != nil {
		return err
	}

	// INSERT OR IGNORE keeps the first row (and any processed mark) when the
	// same id is enqueued again.
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending_messages
		     (id, channel_id, channel_name, user_id, user_name, text, ts, thread_ts,
		      is_mention, is_dm, matched_keywords, raw, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		msg.ID, msg.ChannelID, msg.ChannelName, msg.UserID, msg.UserName,
		msg.Text, msg.Timestamp, nullStr(msg.ThreadTS),
		boolInt(msg.IsMention), boolInt(msg.IsDM), string(kw),
		nullStr(string(msg.Raw)), msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListPending(ctx context.Context, limit int, channelFilter string) ([]PendingMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, channel_id, channel_name, user_id, user_name, text, ts, thread_ts,
	             is_mention, is_dm, matched_keywords, raw, created_at
	      FROM pending_messages WHERE processed_at IS NULL`
	args := []any{}
	if channelFilter != "" {
		q += ` AND channel_id = ?`
		args = append(args, channelFilter)
	}
	q += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingMessage
	for rows.Next() {
		var (
			m               PendingMessage
			threadTS, raw   sql.NullString
			isMention, isDM int
			kw, createdAt   string
		)
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.ChannelName, &m.UserID, &m.UserName,
			&m.Text, &m.Timestamp, &threadTS, &isMention, &isDM, &kw, &raw, &createdAt); err != nil {
			return nil, err
		}
		m.ThreadTS = threadTS.String
		m.IsMention = isMention != 0
		m.IsDM = isDM != 0
		if kw != "" {
			if err := json.Unmarshal([]byte(kw), &m.MatchedKeywords); err != nil {
				return nil, fmt.Errorf("decode matched_keywords for %s: %w", m.ID, err)
			}
		}
		if raw.Valid && raw.String != "" {
			m.Raw = json.RawMessage(raw.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_messages SET processed_at = ? WHERE id = ? AND processed_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Either unknown or already processed; only the former is an error.
	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM pending_messages WHERE id = ?`, id,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: pending message %s", ErrNotFound, id)
	}
	return err
}

func (s *sqliteStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_messages WHERE processed_at IS NULL`,
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) CachedUser(ctx context.Context, userID string) (string, bool, error) {
	var userName, displayName, realName string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_name, display_name, real_name FROM user_cache WHERE user_id = ?`, userID,
	).Scan(&userName, &displayName, &realName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return bestName(userName, displayName, realName), true, nil
}

func (s *sqliteStore) CacheUser(ctx context.Context, userID, userName, displayName, realName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_cache (user_id, user_name, display_name, real_name, cached_at)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		     user_name    = excluded.user_name,
		     display_name = excluded.display_name,
		     real_name    = excluded.real_name,
		     cached_at    = excluded.cached_at`,
		userID, userName, displayName, realName, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) PruneProcessed(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_messages WHERE processed_at IS NOT NULL AND processed_at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
