package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/intake-bot/internal/db"
	"github.com/sells-group/intake-bot/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id               TEXT PRIMARY KEY,
	completed_at     DATETIME NOT NULL,
	telegram_id      INTEGER NOT NULL,
	username         TEXT NOT NULL DEFAULT '',
	name             TEXT NOT NULL DEFAULT '',
	phone            TEXT NOT NULL,
	has_children     TEXT NOT NULL DEFAULT '',
	spouse_consent   TEXT NOT NULL DEFAULT '',
	property_dispute TEXT NOT NULL DEFAULT '',
	spouse_location  TEXT NOT NULL DEFAULT '',
	budget           TEXT NOT NULL DEFAULT '',
	segment          TEXT NOT NULL,
	cost_estimate    TEXT NOT NULL,
	time_estimate    TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'new'
);

CREATE TABLE IF NOT EXISTS analytics (
	id          TEXT PRIMARY KEY,
	timestamp   DATETIME NOT NULL,
	telegram_id INTEGER NOT NULL,
	username    TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL DEFAULT '',
	event       TEXT NOT NULL,
	details     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS all_users (
	first_seen       DATETIME NOT NULL,
	telegram_id      INTEGER PRIMARY KEY,
	username         TEXT NOT NULL DEFAULT '',
	first_name       TEXT NOT NULL DEFAULT '',
	last_name        TEXT NOT NULL DEFAULT '',
	completed_funnel BOOLEAN NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'started'
);

CREATE INDEX IF NOT EXISTS idx_leads_telegram_id ON leads(telegram_id, completed_at);
CREATE INDEX IF NOT EXISTS idx_leads_segment ON leads(segment);
CREATE INDEX IF NOT EXISTS idx_analytics_telegram_id ON analytics(telegram_id);
CREATE INDEX IF NOT EXISTS idx_analytics_event ON analytics(event);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendLead(ctx context.Context, lead *model.Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.Status == "" {
		lead.Status = model.LeadStatusNew
	}

	cols := append([]string{"id"}, leadColumns...)
	args := append([]any{lead.ID}, leadArgs(lead)...)
	query := fmt.Sprintf(`INSERT INTO leads (%s) VALUES (%s)`,
		strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return eris.Wrapf(err, "sqlite: insert lead for %d", lead.TelegramID)
	}
	return nil
}

func (s *SQLiteStore) UpdateLeadStatus(ctx context.Context, telegramID int64, status model.LeadStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET status = ? WHERE id = (
			SELECT id FROM leads WHERE telegram_id = ? ORDER BY completed_at DESC LIMIT 1
		)`,
		string(status), telegramID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead status %d", telegramID)
	}
	return checkRowsAffected(res, "lead", telegramID)
}

func (s *SQLiteStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT id, ` + strings.Join(leadColumns, ", ") + ` FROM leads WHERE 1=1`
	var args []any

	if filter.Segment != "" {
		query += ` AND segment = ?`
		args = append(args, filter.Segment)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY completed_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		leads = append(leads, l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: iterate leads")
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin events tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO analytics (`+strings.Join(analyticsColumns, ", ")+`) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare event insert")
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, eventRow(uuid.New().String(), e)...); err != nil {
			return eris.Wrapf(err, "sqlite: insert event %s", e.Event)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit events")
}

var sqliteTouchUser, sqliteMarkCompleted = mustUpsertSQL(db.Question)

func (s *SQLiteStore) TouchUser(ctx context.Context, user model.UserRecord) error {
	if user.Status == "" {
		user.Status = model.UserStatusStarted
	}
	_, err := s.db.ExecContext(ctx, sqliteTouchUser, userArgs(user)...)
	return eris.Wrapf(err, "sqlite: touch user %d", user.TelegramID)
}

func (s *SQLiteStore) MarkUserCompleted(ctx context.Context, telegramID int64) error {
	u := model.UserRecord{
		FirstSeen:       time.Now().UTC(),
		TelegramID:      telegramID,
		CompletedFunnel: true,
		Status:          model.UserStatusCompleted,
	}
	_, err := s.db.ExecContext(ctx, sqliteMarkCompleted, userArgs(u)...)
	return eris.Wrapf(err, "sqlite: mark user completed %d", telegramID)
}

// helpers

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %d", entity, id)
	}
	return nil
}

// mustUpsertSQL builds the two all_users upserts. Profile fields refresh on every
// touch while first_seen and completion are kept; completion only flips those two.
func mustUpsertSQL(ph db.Placeholder) (touch, complete string) {
	touch, err := db.UpsertSQL(db.UpsertConfig{
		Table:        TableAllUsers,
		Columns:      userColumns,
		ConflictKeys: []string{"telegram_id"},
		UpdateCols:   []string{"username", "first_name", "last_name"},
	}, ph)
	if err != nil {
		panic(err)
	}
	complete, err = db.UpsertSQL(db.UpsertConfig{
		Table:        TableAllUsers,
		Columns:      userColumns,
		ConflictKeys: []string{"telegram_id"},
		UpdateCols:   []string{"completed_funnel", "status"},
	}, ph)
	if err != nil {
		panic(err)
	}
	return touch, complete
}
