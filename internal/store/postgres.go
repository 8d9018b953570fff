package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/intake-bot/internal/db"
	"github.com/sells-group/intake-bot/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var pgTouchUser, pgMarkCompleted = mustUpsertSQL(db.Dollar)

var insertLeadPG = func() string {
	cols := append([]string{"id"}, leadColumns...)
	params := make([]string, len(cols))
	for i := range cols {
		params[i] = db.Dollar(i + 1)
	}
	return fmt.Sprintf(`INSERT INTO leads (%s) VALUES (%s)`, strings.Join(cols, ", "), strings.Join(params, ", "))
}()

const updateLeadStatusPG = `UPDATE leads SET status = $1 WHERE id = (
	SELECT id FROM leads WHERE telegram_id = $2 ORDER BY completed_at DESC LIMIT 1
)`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(5)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	completed_at     TIMESTAMPTZ NOT NULL,
	telegram_id      BIGINT NOT NULL,
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
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	timestamp   TIMESTAMPTZ NOT NULL DEFAULT now(),
	telegram_id BIGINT NOT NULL,
	username    TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL DEFAULT '',
	event       TEXT NOT NULL,
	details     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS all_users (
	first_seen       TIMESTAMPTZ NOT NULL DEFAULT now(),
	telegram_id      BIGINT PRIMARY KEY,
	username         TEXT NOT NULL DEFAULT '',
	first_name       TEXT NOT NULL DEFAULT '',
	last_name        TEXT NOT NULL DEFAULT '',
	completed_funnel BOOLEAN NOT NULL DEFAULT false,
	status           TEXT NOT NULL DEFAULT 'started'
);

CREATE INDEX IF NOT EXISTS idx_leads_telegram_id ON leads(telegram_id, completed_at DESC);
CREATE INDEX IF NOT EXISTS idx_leads_segment ON leads(segment);
CREATE INDEX IF NOT EXISTS idx_analytics_telegram_id ON analytics(telegram_id);
CREATE INDEX IF NOT EXISTS idx_analytics_event ON analytics(event);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) AppendLead(ctx context.Context, lead *model.Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.Status == "" {
		lead.Status = model.LeadStatusNew
	}

	args := append([]any{lead.ID}, leadArgs(lead)...)
	if _, err := s.pool.Exec(ctx, insertLeadPG, args...); err != nil {
		return eris.Wrapf(err, "postgres: insert lead for %d", lead.TelegramID)
	}
	return nil
}

func (s *PostgresStore) UpdateLeadStatus(ctx context.Context, telegramID int64, status model.LeadStatus) error {
	tag, err := s.pool.Exec(ctx, updateLeadStatusPG, string(status), telegramID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead status %d", telegramID)
	}
	return checkTag(tag, "lead", telegramID)
}

func (s *PostgresStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT id, ` + strings.Join(leadColumns, ", ") + ` FROM leads WHERE 1=1`
	var args []any
	argN := 1

	if filter.Segment != "" {
		query += fmt.Sprintf(` AND segment = $%d`, argN)
		args = append(args, filter.Segment)
		argN++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argN)
		args = append(args, string(filter.Status))
		argN++
	}
	query += ` ORDER BY completed_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argN)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		leads = append(leads, l)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: iterate leads")
}

// AppendEvents writes a batch with COPY.
func (s *PostgresStore) AppendEvents(ctx context.Context, events []model.Event) error {
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = eventRow(uuid.New().String(), e)
	}
	_, err := db.CopyFrom(ctx, s.pool, TableAnalytics, analyticsColumns, rows)
	return eris.Wrap(err, "postgres: append events")
}

func (s *PostgresStore) TouchUser(ctx context.Context, user model.UserRecord) error {
	if user.Status == "" {
		user.Status = model.UserStatusStarted
	}
	_, err := s.pool.Exec(ctx, pgTouchUser, userArgs(user)...)
	return eris.Wrapf(err, "postgres: touch user %d", user.TelegramID)
}

func (s *PostgresStore) MarkUserCompleted(ctx context.Context, telegramID int64) error {
	u := model.UserRecord{
		FirstSeen:       time.Now().UTC(),
		TelegramID:      telegramID,
		CompletedFunnel: true,
		Status:          model.UserStatusCompleted,
	}
	_, err := s.pool.Exec(ctx, pgMarkCompleted, userArgs(u)...)
	return eris.Wrapf(err, "postgres: mark user completed %d", telegramID)
}

func checkTag(tag pgconn.CommandTag, entity string, id int64) error {
	if tag.RowsAffected() == 0 {
		return eris.Errorf("%s not found: %d", entity, id)
	}
	return nil
}
