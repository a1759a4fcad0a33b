package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/fanvault/tokend/internal/timeutil"
	"github.com/fanvault/tokend/internal/token"
)

// tableName is the archive table. Rows are immutable once written.
const tableName = "token_registry_archive"

// Store is the relational archive. It satisfies both the retention archiver
// and the earnings reporter interfaces of the ledger core.
type Store struct {
	db     *sql.DB
	config *Config
}

// New builds a Store from the config without connecting. Open establishes the
// connection and the schema.
func New(config *Config) (*Store, error) {
	if config == nil {
		config = NewConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Store{config: config}, nil
}

// Open connects, verifies the connection, and creates the schema when absent.
func (s *Store) Open(ctx context.Context) error {
	dsn, err := s.config.BuildConnectionString()
	if err != nil {
		return err
	}

	db, err := sql.Open(s.config.Driver, dsn)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, s.config.DefaultTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping archive: %w", err)
	}

	s.db = db
	if err := s.initSchema(ctx); err != nil {
		s.db.Close()
		s.db = nil
		return fmt.Errorf("init archive schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			beneficiary_id TEXT NOT NULL DEFAULT '',
			transaction_type TEXT NOT NULL,
			amount BIGINT NOT NULL,
			purpose TEXT NOT NULL DEFAULT '',
			ref_id TEXT NOT NULL DEFAULT '',
			expires_at TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 0,
			free_beneficiary_consumed BIGINT NOT NULL DEFAULT 0,
			free_system_consumed BIGINT NOT NULL DEFAULT 0,
			free_beneficiary_source_id TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			archived_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_user_created
			ON ` + tableName + `(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_beneficiary_created
			ON ` + tableName + `(beneficiary_id, created_at)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ? placeholders to the $N form PostgreSQL expects. SQLite
// queries pass through unchanged.
func (s *Store) rebind(query string) string {
	if s.config.Driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ArchiveEntry writes one ledger event. Replays of the same event id are
// no-ops, so retention passes interrupted after archiving stay safe to rerun.
func (s *Store) ArchiveEntry(ctx context.Context, e *token.Entry) error {
	if s.db == nil {
		return ErrClosed
	}

	query := s.rebind(`INSERT INTO ` + tableName + ` (
		id, user_id, beneficiary_id, transaction_type, amount, purpose, ref_id,
		expires_at, created_at, state, version,
		free_beneficiary_consumed, free_system_consumed, free_beneficiary_source_id,
		metadata, archived_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO NOTHING`)

	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.UserID, e.BeneficiaryID, string(e.TransactionType), e.Amount,
		e.Purpose, e.RefID, e.ExpiresAt, e.CreatedAt, string(e.State), e.Version,
		e.FreeBeneficiaryConsumed, e.FreeSystemConsumed, e.FreeBeneficiarySourceID,
		marshalMetadata(e.Metadata), timeutil.NowISO(),
	)
	if err != nil {
		return fmt.Errorf("archive entry %s: %w", e.ID, err)
	}
	return nil
}

// Get loads one archived event by id.
func (s *Store) Get(ctx context.Context, id string) (*token.Entry, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	query := s.rebind(`SELECT id, user_id, beneficiary_id, transaction_type, amount,
		purpose, ref_id, expires_at, created_at, state, version,
		free_beneficiary_consumed, free_system_consumed, free_beneficiary_source_id, metadata
	FROM ` + tableName + ` WHERE id = ?`)

	var e token.Entry
	var txType, state, meta string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.UserID, &e.BeneficiaryID, &txType, &e.Amount,
		&e.Purpose, &e.RefID, &e.ExpiresAt, &e.CreatedAt, &state, &e.Version,
		&e.FreeBeneficiaryConsumed, &e.FreeSystemConsumed, &e.FreeBeneficiarySourceID, &meta,
	)
	if err != nil {
		return nil, err
	}
	e.TransactionType = token.TransactionType(txType)
	e.State = token.HoldState(state)
	e.Metadata = unmarshalMetadata(meta)
	return &e, nil
}

// Count returns how many events the archive holds.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+tableName).Scan(&n)
	return n, err
}

// EarningsBetween aggregates what beneficiaryID earned per day inside
// [from, to]: received tips at their nominal value plus captured holds at
// their paid value. Day keys are YYYY-MM-DD.
func (s *Store) EarningsBetween(ctx context.Context, beneficiaryID string, from, to time.Time) (map[string]int64, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	query := s.rebind(`SELECT substr(created_at, 1, 10) AS day,
		SUM(CASE
			WHEN transaction_type = 'TIP'
				THEN amount + free_beneficiary_consumed + free_system_consumed
			WHEN transaction_type = 'HOLD' AND state = 'CAPTURED'
				THEN amount
			ELSE 0
		END) AS total
	FROM ` + tableName + `
	WHERE beneficiary_id = ?
		AND user_id <> ?
		AND created_at >= ? AND created_at <= ?
		AND (transaction_type = 'TIP' OR (transaction_type = 'HOLD' AND state = 'CAPTURED'))
	GROUP BY substr(created_at, 1, 10)`)

	rows, err := s.db.QueryContext(ctx, query,
		beneficiaryID, beneficiaryID,
		timeutil.FormatISO(from), timeutil.FormatISO(to))
	if err != nil {
		return nil, fmt.Errorf("archive earnings query: %w", err)
	}
	defer rows.Close()

	perDay := make(map[string]int64)
	for rows.Next() {
		var day string
		var total int64
		if err := rows.Scan(&day, &total); err != nil {
			return nil, err
		}
		if total != 0 {
			perDay[day] = total
		}
	}
	return perDay, rows.Err()
}

// marshalMetadata flattens the metadata bag to its stored text form. Raw
// payloads that never parsed are carried verbatim.
func marshalMetadata(m token.Metadata) string {
	if m.IsRaw {
		return m.Raw
	}
	if len(m.Structured) == 0 {
		return ""
	}
	b, err := json.Marshal(m.Structured)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalMetadata(s string) token.Metadata {
	if s == "" {
		return token.Metadata{}
	}
	var bag map[string]any
	if err := json.Unmarshal([]byte(s), &bag); err != nil {
		return token.Metadata{Raw: s, IsRaw: true}
	}
	return token.Metadata{Structured: bag}
}

var (
	_ token.Archiver         = (*Store)(nil)
	_ token.EarningsReporter = (*Store)(nil)
)
