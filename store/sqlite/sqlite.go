/*
Package sqlite provides a SQLite-backed implementation of points.Store.

PURPOSE:
  Embedded persistence for the points ledger. In production the same
  patterns apply to PostgreSQL (see store/postgres), with row locks
  instead of a process mutex.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries
  - No DELETE statements on ledger_entries
  - Corrections via offsetting entries only

KEY TABLES:
  ledger_entries:  Immutable ledger of all point movements
  balances:        Projection, one row per owner
  redemptions:     Cashout and offer-discount requests
  referrals:       Conversion tracking records
  referral_codes:  Minted codes, bound to their owner
  profiles:        First-touch referredBy attribution

UNIQUENESS (the idempotency guarantees live here):
  - ledger_entries.idempotency_key                          -> ErrDuplicateIdempotencyKey
  - redemptions.purchase_id                                 -> ErrDuplicateIdempotencyKey
  - referrals(referrer_id, referred_user_id, conversion_type) -> ErrDuplicateReferral
  - referral_codes.code, referral_codes(owner_id, namespace)  -> ErrDuplicateCode

CONCURRENCY:
  Writers are serialized with a mutex and run inside one database/sql
  transaction. Everything read inside WithOwnerTx goes through that
  transaction, never through the pool.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals time order.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := points.NewLedger(store)

SEE ALSO:
  - points/store.go: Interface definitions
  - points/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/points"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements points.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
//
// Transactions start with BEGIN IMMEDIATE (_txlock=immediate), so writers in
// other processes sharing the file wait on the busy timeout instead of
// interleaving with an owner transaction.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		kind TEXT NOT NULL,
		related_entity_id TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Listing (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_owner_seq
		ON ledger_entries(owner_id, seq DESC);

	-- Daily cap counts
	CREATE INDEX IF NOT EXISTS idx_entries_owner_kind_created
		ON ledger_entries(owner_id, kind, created_at);

	-- Balance projection
	CREATE TABLE IF NOT EXISTS balances (
		owner_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		total_earned INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT
	);

	-- Redemptions
	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		type TEXT NOT NULL,
		points_spent INTEGER NOT NULL,
		dollar_value TEXT NOT NULL,
		status TEXT NOT NULL,
		related_offer_id TEXT,
		purchase_id TEXT,
		entry_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_owner
		ON redemptions(owner_id, created_at DESC);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_redemptions_purchase
		ON redemptions(purchase_id) WHERE purchase_id IS NOT NULL;

	-- Referral tracking
	CREATE TABLE IF NOT EXISTS referrals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		referrer_id TEXT NOT NULL,
		referred_user_id TEXT NOT NULL,
		code_used TEXT NOT NULL,
		conversion_type TEXT NOT NULL,
		converted_at TEXT NOT NULL,
		attribution_json TEXT,
		UNIQUE(referrer_id, referred_user_id, conversion_type)
	);

	CREATE TABLE IF NOT EXISTS referral_codes (
		code TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		namespace TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(owner_id, namespace)
	);

	CREATE TABLE IF NOT EXISTS profiles (
		owner_id TEXT PRIMARY KEY,
		referred_by TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// OWNER TRANSACTIONS
// =============================================================================

// WithOwnerTx runs fn inside a database transaction. The balance row is
// created on first use so every writer has a row to update.
func (s *Store) WithOwnerTx(ctx context.Context, owner points.OwnerID, fn func(points.OwnerTx) error) error {
	return s.inTx(ctx, owner, func(sqlTx *sql.Tx) error {
		return fn(&ownerTx{tx: sqlTx, owner: owner})
	})
}

func (s *Store) inTx(ctx context.Context, owner points.OwnerID, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx,
		`INSERT OR IGNORE INTO balances (owner_id, balance, total_earned) VALUES (?, 0, 0)`,
		string(owner)); err != nil {
		return fmt.Errorf("failed to create balance row: %w", err)
	}

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type ownerTx struct {
	tx    *sql.Tx
	owner points.OwnerID
}

func (t *ownerTx) Owner() points.OwnerID { return t.owner }

func (t *ownerTx) Balance(ctx context.Context) (points.Balance, error) {
	return loadBalance(ctx, t.tx, t.owner)
}

func (t *ownerTx) Replay(ctx context.Context) (points.Balance, error) {
	return replay(ctx, t.tx, t.owner)
}

func (t *ownerTx) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?`, key).Scan(&n)
	return n > 0, err
}

func (t *ownerTx) CountKindBetween(ctx context.Context, kind points.ActionKind, from, to time.Time) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE owner_id = ? AND kind = ? AND created_at >= ? AND created_at < ?`,
		string(t.owner), string(kind), formatTime(from), formatTime(to)).Scan(&n)
	return n, err
}

func (t *ownerTx) Insert(ctx context.Context, e points.Entry) (points.Entry, points.Balance, error) {
	if e.OwnerID != t.owner {
		return points.Entry{}, points.Balance{}, points.ErrOwnerRequired
	}

	var metadataJSON []byte
	if len(e.Metadata) > 0 {
		metadataJSON, _ = json.Marshal(e.Metadata)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, owner_id, delta, kind, related_entity_id, idempotency_key, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID),
		string(e.OwnerID),
		e.Delta,
		string(e.Kind),
		nullString(e.RelatedEntityID),
		nullString(e.IdempotencyKey),
		nullString(string(metadataJSON)),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return points.Entry{}, points.Balance{}, translate(err)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return points.Entry{}, points.Balance{}, err
	}

	earned := max(e.Delta, 0)
	b := points.Balance{OwnerID: t.owner}
	var updatedAt string
	err = t.tx.QueryRowContext(ctx, `
		UPDATE balances
		SET balance = balance + ?, total_earned = total_earned + ?, updated_at = ?
		WHERE owner_id = ?
		RETURNING balance, total_earned, updated_at`,
		e.Delta, earned, formatTime(e.CreatedAt), string(t.owner),
	).Scan(&b.Balance, &b.TotalEarned, &updatedAt)
	if err != nil {
		return points.Entry{}, points.Balance{}, fmt.Errorf("failed to update balance: %w", err)
	}
	b.UpdatedAt = parseTime(updatedAt)
	return e, b, nil
}

func (t *ownerTx) SaveRedemption(ctx context.Context, r points.Redemption) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO redemptions (id, owner_id, type, points_spent, dollar_value, status,
			related_offer_id, purchase_id, entry_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		string(r.OwnerID),
		string(r.Type),
		r.PointsSpent,
		r.DollarValue.String(),
		string(r.Status),
		nullString(r.RelatedOfferID),
		nullString(r.PurchaseID),
		nullString(string(r.EntryID)),
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
	)
	return translate(err)
}

func (t *ownerTx) UpdateRedemptionStatus(ctx context.Context, id string, status points.RedemptionStatus, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE redemptions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return points.ErrNotFound
	}
	return nil
}

func (t *ownerTx) Redemption(ctx context.Context, id string) (*points.Redemption, error) {
	return loadRedemption(ctx, t.tx, id)
}

func (t *ownerTx) InsertReferral(ctx context.Context, r points.ReferralRecord) error {
	var attributionJSON []byte
	if len(r.Attribution) > 0 {
		attributionJSON, _ = json.Marshal(r.Attribution)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO referrals (referrer_id, referred_user_id, code_used, conversion_type, converted_at, attribution_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(r.ReferrerID),
		string(r.ReferredUserID),
		r.CodeUsed,
		string(r.ConversionType),
		formatTime(r.ConvertedAt),
		nullString(string(attributionJSON)),
	)
	return translate(err)
}

func (t *ownerTx) ReferralExists(ctx context.Context, referrer, referred points.OwnerID, conversion points.ConversionType) (bool, error) {
	return referralExists(ctx, t.tx, referrer, referred, conversion)
}

func (t *ownerTx) SetReferredBy(ctx context.Context, user points.OwnerID, code string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO profiles (owner_id, referred_by) VALUES (?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET referred_by = excluded.referred_by
		WHERE profiles.referred_by IS NULL OR profiles.referred_by = ''`,
		string(user), code)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) Balance(ctx context.Context, owner points.OwnerID) (points.Balance, error) {
	return loadBalance(ctx, s.db, owner)
}

func loadBalance(ctx context.Context, q querier, owner points.OwnerID) (points.Balance, error) {
	b := points.Balance{OwnerID: owner}
	var updatedAt sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT balance, total_earned, updated_at FROM balances WHERE owner_id = ?`,
		string(owner)).Scan(&b.Balance, &b.TotalEarned, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return points.Balance{}, err
	}
	if updatedAt.Valid {
		b.UpdatedAt = parseTime(updatedAt.String)
	}
	return b, nil
}

func (s *Store) Entries(ctx context.Context, owner points.OwnerID, before points.Cursor, limit int) ([]points.Entry, error) {
	if before == 0 {
		return s.queryEntries(ctx, `
			SELECT seq, id, owner_id, delta, kind, related_entity_id, idempotency_key, metadata_json, created_at
			FROM ledger_entries WHERE owner_id = ? ORDER BY seq DESC LIMIT ?`,
			string(owner), limit)
	}
	return s.queryEntries(ctx, `
		SELECT seq, id, owner_id, delta, kind, related_entity_id, idempotency_key, metadata_json, created_at
		FROM ledger_entries WHERE owner_id = ? AND seq < ? ORDER BY seq DESC LIMIT ?`,
		string(owner), int64(before), limit)
}

func (s *Store) ReplayBalance(ctx context.Context, owner points.OwnerID) (points.Balance, error) {
	return replay(ctx, s.db, owner)
}

func replay(ctx context.Context, q querier, owner points.OwnerID) (points.Balance, error) {
	b := points.Balance{OwnerID: owner}
	var updatedAt sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0),
		       COALESCE(SUM(CASE WHEN delta > 0 THEN delta ELSE 0 END), 0),
		       MAX(created_at)
		FROM ledger_entries WHERE owner_id = ?`,
		string(owner)).Scan(&b.Balance, &b.TotalEarned, &updatedAt)
	if err != nil {
		return points.Balance{}, err
	}
	if updatedAt.Valid {
		b.UpdatedAt = parseTime(updatedAt.String)
	}
	return b, nil
}

// RebuildBalance overwrites the projection with the replayed ledger.
func (s *Store) RebuildBalance(ctx context.Context, owner points.OwnerID) (points.Balance, error) {
	var rebuilt points.Balance
	err := s.inTx(ctx, owner, func(sqlTx *sql.Tx) error {
		var err error
		if rebuilt, err = replay(ctx, sqlTx, owner); err != nil {
			return err
		}
		var updatedAt any
		if !rebuilt.UpdatedAt.IsZero() {
			updatedAt = formatTime(rebuilt.UpdatedAt)
		}
		_, err = sqlTx.ExecContext(ctx,
			`UPDATE balances SET balance = ?, total_earned = ?, updated_at = ? WHERE owner_id = ?`,
			rebuilt.Balance, rebuilt.TotalEarned, updatedAt, string(owner))
		return err
	})
	if err != nil {
		return points.Balance{}, err
	}
	return rebuilt, nil
}

// SetProjection overwrites a projection row without touching the ledger.
// Only tests use it, to exercise the audit verifier.
func (s *Store) SetProjection(ctx context.Context, b points.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (owner_id, balance, total_earned, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET balance = excluded.balance, total_earned = excluded.total_earned`,
		string(b.OwnerID), b.Balance, b.TotalEarned, formatTime(b.UpdatedAt))
	return err
}

func (s *Store) Owners(ctx context.Context) ([]points.OwnerID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT owner_id FROM balances ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []points.OwnerID
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		owners = append(owners, points.OwnerID(o))
	}
	return owners, rows.Err()
}

func (s *Store) Redemption(ctx context.Context, id string) (*points.Redemption, error) {
	return loadRedemption(ctx, s.db, id)
}

const redemptionColumns = `id, owner_id, type, points_spent, dollar_value, status,
	related_offer_id, purchase_id, entry_id, created_at, updated_at`

func loadRedemption(ctx context.Context, q querier, id string) (*points.Redemption, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+redemptionColumns+` FROM redemptions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanRedemption(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) Redemptions(ctx context.Context, owner points.OwnerID) ([]points.Redemption, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+redemptionColumns+` FROM redemptions WHERE owner_id = ? ORDER BY created_at DESC`,
		string(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []points.Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRedemption(rows *sql.Rows) (points.Redemption, error) {
	var (
		r                            points.Redemption
		owner, typ, status, dollars  string
		offerID, purchaseID, entryID sql.NullString
		createdAt, updatedAt         string
	)
	err := rows.Scan(&r.ID, &owner, &typ, &r.PointsSpent, &dollars, &status,
		&offerID, &purchaseID, &entryID, &createdAt, &updatedAt)
	if err != nil {
		return points.Redemption{}, err
	}
	r.OwnerID = points.OwnerID(owner)
	r.Type = points.RedemptionType(typ)
	r.Status = points.RedemptionStatus(status)
	r.DollarValue, _ = decimal.NewFromString(dollars)
	r.RelatedOfferID = offerID.String
	r.PurchaseID = purchaseID.String
	r.EntryID = points.EntryID(entryID.String)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

func (s *Store) ReferralExists(ctx context.Context, referrer, referred points.OwnerID, conversion points.ConversionType) (bool, error) {
	return referralExists(ctx, s.db, referrer, referred, conversion)
}

func referralExists(ctx context.Context, q querier, referrer, referred points.OwnerID, conversion points.ConversionType) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM referrals
		WHERE referrer_id = ? AND referred_user_id = ? AND conversion_type = ?`,
		string(referrer), string(referred), string(conversion)).Scan(&n)
	return n > 0, err
}

func (s *Store) Referrals(ctx context.Context, referrer points.OwnerID) ([]points.ReferralRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT referrer_id, referred_user_id, code_used, conversion_type, converted_at, attribution_json
		FROM referrals WHERE referrer_id = ? ORDER BY id`,
		string(referrer))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []points.ReferralRecord
	for rows.Next() {
		var (
			r                           points.ReferralRecord
			referrerID, referredID, typ string
			convertedAt                 string
			attribution                 sql.NullString
		)
		if err := rows.Scan(&referrerID, &referredID, &r.CodeUsed, &typ, &convertedAt, &attribution); err != nil {
			return nil, err
		}
		r.ReferrerID = points.OwnerID(referrerID)
		r.ReferredUserID = points.OwnerID(referredID)
		r.ConversionType = points.ConversionType(typ)
		r.ConvertedAt = parseTime(convertedAt)
		if attribution.Valid && attribution.String != "" {
			json.Unmarshal([]byte(attribution.String), &r.Attribution)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Profile(ctx context.Context, owner points.OwnerID) (points.Profile, error) {
	p := points.Profile{OwnerID: owner}
	var referredBy sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT referred_by FROM profiles WHERE owner_id = ?`, string(owner)).Scan(&referredBy)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return points.Profile{}, err
	}
	p.ReferredBy = referredBy.String
	return p, nil
}

// =============================================================================
// REFERRAL CODES
// =============================================================================

func (s *Store) SaveCode(ctx context.Context, code points.ReferralCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO referral_codes (code, owner_id, namespace, created_at) VALUES (?, ?, ?, ?)`,
		code.Code, string(code.OwnerID), string(code.Namespace), formatTime(code.CreatedAt))
	return translate(err)
}

func (s *Store) CodeByValue(ctx context.Context, code string, ns points.CodeNamespace) (*points.ReferralCode, error) {
	return s.queryCode(ctx,
		`SELECT code, owner_id, namespace, created_at FROM referral_codes WHERE code = ? AND namespace = ?`,
		code, string(ns))
}

func (s *Store) CodeByOwner(ctx context.Context, owner points.OwnerID, ns points.CodeNamespace) (*points.ReferralCode, error) {
	return s.queryCode(ctx,
		`SELECT code, owner_id, namespace, created_at FROM referral_codes WHERE owner_id = ? AND namespace = ?`,
		string(owner), string(ns))
}

func (s *Store) queryCode(ctx context.Context, query string, args ...any) (*points.ReferralCode, error) {
	var (
		c                     points.ReferralCode
		owner, ns, createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&c.Code, &owner, &ns, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.OwnerID = points.OwnerID(owner)
	c.Namespace = points.CodeNamespace(ns)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]points.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []points.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (points.Entry, error) {
	var (
		e                         points.Entry
		id, owner, kind           string
		related, key, metadataRaw sql.NullString
		createdAt                 string
	)
	err := rows.Scan(&e.Seq, &id, &owner, &e.Delta, &kind, &related, &key, &metadataRaw, &createdAt)
	if err != nil {
		return points.Entry{}, err
	}
	e.ID = points.EntryID(id)
	e.OwnerID = points.OwnerID(owner)
	e.Kind = points.ActionKind(kind)
	e.RelatedEntityID = related.String
	e.IdempotencyKey = key.String
	e.CreatedAt = parseTime(createdAt)
	if metadataRaw.Valid && metadataRaw.String != "" {
		json.Unmarshal([]byte(metadataRaw.String), &e.Metadata)
	}
	return e, nil
}

// translate maps unique-constraint violations to domain errors.
func translate(err error) error {
	if err == nil || !isUniqueConstraintError(err) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "referrals."):
		return fmt.Errorf("%w: %v", points.ErrDuplicateReferral, err)
	case strings.Contains(msg, "referral_codes."):
		return fmt.Errorf("%w: %v", points.ErrDuplicateCode, err)
	default:
		return fmt.Errorf("%w: %v", points.ErrDuplicateIdempotencyKey, err)
	}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
