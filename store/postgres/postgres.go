/*
Package postgres provides a PostgreSQL implementation of points.Store on gorm.

CONCURRENCY:
  WithOwnerTx upserts the owner's balance row and then locks it with
  SELECT ... FOR UPDATE. Every writer for that owner queues on the row
  lock, so guards run against a projection nobody else can move.

UNIQUENESS:
  Same constraints as the SQLite store. gorm runs with TranslateError so
  unique violations surface as gorm.ErrDuplicatedKey, which is mapped to
  the domain sentinel for the table being written.
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/points"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// =============================================================================
// MODELS
// =============================================================================

type ledgerEntry struct {
	Seq             int64  `gorm:"primaryKey;autoIncrement"`
	ID              string `gorm:"uniqueIndex;not null"`
	OwnerID         string `gorm:"not null;index:idx_entries_owner_kind_created,priority:1"`
	Delta           int64  `gorm:"not null"`
	Kind            string `gorm:"not null;index:idx_entries_owner_kind_created,priority:2"`
	RelatedEntityID *string
	IdempotencyKey  *string   `gorm:"uniqueIndex"`
	Metadata        string    `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"not null;index:idx_entries_owner_kind_created,priority:3"`
}

func (ledgerEntry) TableName() string { return "ledger_entries" }

type balanceRow struct {
	OwnerID     string     `gorm:"primaryKey"`
	Balance     int64      `gorm:"not null;default:0"`
	TotalEarned int64      `gorm:"not null;default:0"`
	LastEntryAt *time.Time `gorm:"column:updated_at"`
}

func (balanceRow) TableName() string { return "balances" }

type redemptionRow struct {
	ID             string          `gorm:"primaryKey"`
	OwnerID        string          `gorm:"not null;index"`
	Type           string          `gorm:"not null"`
	PointsSpent    int64           `gorm:"not null"`
	DollarValue    decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	Status         string          `gorm:"not null"`
	RelatedOfferID *string
	PurchaseID     *string `gorm:"uniqueIndex"`
	EntryID        *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (redemptionRow) TableName() string { return "redemptions" }

type referralRow struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	ReferrerID     string `gorm:"not null;uniqueIndex:idx_referral_conversion,priority:1"`
	ReferredUserID string `gorm:"not null;uniqueIndex:idx_referral_conversion,priority:2"`
	ConversionType string `gorm:"not null;uniqueIndex:idx_referral_conversion,priority:3"`
	CodeUsed       string `gorm:"not null"`
	ConvertedAt    time.Time
	Attribution    string `gorm:"type:text"`
}

func (referralRow) TableName() string { return "referrals" }

type codeRow struct {
	Code      string `gorm:"primaryKey"`
	OwnerID   string `gorm:"not null;uniqueIndex:idx_code_owner_namespace,priority:1"`
	Namespace string `gorm:"not null;uniqueIndex:idx_code_owner_namespace,priority:2"`
	CreatedAt time.Time
}

func (codeRow) TableName() string { return "referral_codes" }

type profileRow struct {
	OwnerID    string `gorm:"primaryKey"`
	ReferredBy *string
}

func (profileRow) TableName() string { return "profiles" }

// =============================================================================
// STORE
// =============================================================================

type Store struct {
	db *gorm.DB
}

// New connects to dsn and migrates the schema.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewFromDB(db)
}

// NewFromDB wraps an existing gorm handle. The handle must be opened with
// TranslateError so duplicates are recognized.
func NewFromDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&ledgerEntry{},
		&balanceRow{},
		&redemptionRow{},
		&referralRow{},
		&codeRow{},
		&profileRow{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) WithOwnerTx(ctx context.Context, owner points.OwnerID, fn func(points.OwnerTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockBalance(tx, owner, &balanceRow{}); err != nil {
			return err
		}
		return fn(&ownerTx{tx: tx, owner: owner})
	})
}

// lockBalance creates the row if needed and takes the row lock.
func lockBalance(tx *gorm.DB, owner points.OwnerID, row *balanceRow) error {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&balanceRow{OwnerID: string(owner)}).Error; err != nil {
		return fmt.Errorf("failed to create balance row: %w", err)
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ?", string(owner)).
		First(row).Error; err != nil {
		return fmt.Errorf("failed to lock balance row: %w", err)
	}
	return nil
}

type ownerTx struct {
	tx    *gorm.DB
	owner points.OwnerID
}

func (t *ownerTx) Owner() points.OwnerID { return t.owner }

func (t *ownerTx) Balance(ctx context.Context) (points.Balance, error) {
	var row balanceRow
	if err := t.tx.WithContext(ctx).Where("owner_id = ?", string(t.owner)).First(&row).Error; err != nil {
		return points.Balance{}, err
	}
	return row.toDomain(), nil
}

func (t *ownerTx) Replay(ctx context.Context) (points.Balance, error) {
	return replay(t.tx.WithContext(ctx), t.owner)
}

func (t *ownerTx) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := t.tx.WithContext(ctx).Model(&ledgerEntry{}).Where("idempotency_key = ?", key).Count(&n).Error
	return n > 0, err
}

func (t *ownerTx) CountKindBetween(ctx context.Context, kind points.ActionKind, from, to time.Time) (int, error) {
	var n int64
	err := t.tx.WithContext(ctx).Model(&ledgerEntry{}).
		Where("owner_id = ? AND kind = ? AND created_at >= ? AND created_at < ?",
			string(t.owner), string(kind), from.UTC(), to.UTC()).
		Count(&n).Error
	return int(n), err
}

func (t *ownerTx) Insert(ctx context.Context, e points.Entry) (points.Entry, points.Balance, error) {
	if e.OwnerID != t.owner {
		return points.Entry{}, points.Balance{}, points.ErrOwnerRequired
	}
	row := entryToRow(e)
	if err := t.tx.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return points.Entry{}, points.Balance{}, fmt.Errorf("%w: %v", points.ErrDuplicateIdempotencyKey, err)
		}
		return points.Entry{}, points.Balance{}, err
	}
	e.Seq = row.Seq

	err := t.tx.WithContext(ctx).Model(&balanceRow{}).
		Where("owner_id = ?", string(t.owner)).
		Updates(map[string]any{
			"balance":      gorm.Expr("balance + ?", e.Delta),
			"total_earned": gorm.Expr("total_earned + ?", max(e.Delta, 0)),
			"updated_at":   e.CreatedAt.UTC(),
		}).Error
	if err != nil {
		return points.Entry{}, points.Balance{}, fmt.Errorf("failed to update balance: %w", err)
	}

	b, err := t.Balance(ctx)
	if err != nil {
		return points.Entry{}, points.Balance{}, err
	}
	return e, b, nil
}

func (t *ownerTx) SaveRedemption(ctx context.Context, r points.Redemption) error {
	row := redemptionToRow(r)
	err := t.tx.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", points.ErrDuplicateIdempotencyKey, err)
	}
	return err
}

func (t *ownerTx) UpdateRedemptionStatus(ctx context.Context, id string, status points.RedemptionStatus, at time.Time) error {
	res := t.tx.WithContext(ctx).Model(&redemptionRow{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "updated_at": at.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return points.ErrNotFound
	}
	return nil
}

func (t *ownerTx) Redemption(ctx context.Context, id string) (*points.Redemption, error) {
	return findRedemption(t.tx.WithContext(ctx), id)
}

func (t *ownerTx) InsertReferral(ctx context.Context, r points.ReferralRecord) error {
	row := referralRow{
		ReferrerID:     string(r.ReferrerID),
		ReferredUserID: string(r.ReferredUserID),
		ConversionType: string(r.ConversionType),
		CodeUsed:       r.CodeUsed,
		ConvertedAt:    r.ConvertedAt.UTC(),
	}
	if len(r.Attribution) > 0 {
		raw, _ := json.Marshal(r.Attribution)
		row.Attribution = string(raw)
	}
	err := t.tx.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", points.ErrDuplicateReferral, err)
	}
	return err
}

func (t *ownerTx) ReferralExists(ctx context.Context, referrer, referred points.OwnerID, conversion points.ConversionType) (bool, error) {
	return referralExists(t.tx.WithContext(ctx), referrer, referred, conversion)
}

func (t *ownerTx) SetReferredBy(ctx context.Context, user points.OwnerID, code string) (bool, error) {
	db := t.tx.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&profileRow{OwnerID: string(user)}).Error; err != nil {
		return false, err
	}
	res := db.Model(&profileRow{}).
		Where("owner_id = ? AND (referred_by IS NULL OR referred_by = '')", string(user)).
		Update("referred_by", code)
	return res.RowsAffected > 0, res.Error
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) Balance(ctx context.Context, owner points.OwnerID) (points.Balance, error) {
	var row balanceRow
	err := s.db.WithContext(ctx).Where("owner_id = ?", string(owner)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.Balance{OwnerID: owner}, nil
	}
	if err != nil {
		return points.Balance{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) Entries(ctx context.Context, owner points.OwnerID, before points.Cursor, limit int) ([]points.Entry, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ?", string(owner))
	if before != 0 {
		q = q.Where("seq < ?", int64(before))
	}
	var rows []ledgerEntry
	if err := q.Order("seq DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]points.Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toDomain())
	}
	return entries, nil
}

type replayRow struct {
	Balance     int64
	TotalEarned int64
	LastAt      *time.Time
}

func replay(db *gorm.DB, owner points.OwnerID) (points.Balance, error) {
	var r replayRow
	err := db.Model(&ledgerEntry{}).
		Select("COALESCE(SUM(delta), 0) AS balance, "+
			"COALESCE(SUM(CASE WHEN delta > 0 THEN delta ELSE 0 END), 0) AS total_earned, "+
			"MAX(created_at) AS last_at").
		Where("owner_id = ?", string(owner)).
		Scan(&r).Error
	if err != nil {
		return points.Balance{}, err
	}
	b := points.Balance{OwnerID: owner, Balance: r.Balance, TotalEarned: r.TotalEarned}
	if r.LastAt != nil {
		b.UpdatedAt = r.LastAt.UTC()
	}
	return b, nil
}

func (s *Store) ReplayBalance(ctx context.Context, owner points.OwnerID) (points.Balance, error) {
	return replay(s.db.WithContext(ctx), owner)
}

func (s *Store) RebuildBalance(ctx context.Context, owner points.OwnerID) (points.Balance, error) {
	var rebuilt points.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockBalance(tx, owner, &balanceRow{}); err != nil {
			return err
		}
		var err error
		if rebuilt, err = replay(tx, owner); err != nil {
			return err
		}
		updates := map[string]any{"balance": rebuilt.Balance, "total_earned": rebuilt.TotalEarned}
		if !rebuilt.UpdatedAt.IsZero() {
			updates["updated_at"] = rebuilt.UpdatedAt
		}
		return tx.Model(&balanceRow{}).Where("owner_id = ?", string(owner)).Updates(updates).Error
	})
	return rebuilt, err
}

func (s *Store) Owners(ctx context.Context) ([]points.OwnerID, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&balanceRow{}).Order("owner_id").Pluck("owner_id", &ids).Error; err != nil {
		return nil, err
	}
	owners := make([]points.OwnerID, len(ids))
	for i, id := range ids {
		owners[i] = points.OwnerID(id)
	}
	return owners, nil
}

func (s *Store) Redemption(ctx context.Context, id string) (*points.Redemption, error) {
	return findRedemption(s.db.WithContext(ctx), id)
}

func findRedemption(db *gorm.DB, id string) (*points.Redemption, error) {
	var row redemptionRow
	err := db.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r := row.toDomain()
	return &r, nil
}

func (s *Store) Redemptions(ctx context.Context, owner points.OwnerID) ([]points.Redemption, error) {
	var rows []redemptionRow
	if err := s.db.WithContext(ctx).Where("owner_id = ?", string(owner)).
		Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]points.Redemption, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) ReferralExists(ctx context.Context, referrer, referred points.OwnerID, conversion points.ConversionType) (bool, error) {
	return referralExists(s.db.WithContext(ctx), referrer, referred, conversion)
}

func referralExists(db *gorm.DB, referrer, referred points.OwnerID, conversion points.ConversionType) (bool, error) {
	var n int64
	err := db.Model(&referralRow{}).
		Where("referrer_id = ? AND referred_user_id = ? AND conversion_type = ?",
			string(referrer), string(referred), string(conversion)).
		Count(&n).Error
	return n > 0, err
}

func (s *Store) Referrals(ctx context.Context, referrer points.OwnerID) ([]points.ReferralRecord, error) {
	var rows []referralRow
	if err := s.db.WithContext(ctx).Where("referrer_id = ?", string(referrer)).
		Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]points.ReferralRecord, 0, len(rows))
	for _, r := range rows {
		rec := points.ReferralRecord{
			ReferrerID:     points.OwnerID(r.ReferrerID),
			ReferredUserID: points.OwnerID(r.ReferredUserID),
			CodeUsed:       r.CodeUsed,
			ConversionType: points.ConversionType(r.ConversionType),
			ConvertedAt:    r.ConvertedAt,
		}
		if r.Attribution != "" {
			json.Unmarshal([]byte(r.Attribution), &rec.Attribution)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Profile(ctx context.Context, owner points.OwnerID) (points.Profile, error) {
	var row profileRow
	err := s.db.WithContext(ctx).Where("owner_id = ?", string(owner)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.Profile{OwnerID: owner}, nil
	}
	if err != nil {
		return points.Profile{}, err
	}
	return points.Profile{OwnerID: owner, ReferredBy: deref(row.ReferredBy)}, nil
}

func (s *Store) SaveCode(ctx context.Context, code points.ReferralCode) error {
	err := s.db.WithContext(ctx).Create(&codeRow{
		Code:      code.Code,
		OwnerID:   string(code.OwnerID),
		Namespace: string(code.Namespace),
		CreatedAt: code.CreatedAt.UTC(),
	}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", points.ErrDuplicateCode, err)
	}
	return err
}

func (s *Store) CodeByValue(ctx context.Context, code string, ns points.CodeNamespace) (*points.ReferralCode, error) {
	return s.findCode(ctx, "code = ? AND namespace = ?", code, string(ns))
}

func (s *Store) CodeByOwner(ctx context.Context, owner points.OwnerID, ns points.CodeNamespace) (*points.ReferralCode, error) {
	return s.findCode(ctx, "owner_id = ? AND namespace = ?", string(owner), string(ns))
}

func (s *Store) findCode(ctx context.Context, where string, args ...any) (*points.ReferralCode, error) {
	var row codeRow
	err := s.db.WithContext(ctx).Where(where, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &points.ReferralCode{
		Code:      row.Code,
		OwnerID:   points.OwnerID(row.OwnerID),
		Namespace: points.CodeNamespace(row.Namespace),
		CreatedAt: row.CreatedAt,
	}, nil
}

// =============================================================================
// MAPPING
// =============================================================================

func entryToRow(e points.Entry) ledgerEntry {
	row := ledgerEntry{
		ID:              string(e.ID),
		OwnerID:         string(e.OwnerID),
		Delta:           e.Delta,
		Kind:            string(e.Kind),
		RelatedEntityID: ptr(e.RelatedEntityID),
		IdempotencyKey:  ptr(e.IdempotencyKey),
		CreatedAt:       e.CreatedAt.UTC(),
	}
	if len(e.Metadata) > 0 {
		raw, _ := json.Marshal(e.Metadata)
		row.Metadata = string(raw)
	}
	return row
}

func (r ledgerEntry) toDomain() points.Entry {
	e := points.Entry{
		ID:              points.EntryID(r.ID),
		Seq:             r.Seq,
		OwnerID:         points.OwnerID(r.OwnerID),
		Delta:           r.Delta,
		Kind:            points.ActionKind(r.Kind),
		RelatedEntityID: deref(r.RelatedEntityID),
		IdempotencyKey:  deref(r.IdempotencyKey),
		CreatedAt:       r.CreatedAt,
	}
	if r.Metadata != "" {
		json.Unmarshal([]byte(r.Metadata), &e.Metadata)
	}
	return e
}

func (r balanceRow) toDomain() points.Balance {
	b := points.Balance{OwnerID: points.OwnerID(r.OwnerID), Balance: r.Balance, TotalEarned: r.TotalEarned}
	if r.LastEntryAt != nil {
		b.UpdatedAt = *r.LastEntryAt
	}
	return b
}

func redemptionToRow(r points.Redemption) redemptionRow {
	return redemptionRow{
		ID:             r.ID,
		OwnerID:        string(r.OwnerID),
		Type:           string(r.Type),
		PointsSpent:    r.PointsSpent,
		DollarValue:    r.DollarValue,
		Status:         string(r.Status),
		RelatedOfferID: ptr(r.RelatedOfferID),
		PurchaseID:     ptr(r.PurchaseID),
		EntryID:        ptr(string(r.EntryID)),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func (r redemptionRow) toDomain() points.Redemption {
	return points.Redemption{
		ID:             r.ID,
		OwnerID:        points.OwnerID(r.OwnerID),
		Type:           points.RedemptionType(r.Type),
		PointsSpent:    r.PointsSpent,
		DollarValue:    r.DollarValue,
		Status:         points.RedemptionStatus(r.Status),
		RelatedOfferID: deref(r.RelatedOfferID),
		PurchaseID:     deref(r.PurchaseID),
		EntryID:        points.EntryID(deref(r.EntryID)),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
