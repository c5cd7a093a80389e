// Package store provides an in-memory points.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes every owner transaction behind one mutex and restores a
// snapshot when the transaction function fails.
type Memory struct {
	mu sync.RWMutex
	st state
}

type state struct {
	seq         int64
	entries     map[points.OwnerID][]points.Entry
	keys        map[string]bool
	balances    map[points.OwnerID]points.Balance
	redemptions map[string]points.Redemption
	purchases   map[string]string // discount purchase id -> redemption id
	referrals   map[referralKey]points.ReferralRecord
	referralSeq []referralKey
	profiles    map[points.OwnerID]points.Profile
	codes       map[string]points.ReferralCode // codes are unique across namespaces
	ownerCodes  map[ownerCodeKey]string
}

type referralKey struct {
	Referrer   points.OwnerID
	Referred   points.OwnerID
	Conversion points.ConversionType
}

type ownerCodeKey struct {
	NS    points.CodeNamespace
	Owner points.OwnerID
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func newState() state {
	return state{
		entries:     make(map[points.OwnerID][]points.Entry),
		keys:        make(map[string]bool),
		balances:    make(map[points.OwnerID]points.Balance),
		redemptions: make(map[string]points.Redemption),
		purchases:   make(map[string]string),
		referrals:   make(map[referralKey]points.ReferralRecord),
		profiles:    make(map[points.OwnerID]points.Profile),
		codes:       make(map[string]points.ReferralCode),
		ownerCodes:  make(map[ownerCodeKey]string),
	}
}

func (s state) clone() state {
	c := newState()
	c.seq = s.seq
	for k, v := range s.entries {
		c.entries[k] = append([]points.Entry(nil), v...)
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.redemptions {
		c.redemptions[k] = v
	}
	for k, v := range s.purchases {
		c.purchases[k] = v
	}
	for k, v := range s.referrals {
		c.referrals[k] = v
	}
	c.referralSeq = append([]referralKey(nil), s.referralSeq...)
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.ownerCodes {
		c.ownerCodes[k] = v
	}
	return c
}

// WithOwnerTx executes fn with exclusive access; on error the snapshot is restored.
func (m *Memory) WithOwnerTx(ctx context.Context, owner points.OwnerID, fn func(points.OwnerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if _, ok := m.st.balances[owner]; !ok {
		m.st.balances[owner] = points.Balance{OwnerID: owner}
	}

	if err := fn(&memoryTx{m: m, owner: owner}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) Balance(_ context.Context, owner points.OwnerID) (points.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.st.balances[owner]
	if !ok {
		return points.Balance{OwnerID: owner}, nil
	}
	return b, nil
}

func (m *Memory) Entries(_ context.Context, owner points.OwnerID, before points.Cursor, limit int) ([]points.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.st.entries[owner]
	var out []points.Entry
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if before != 0 && all[i].Seq >= int64(before) {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (m *Memory) ReplayBalance(_ context.Context, owner points.OwnerID) (points.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return points.Replay(owner, m.st.entries[owner]), nil
}

func (m *Memory) RebuildBalance(_ context.Context, owner points.OwnerID) (points.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := points.Replay(owner, m.st.entries[owner])
	m.st.balances[owner] = b
	return b, nil
}

// Corrupt overwrites a projection without touching the ledger.
// Only tests use it, to exercise the audit verifier.
func (m *Memory) Corrupt(owner points.OwnerID, b points.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.balances[owner] = b
}

func (m *Memory) Owners(_ context.Context) ([]points.OwnerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owners := make([]points.OwnerID, 0, len(m.st.balances))
	for o := range m.st.balances {
		owners = append(owners, o)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	return owners, nil
}

func (m *Memory) Redemption(_ context.Context, id string) (*points.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.redemption(id), nil
}

func (m *Memory) Redemptions(_ context.Context, owner points.OwnerID) ([]points.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []points.Redemption
	for _, r := range m.st.redemptions {
		if r.OwnerID == owner {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ReferralExists(_ context.Context, referrer, referred points.OwnerID, conversion points.ConversionType) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.st.referrals[referralKey{referrer, referred, conversion}]
	return ok, nil
}

func (m *Memory) Referrals(_ context.Context, referrer points.OwnerID) ([]points.ReferralRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []points.ReferralRecord
	for _, k := range m.st.referralSeq {
		if k.Referrer == referrer {
			out = append(out, m.st.referrals[k])
		}
	}
	return out, nil
}

func (m *Memory) Profile(_ context.Context, owner points.OwnerID) (points.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.st.profiles[owner]
	if !ok {
		return points.Profile{OwnerID: owner}, nil
	}
	return p, nil
}

func (m *Memory) SaveCode(_ context.Context, code points.ReferralCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ownerCodeKey{code.Namespace, code.OwnerID}
	if _, exists := m.st.codes[code.Code]; exists {
		return points.ErrDuplicateCode
	}
	if _, exists := m.st.ownerCodes[key]; exists {
		return points.ErrDuplicateCode
	}
	m.st.codes[code.Code] = code
	m.st.ownerCodes[key] = code.Code
	return nil
}

func (m *Memory) CodeByValue(_ context.Context, code string, ns points.CodeNamespace) (*points.ReferralCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.st.codes[code]
	if !ok || c.Namespace != ns {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) CodeByOwner(_ context.Context, owner points.OwnerID, ns points.CodeNamespace) (*points.ReferralCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	code, ok := m.st.ownerCodes[ownerCodeKey{ns, owner}]
	if !ok {
		return nil, nil
	}
	c := m.st.codes[code]
	return &c, nil
}

func (s *state) redemption(id string) *points.Redemption {
	r, ok := s.redemptions[id]
	if !ok {
		return nil
	}
	return &r
}

// =============================================================================
// TRANSACTION VIEW - runs with m.mu held
// =============================================================================

type memoryTx struct {
	m     *Memory
	owner points.OwnerID
}

func (tx *memoryTx) Owner() points.OwnerID { return tx.owner }

func (tx *memoryTx) Balance(_ context.Context) (points.Balance, error) {
	return tx.m.st.balances[tx.owner], nil
}

func (tx *memoryTx) Replay(_ context.Context) (points.Balance, error) {
	return points.Replay(tx.owner, tx.m.st.entries[tx.owner]), nil
}

func (tx *memoryTx) Exists(_ context.Context, key string) (bool, error) {
	return tx.m.st.keys[key], nil
}

func (tx *memoryTx) CountKindBetween(_ context.Context, kind points.ActionKind, from, to time.Time) (int, error) {
	n := 0
	for _, e := range tx.m.st.entries[tx.owner] {
		if e.Kind == kind && !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) Insert(_ context.Context, e points.Entry) (points.Entry, points.Balance, error) {
	st := &tx.m.st
	if e.OwnerID != tx.owner {
		return points.Entry{}, points.Balance{}, points.ErrOwnerRequired
	}
	if e.IdempotencyKey != "" {
		if st.keys[e.IdempotencyKey] {
			return points.Entry{}, points.Balance{}, points.ErrDuplicateIdempotencyKey
		}
		st.keys[e.IdempotencyKey] = true
	}
	st.seq++
	e.Seq = st.seq
	st.entries[tx.owner] = append(st.entries[tx.owner], e)

	b := st.balances[tx.owner].Apply(e.Delta, e.CreatedAt)
	b.OwnerID = tx.owner
	st.balances[tx.owner] = b
	return e, b, nil
}

func (tx *memoryTx) SaveRedemption(_ context.Context, r points.Redemption) error {
	st := &tx.m.st
	if r.PurchaseID != "" {
		if _, taken := st.purchases[r.PurchaseID]; taken {
			return points.ErrDuplicateIdempotencyKey
		}
		st.purchases[r.PurchaseID] = r.ID
	}
	st.redemptions[r.ID] = r
	return nil
}

func (tx *memoryTx) UpdateRedemptionStatus(_ context.Context, id string, status points.RedemptionStatus, at time.Time) error {
	r, ok := tx.m.st.redemptions[id]
	if !ok {
		return points.ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = at
	tx.m.st.redemptions[id] = r
	return nil
}

func (tx *memoryTx) Redemption(_ context.Context, id string) (*points.Redemption, error) {
	return tx.m.st.redemption(id), nil
}

func (tx *memoryTx) InsertReferral(_ context.Context, r points.ReferralRecord) error {
	st := &tx.m.st
	k := referralKey{r.ReferrerID, r.ReferredUserID, r.ConversionType}
	if _, exists := st.referrals[k]; exists {
		return points.ErrDuplicateReferral
	}
	st.referrals[k] = r
	st.referralSeq = append(st.referralSeq, k)
	return nil
}

func (tx *memoryTx) ReferralExists(_ context.Context, referrer, referred points.OwnerID, conversion points.ConversionType) (bool, error) {
	_, ok := tx.m.st.referrals[referralKey{referrer, referred, conversion}]
	return ok, nil
}

func (tx *memoryTx) SetReferredBy(_ context.Context, user points.OwnerID, code string) (bool, error) {
	st := &tx.m.st
	p := st.profiles[user]
	if p.ReferredBy != "" {
		return false, nil
	}
	st.profiles[user] = points.Profile{OwnerID: user, ReferredBy: code}
	return true, nil
}
