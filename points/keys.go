package points

import (
	"fmt"
	"strings"
)

// Idempotency keys are unique across the whole ledger. Engines derive their
// keys under reserved prefixes (once:, topup:, discount:, commission:,
// referral:, cashout-reversal:). Keys chosen by callers go through ScopedKey.

// MaxClientKeyLen bounds a caller-chosen idempotency key.
const MaxClientKeyLen = 128

// Scopes for caller-chosen keys.
const (
	ScopeClient  = "client"
	ScopeCashout = "cashout"
)

// ScopedKey confines a caller-chosen key to one owner: "<scope>:<owner>:<key>".
// The key may not contain ':', so the last separator always ends the owner
// and two owners can never produce the same key.
func ScopedKey(scope string, owner OwnerID, key string) (string, error) {
	if owner == "" {
		return "", ErrOwnerRequired
	}
	if key == "" || len(key) > MaxClientKeyLen || strings.Contains(key, ":") {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdempotencyKey, key)
	}
	return scope + ":" + string(owner) + ":" + key, nil
}
