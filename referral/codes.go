package referral

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"unicode"

	"github.com/gosimple/slug"
	"github.com/gosimple/unidecode"
	"github.com/warp/loyalty-engine/points"
)

const (
	suffixAlphabet    = "abcdefghjkmnpqrstuvwxyz23456789"
	userSuffixLen     = 5
	businessSuffixLen = 4
	maxSlugLen        = 24
	maxMintAttempts   = 8
)

var ErrInvalidNamespace = errors.New("invalid code namespace")

// Codes mints and resolves referral codes.
type Codes struct {
	store  points.Store
	clock  points.Clock
	suffix func(n int) string
}

type CodesOption func(*Codes)

// WithSuffixGenerator replaces the random suffix source.
func WithSuffixGenerator(fn func(n int) string) CodesOption {
	return func(c *Codes) { c.suffix = fn }
}

func NewCodes(store points.Store, clock points.Clock, opts ...CodesOption) *Codes {
	if clock == nil {
		clock = points.SystemClock{}
	}
	c := &Codes{store: store, clock: clock, suffix: randomSuffix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mint returns the owner's code in ns, creating it on first use. A code is
// bound to its owner permanently.
func (c *Codes) Mint(ctx context.Context, owner points.OwnerID, ns points.CodeNamespace, displayName string) (points.ReferralCode, error) {
	if owner == "" {
		return points.ReferralCode{}, points.ErrOwnerRequired
	}
	if ns != points.NamespaceUser && ns != points.NamespaceBusiness {
		return points.ReferralCode{}, fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}

	if existing, err := c.store.CodeByOwner(ctx, owner, ns); err != nil {
		return points.ReferralCode{}, points.WrapStore("load referral code", err)
	} else if existing != nil {
		return *existing, nil
	}

	prefix := userPrefix(displayName)
	sep, n := "", userSuffixLen
	if ns == points.NamespaceBusiness {
		prefix, sep, n = businessPrefix(displayName), "-", businessSuffixLen
	}

	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		code := points.ReferralCode{
			Code:      prefix + sep + c.suffix(n),
			OwnerID:   owner,
			Namespace: ns,
			CreatedAt: c.clock.Now(),
		}
		err := c.store.SaveCode(ctx, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, points.ErrDuplicateCode) {
			return points.ReferralCode{}, points.WrapStore("save referral code", err)
		}
		// a concurrent mint for the same owner wins
		if existing, err := c.store.CodeByOwner(ctx, owner, ns); err != nil {
			return points.ReferralCode{}, points.WrapStore("load referral code", err)
		} else if existing != nil {
			return *existing, nil
		}
	}
	return points.ReferralCode{}, fmt.Errorf("mint %s code for %s: %w after %d attempts",
		ns, owner, points.ErrDuplicateCode, maxMintAttempts)
}

// Resolve finds the owner of code, searching user codes before business
// codes. An unknown code resolves to nil without error.
func (c *Codes) Resolve(ctx context.Context, code string) (*points.ReferralCode, error) {
	return resolve(ctx, c.store, code)
}

func resolve(ctx context.Context, store points.Store, code string) (*points.ReferralCode, error) {
	code = Normalize(code)
	if code == "" {
		return nil, nil
	}
	for _, ns := range []points.CodeNamespace{points.NamespaceUser, points.NamespaceBusiness} {
		rc, err := store.CodeByValue(ctx, code, ns)
		if err != nil {
			return nil, points.WrapStore("resolve referral code", err)
		}
		if rc != nil {
			return rc, nil
		}
	}
	return nil, nil
}

// Normalize trims and case-folds a code as typed by a user.
func Normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func userPrefix(name string) string {
	var b strings.Builder
	for _, word := range strings.Fields(unidecode.Unidecode(name)) {
		for _, r := range word {
			if unicode.IsLetter(r) {
				b.WriteRune(unicode.ToLower(r))
				break
			}
		}
		if b.Len() == 3 {
			break
		}
	}
	if b.Len() == 0 {
		return "u"
	}
	return b.String()
}

func businessPrefix(name string) string {
	s := slug.Make(name)
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	if s == "" {
		return "biz"
	}
	return s
}

func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = suffixAlphabet[rand.IntN(len(suffixAlphabet))]
	}
	return string(b)
}
