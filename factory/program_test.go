package factory_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/points"
	"github.com/warp/loyalty-engine/redemption"
	"github.com/warp/loyalty-engine/rewards"
	"github.com/warp/loyalty-engine/topup"
)

func TestParse_YAML(t *testing.T) {
	// GIVEN: A YAML program overriding actions, the cashout minimum and one rate
	// WHEN: Parsed
	// THEN: Overrides apply and untouched sections keep their defaults

	src := `
actions:
  - kind: signup_bonus
    points: 1000
    one_time: true
  - kind: share_listing
    points: 5
    daily_limit: 4
redemption:
  cashout_minimum: 5000
referral:
  commission_rates:
    subscription: "0.25"
timezone: UTC
`
	s, err := factory.NewProgramFactory().Parse([]byte(src), factory.FormatYAML)
	require.NoError(t, err)

	require.Len(t, s.Program.Rules, 2)
	rule, ok := s.Program.Rule(rewards.ActionShareListing)
	require.True(t, ok)
	assert.Equal(t, int64(5), rule.Points)
	assert.Equal(t, 4, rule.DailyLimit)

	assert.Equal(t, int64(5000), s.Redemption.CashoutMinimum)
	assert.Equal(t, int64(redemption.DefaultPointsPerDollar), s.Redemption.PointsPerDollar)
	assert.True(t, s.Referral.CommissionRates[points.ConversionSubscription].Equal(decimal.RequireFromString("0.25")))
	assert.True(t, s.Referral.CommissionRates[points.ConversionOfferPurchase].Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, topup.DefaultTiers(), s.TopUpTiers)
	assert.Equal(t, time.UTC, s.Location)
}

func TestParse_JSON(t *testing.T) {
	src := `{
		"topup_tiers": [{"price": "2.50", "points": 250, "bonus": 5}],
		"redemption": {"points_per_dollar": 200, "cashout_minimum": 20000}
	}`
	s, err := factory.NewProgramFactory().Parse([]byte(src), factory.FormatJSON)
	require.NoError(t, err)

	require.Len(t, s.TopUpTiers, 1)
	assert.True(t, s.TopUpTiers[0].Price.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, int64(255), s.TopUpTiers[0].Total())
	assert.Equal(t, int64(200), s.Redemption.PointsPerDollar)
	assert.Equal(t, rewards.DefaultProgram().Rules, s.Program.Rules)
}

func TestParse_SingleExchangeRate(t *testing.T) {
	// GIVEN: A program that changes the redemption exchange rate
	// WHEN: It is built
	// THEN: Referral commissions convert at the same rate, and a separate
	//       referral rate is rejected as an unknown field

	f := factory.NewProgramFactory()
	s, err := f.Parse([]byte("redemption:\n  points_per_dollar: 250\n"), factory.FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, int64(250), s.Referral.PointsPerDollar)
	assert.Equal(t, int64(250), s.Referral.Commission(points.ConversionOfferPurchase, decimal.NewFromInt(20)),
		"5% of $20 is $1, at 250 points per dollar")

	_, err = f.Parse([]byte(`{"referral":{"points_per_dollar":50}}`), factory.FormatJSON)
	assert.ErrorContains(t, err, "points_per_dollar")
	_, err = f.Parse([]byte("referral:\n  points_per_dollar: 50\n"), factory.FormatYAML)
	assert.ErrorContains(t, err, "points_per_dollar")
}

func TestParse_ValidationNamesField(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		format factory.Format
		want   string
	}{
		{"zero points", `{"actions":[{"kind":"x","points":0}]}`, factory.FormatJSON, "actions[0].points"},
		{"reserved kind", "actions:\n  - {kind: cashout, points: 1}\n", factory.FormatYAML, "actions[0].kind"},
		{"bad minimum", `{"redemption":{"cashout_minimum":-1}}`, factory.FormatJSON, "redemption.cashout_minimum"},
		{"bad tier", `{"topup_tiers":[{"price":"0","points":1}]}`, factory.FormatJSON, "topup_tiers[0].price"},
		{"bad rate", "referral:\n  commission_rates:\n    signup: \"0.1\"\n", factory.FormatYAML, "referral.commission_rates.signup"},
		{"bad timezone", `{"timezone":"Mars/Olympus"}`, factory.FormatJSON, "timezone"},
		{"unknown key", `{"actoins":[]}`, factory.FormatJSON, "actoins"},
		{"unknown yaml key", "redemptoin: {}\n", factory.FormatYAML, "redemptoin"},
		{"malformed", `{`, factory.FormatJSON, "parse program JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.NewProgramFactory().Parse([]byte(tt.src), tt.format)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	f := factory.NewProgramFactory()

	s, err := f.LoadFile(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, rewards.DefaultProgram().Rules, s.Program.Rules, "missing file falls back to defaults")

	s, err = f.LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, redemption.DefaultConfig(), s.Redemption)

	path := filepath.Join(dir, "program.yml")
	require.NoError(t, os.WriteFile(path, []byte("redemption:\n  cashout_minimum: 1\n"), 0o600))
	s, err = f.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Redemption.CashoutMinimum)

	bad := filepath.Join(dir, "program.yml")
	require.NoError(t, os.WriteFile(bad, []byte("redemption:\n  cashout_minimum: -5\n"), 0o600))
	_, err = f.LoadFile(bad)
	assert.ErrorContains(t, err, "program.yml")

	_, err = f.LoadFile(filepath.Join(dir, "program.toml"))
	assert.ErrorContains(t, err, "unsupported extension")
}

func TestParse_EmptyDocumentUsesDefaults(t *testing.T) {
	s, err := factory.NewProgramFactory().Parse(nil, factory.FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, topup.DefaultTiers(), s.TopUpTiers)
}
