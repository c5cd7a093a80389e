/*
Package factory converts program files into engine configuration.

PURPOSE:
  The award table, redemption thresholds, top-up tiers and referral
  commission rates are data, not code. Operators edit one program file
  and the server picks it up on restart.

SCHEMA (JSON or YAML, every section optional):
  actions:
    - {kind: signup_bonus, points: 2500, one_time: true}
    - {kind: share_listing, points: 10, daily_limit: 10, claimable: true}
  redemption:
    points_per_dollar: 100
    cashout_minimum: 10000
  topup_tiers:
    - {price: "5.00", points: 500}
    - {price: "10.00", points: 1000, bonus: 100}
  referral:
    commission_rates: {offer_purchase: "0.05", subscription: "0.10"}
  timezone: UTC

DEFAULTS:
  A missing section keeps its built-in default; a missing file yields the
  defaults for everything. Unknown keys are rejected so a typo cannot
  silently fall back to a default.

VALIDATION:
  Errors name the offending field, e.g. "actions[3].points: must be
  positive, got 0".

EXCHANGE RATE:
  redemption.points_per_dollar is the only exchange rate. Referral
  commissions are converted to points with the same value.

USAGE:
  settings, err := factory.NewProgramFactory().LoadFile("program.yaml")
  awards := rewards.NewEngine(ledger, settings.Program, rewards.WithLocation(settings.Location))
*/
package factory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/warp/loyalty-engine/redemption"
	"github.com/warp/loyalty-engine/referral"
	"github.com/warp/loyalty-engine/rewards"
	"github.com/warp/loyalty-engine/topup"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// SCHEMA
// =============================================================================

// ProgramDefinition is the on-disk shape of a program file.
type ProgramDefinition struct {
	Actions    []rewards.ActionRule `json:"actions" yaml:"actions"`
	Redemption redemption.Config    `json:"redemption" yaml:"redemption"`
	TopUpTiers topup.Tiers          `json:"topup_tiers" yaml:"topup_tiers"`
	Referral   referral.Config      `json:"referral" yaml:"referral"`
	Timezone   string               `json:"timezone" yaml:"timezone"`
}

// Settings is a validated program ready to hand to the engines.
type Settings struct {
	Program    rewards.Program
	Redemption redemption.Config
	TopUpTiers topup.Tiers
	Referral   referral.Config
	Location   *time.Location
}

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("program file %s: unsupported extension", path)
	}
}

// =============================================================================
// PROGRAM FACTORY
// =============================================================================

type ProgramFactory struct{}

func NewProgramFactory() *ProgramFactory {
	return &ProgramFactory{}
}

func (f *ProgramFactory) Defaults() ProgramDefinition {
	return ProgramDefinition{
		Actions:    rewards.DefaultProgram().Rules,
		Redemption: redemption.DefaultConfig(),
		TopUpTiers: topup.DefaultTiers(),
		Referral:   referral.DefaultConfig(),
		Timezone:   "UTC",
	}
}

// LoadFile reads and builds a program file. A missing file yields defaults.
func (f *ProgramFactory) LoadFile(path string) (Settings, error) {
	if path == "" {
		return f.Build(f.Defaults())
	}
	format, err := FormatFor(path)
	if err != nil {
		return Settings{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f.Build(f.Defaults())
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read program file: %w", err)
	}
	settings, err := f.Parse(data, format)
	if err != nil {
		return Settings{}, fmt.Errorf("%s: %w", path, err)
	}
	return settings, nil
}

// Parse decodes data over the defaults, then validates the result.
func (f *ProgramFactory) Parse(data []byte, format Format) (Settings, error) {
	def := f.Defaults()
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
			return Settings{}, fmt.Errorf("failed to parse program JSON: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
			return Settings{}, fmt.Errorf("failed to parse program YAML: %w", err)
		}
	default:
		return Settings{}, fmt.Errorf("unknown program format %q", format)
	}
	return f.Build(def)
}

// Build validates a definition and converts it to Settings.
func (f *ProgramFactory) Build(def ProgramDefinition) (Settings, error) {
	program := rewards.Program{Rules: def.Actions}
	if err := program.Validate(); err != nil {
		return Settings{}, err
	}
	if err := def.Redemption.Validate(); err != nil {
		return Settings{}, fmt.Errorf("redemption.%w", err)
	}
	if err := def.TopUpTiers.Validate(); err != nil {
		return Settings{}, fmt.Errorf("topup_%w", err)
	}
	def.Referral.PointsPerDollar = def.Redemption.PointsPerDollar
	if err := def.Referral.Validate(); err != nil {
		return Settings{}, fmt.Errorf("referral.%w", err)
	}

	tz := def.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Settings{}, fmt.Errorf("timezone: %w", err)
	}

	return Settings{
		Program:    program,
		Redemption: def.Redemption,
		TopUpTiers: def.TopUpTiers,
		Referral:   def.Referral,
		Location:   loc,
	}, nil
}
