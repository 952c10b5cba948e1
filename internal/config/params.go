package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/state"
	"SynthLedger/internal/whitelist"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ParamsFile is the YAML form of an engine's deployment parameters.
// Decimals are strings ("1.2"), durations Go durations ("1000s") and the
// expiration an RFC3339 timestamp.
type ParamsFile struct {
	ExpirationTimestamp string `yaml:"expiration_timestamp"`
	WithdrawalLiveness  string `yaml:"withdrawal_liveness"`
	LiquidationLiveness string `yaml:"liquidation_liveness"`

	CollateralAddress string `yaml:"collateral_address"`
	PriceIdentifier   string `yaml:"price_identifier"`
	SyntheticName     string `yaml:"synthetic_name"`
	SyntheticSymbol   string `yaml:"synthetic_symbol"`

	CollateralRequirement    string `yaml:"collateral_requirement"`
	DisputeBondPct           string `yaml:"dispute_bond_pct"`
	SponsorDisputeRewardPct  string `yaml:"sponsor_dispute_reward_pct"`
	DisputerDisputeRewardPct string `yaml:"disputer_dispute_reward_pct"`
	MinSponsorTokens         string `yaml:"min_sponsor_tokens"`
	StrikePrice              string `yaml:"strike_price"`
	WithdrawalRequestLimit   string `yaml:"withdrawal_request_limit"`
	MintAboveGlobalRatio     bool   `yaml:"mint_above_global_ratio"`
}

// LoadParams reads and validates engine parameters from a YAML file.
func LoadParams(path string) (state.Params, error) {
	if path == "" {
		return state.Params{}, fmt.Errorf("params path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return state.Params{}, fmt.Errorf("read params: %w", err)
	}
	return ParseParams(data)
}

// ParseParams decodes YAML parameters. Unknown keys are rejected.
func ParseParams(data []byte) (state.Params, error) {
	var f ParamsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return state.Params{}, fmt.Errorf("decode params: %w", err)
	}
	p, err := f.Params()
	if err != nil {
		return state.Params{}, err
	}
	if err := state.ValidateParams(&p); err != nil {
		return state.Params{}, fmt.Errorf("invalid params: %w", err)
	}
	return p, nil
}

// Params converts the file form. Optional decimals default to zero.
func (f ParamsFile) Params() (state.Params, error) {
	var p state.Params
	c := &converter{}

	if ts := strings.TrimSpace(f.ExpirationTimestamp); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		c.fail("expiration_timestamp", err)
		p.ExpirationTimestamp = t.UTC()
	}
	p.WithdrawalLiveness = c.duration("withdrawal_liveness", f.WithdrawalLiveness)
	p.LiquidationLiveness = c.duration("liquidation_liveness", f.LiquidationLiveness)

	if f.CollateralAddress != "" {
		if !common.IsHexAddress(f.CollateralAddress) {
			c.fail("collateral_address", fmt.Errorf("invalid address %q", f.CollateralAddress))
		}
		p.CollateralAddress = common.HexToAddress(f.CollateralAddress)
	}
	if f.PriceIdentifier != "" {
		if len(f.PriceIdentifier) > len(whitelist.Identifier{}) {
			c.fail("price_identifier", fmt.Errorf("longer than 32 bytes"))
		}
		p.PriceIdentifier = whitelist.NewIdentifier(f.PriceIdentifier)
	}
	p.SyntheticName = f.SyntheticName
	p.SyntheticSymbol = f.SyntheticSymbol

	p.CollateralRequirement = c.decimal("collateral_requirement", f.CollateralRequirement)
	p.DisputeBondPct = c.decimal("dispute_bond_pct", f.DisputeBondPct)
	p.SponsorDisputeRewardPct = c.decimal("sponsor_dispute_reward_pct", f.SponsorDisputeRewardPct)
	p.DisputerDisputeRewardPct = c.decimal("disputer_dispute_reward_pct", f.DisputerDisputeRewardPct)
	p.MinSponsorTokens = c.decimal("min_sponsor_tokens", f.MinSponsorTokens)
	p.StrikePrice = c.decimal("strike_price", f.StrikePrice)
	p.WithdrawalRequestLimit = c.decimal("withdrawal_request_limit", f.WithdrawalRequestLimit)
	p.MintAboveGlobalRatio = f.MintAboveGlobalRatio

	if c.err != nil {
		return state.Params{}, c.err
	}
	return p, nil
}

type converter struct {
	err error
}

func (c *converter) fail(field string, err error) {
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("%s: %w", field, err)
	}
}

func (c *converter) duration(field, s string) time.Duration {
	if strings.TrimSpace(s) == "" {
		return 0
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	c.fail(field, err)
	return d
}

func (c *converter) decimal(field, s string) fpmath.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return fpmath.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		c.fail(field, err)
		return fpmath.Zero
	}
	v, err := fpmath.FromShopspring(d)
	c.fail(field, err)
	return v
}
