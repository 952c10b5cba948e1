package testutil

import (
	"context"
	"math/big"
	"testing"
	"time"

	"SynthLedger/internal/clock"
	"SynthLedger/internal/core"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/state"
	"SynthLedger/internal/token"
	"SynthLedger/internal/whitelist"

	"github.com/ethereum/go-ethereum/common"
)

// Genesis is the manual clock's starting time in every fixture.
var Genesis = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	CollateralAddress = common.HexToAddress("0x00000000000000000000000000000000000c0113")
	PriceIdentifier   = whitelist.NewIdentifier("TEST/USD")
)

// D parses a decimal literal and panics on error.
func D(s string) fpmath.Decimal { return fpmath.MustFromString(s) }

// Addr returns a deterministic address for a small integer.
func Addr(n int64) common.Address {
	return common.BigToAddress(big.NewInt(n))
}

// DefaultParams mirrors a typical deployment: 1.2 requirement, 10% bond,
// 10%/10% rewards, 1000s liveness windows, expiry 30 days after genesis.
func DefaultParams() state.Params {
	return state.Params{
		ExpirationTimestamp:      Genesis.Add(30 * 24 * time.Hour),
		WithdrawalLiveness:       1000 * time.Second,
		LiquidationLiveness:      1000 * time.Second,
		CollateralAddress:        CollateralAddress,
		PriceIdentifier:          PriceIdentifier,
		SyntheticName:            "Test Synthetic",
		SyntheticSymbol:          "SYNTH",
		CollateralRequirement:    D("1.2"),
		DisputeBondPct:           D("0.1"),
		SponsorDisputeRewardPct:  D("0.1"),
		DisputerDisputeRewardPct: D("0.1"),
		MinSponsorTokens:         D("5"),
		StrikePrice:              D("1"),
	}
}

// Harness is an engine wired to controllable collaborators.
type Harness struct {
	Engine      *core.Engine
	Clock       *clock.Timer
	Oracle      *oracle.Store
	Token       *token.SyntheticToken
	Collateral  *whitelist.AddressWhitelist
	Identifiers *whitelist.IdentifierWhitelist
	Persist     chan core.Output
}

// NewHarness builds a faucet-enabled engine on a manual clock. mutate, when
// non-nil, adjusts the default params first.
func NewHarness(t testing.TB, mutate func(*state.Params)) *Harness {
	t.Helper()
	params := DefaultParams()
	if mutate != nil {
		mutate(&params)
	}

	tok, err := token.NewFactory().CreateToken(params.SyntheticName, params.SyntheticSymbol)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	h := &Harness{
		Clock:       clock.NewTimer(Genesis),
		Oracle:      oracle.NewStore(),
		Token:       tok,
		Collateral:  whitelist.NewAddressWhitelist(),
		Identifiers: whitelist.NewIdentifierWhitelist(),
		Persist:     make(chan core.Output, 4096),
	}
	h.Collateral.AddToWhitelist(params.CollateralAddress)
	h.Identifiers.AddSupportedIdentifier(params.PriceIdentifier)

	h.Engine, err = core.NewEngine(core.Config{
		InstanceID:     "test-instance",
		Params:         &params,
		Clock:          h.Clock,
		Oracle:         h.Oracle,
		Token:          tok,
		CollateralGate: h.Collateral,
		IdentifierGate: h.Identifiers,
		EnableFaucet:   true,
		PersistChan:    h.Persist,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return h
}

// Fund credits collateral to each party.
func (h *Harness) Fund(t testing.TB, amount string, parties ...common.Address) {
	t.Helper()
	for _, p := range parties {
		if _, err := h.Engine.Fund(context.Background(), p, D(amount)); err != nil {
			t.Fatalf("fund %s: %v", p.Hex(), err)
		}
	}
}

// Drain empties the persist channel.
func (h *Harness) Drain() []core.Output {
	var out []core.Output
	for {
		select {
		case o := <-h.Persist:
			out = append(out, o)
		default:
			return out
		}
	}
}
