package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"SynthLedger/internal/command"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/whitelist"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ParseCommand converts a raw command message into a typed command. The
// command type is the last subject token (synth.commands.<instance>.<Type>).
func ParseCommand(raw RawMessage) (command.Command, error) {
	name := raw.Subject
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return ParseCommandPayload(command.ParseType(name), raw.Data)
}

// ParseCommandPayload decodes a JSON payload for a known command type.
func ParseCommandPayload(t command.Type, data []byte) (command.Command, error) {
	var j commandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", t, err)
	}
	p := &fieldParser{}

	var cmd command.Command
	switch t {
	case command.TypeFund:
		cmd = &command.Fund{Key: j.Key, Party: p.addr("party", j.Party), Amount: p.dec("amount", j.Amount)}
	case command.TypeCreate:
		sponsor := p.addr("sponsor", j.Sponsor)
		caller := sponsor
		if j.Caller != "" {
			caller = p.addr("caller", j.Caller)
		}
		cmd = &command.Create{
			Key:        j.Key,
			Caller:     caller,
			Sponsor:    sponsor,
			Collateral: p.dec("collateral", j.Collateral),
			Tokens:     p.dec("tokens", j.Tokens),
		}
	case command.TypeDeposit:
		sponsor := p.addr("sponsor", j.Sponsor)
		caller := sponsor
		if j.Caller != "" {
			caller = p.addr("caller", j.Caller)
		}
		cmd = &command.Deposit{Key: j.Key, Caller: caller, Sponsor: sponsor, Amount: p.dec("amount", j.Amount)}
	case command.TypeWithdraw:
		cmd = &command.Withdraw{Key: j.Key, Sponsor: p.addr("sponsor", j.Sponsor), Amount: p.dec("amount", j.Amount)}
	case command.TypeRequestWithdrawal:
		cmd = &command.RequestWithdrawal{Key: j.Key, Sponsor: p.addr("sponsor", j.Sponsor), Amount: p.dec("amount", j.Amount)}
	case command.TypeWithdrawPassedRequest:
		cmd = &command.WithdrawPassedRequest{Key: j.Key, Sponsor: p.addr("sponsor", j.Sponsor)}
	case command.TypeCancelWithdrawal:
		cmd = &command.CancelWithdrawal{Key: j.Key, Sponsor: p.addr("sponsor", j.Sponsor)}
	case command.TypeRedeem:
		cmd = &command.Redeem{Key: j.Key, Sponsor: p.addr("sponsor", j.Sponsor), Tokens: p.dec("tokens", j.Tokens)}
	case command.TypeSettleExpired:
		cmd = &command.SettleExpired{Key: j.Key, Caller: p.addr("caller", j.Caller)}
	case command.TypeCreateLiquidation:
		if j.DeadlineUnix == 0 {
			p.fail("deadline_unix", fmt.Errorf("required"))
		}
		cmd = &command.CreateLiquidation{
			Key:        j.Key,
			Liquidator: p.addr("liquidator", j.Liquidator),
			Sponsor:    p.addr("sponsor", j.Sponsor),
			MinPrice:   p.dec("min_collateral_per_token", j.MinPrice),
			MaxPrice:   p.dec("max_collateral_per_token", j.MaxPrice),
			Tokens:     p.dec("tokens", j.Tokens),
			Deadline:   time.Unix(j.DeadlineUnix, 0).UTC(),
		}
	case command.TypeDispute:
		cmd = &command.Dispute{
			Key:           j.Key,
			Disputer:      p.addr("disputer", j.Disputer),
			Sponsor:       p.addr("sponsor", j.Sponsor),
			LiquidationID: j.LiquidationID,
		}
	case command.TypeResolveDispute:
		cmd = &command.ResolveDispute{Key: j.Key, Sponsor: p.addr("sponsor", j.Sponsor), LiquidationID: j.LiquidationID}
	case command.TypeWithdrawLiquidation:
		cmd = &command.WithdrawLiquidation{
			Key:           j.Key,
			Caller:        p.addr("caller", j.Caller),
			Sponsor:       p.addr("sponsor", j.Sponsor),
			LiquidationID: j.LiquidationID,
		}
	case command.TypeTransferTokens:
		cmd = &command.TransferTokens{
			Key:    j.Key,
			From:   p.addr("from", j.From),
			To:     p.addr("to", j.To),
			Amount: p.dec("amount", j.Amount),
		}
	default:
		return nil, fmt.Errorf("unknown command type: %s", t)
	}
	if p.err != nil {
		return nil, fmt.Errorf("parse %s: %w", t, p.err)
	}
	return cmd, nil
}

// --- JSON wire formats ---
// Amounts are decimal strings, addresses 0x-prefixed hex.

type commandJSON struct {
	Key           string `json:"idempotency_key"`
	Party         string `json:"party"`
	Caller        string `json:"caller"`
	Sponsor       string `json:"sponsor"`
	Liquidator    string `json:"liquidator"`
	Disputer      string `json:"disputer"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
	Collateral    string `json:"collateral"`
	Tokens        string `json:"tokens"`
	MinPrice      string `json:"min_collateral_per_token"`
	MaxPrice      string `json:"max_collateral_per_token"`
	DeadlineUnix  int64  `json:"deadline_unix"`
	LiquidationID uint64 `json:"liquidation_id"`
}

// fieldParser records the first field error and returns zero values after it.
type fieldParser struct {
	err error
}

func (p *fieldParser) fail(field string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", field, err)
	}
}

func (p *fieldParser) addr(field, s string) common.Address {
	if !common.IsHexAddress(s) {
		p.fail(field, fmt.Errorf("invalid address %q", s))
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (p *fieldParser) dec(field, s string) fpmath.Decimal {
	v, err := parseDecimal(s)
	if err != nil {
		p.fail(field, err)
	}
	return v
}

// parseDecimal accepts the same strings upstream producers emit through
// shopspring, including exponent form ("1e3").
func parseDecimal(s string) (fpmath.Decimal, error) {
	if s == "" {
		return fpmath.Zero, fmt.Errorf("required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fpmath.Zero, err
	}
	return fpmath.FromShopspring(d)
}

// PriceUpdate is one resolved oracle price from the price feed.
type PriceUpdate struct {
	Identifier whitelist.Identifier
	Time       time.Time
	Price      fpmath.Decimal
	Sequence   int64
}

type priceJSON struct {
	Identifier string `json:"identifier"`
	TimeUnix   int64  `json:"time_unix"`
	Price      string `json:"price"`
	Sequence   int64  `json:"sequence"`
}

// ParsePriceUpdate decodes a synth.prices.<identifier> message.
func ParsePriceUpdate(raw RawMessage) (*PriceUpdate, error) {
	var j priceJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	if j.Identifier == "" {
		return nil, fmt.Errorf("parse PriceUpdate: identifier is required")
	}
	if j.TimeUnix <= 0 {
		return nil, fmt.Errorf("parse PriceUpdate: time_unix must be positive")
	}
	price, err := parseDecimal(j.Price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	return &PriceUpdate{
		Identifier: whitelist.NewIdentifier(j.Identifier),
		Time:       time.Unix(j.TimeUnix, 0).UTC(),
		Price:      price,
		Sequence:   j.Sequence,
	}, nil
}
