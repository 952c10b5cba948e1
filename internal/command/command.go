package command

import (
	"encoding/json"
	"fmt"
	"time"

	fpmath "SynthLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Type discriminator for command payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeFund
	TypeCreate
	TypeDeposit
	TypeWithdraw
	TypeRequestWithdrawal
	TypeWithdrawPassedRequest
	TypeCancelWithdrawal
	TypeRedeem
	TypeSettleExpired
	TypeCreateLiquidation
	TypeDispute
	TypeResolveDispute
	TypeWithdrawLiquidation
	TypeTransferTokens
)

var typeNames = map[Type]string{
	TypeFund:                  "Fund",
	TypeCreate:                "Create",
	TypeDeposit:               "Deposit",
	TypeWithdraw:              "Withdraw",
	TypeRequestWithdrawal:     "RequestWithdrawal",
	TypeWithdrawPassedRequest: "WithdrawPassedRequest",
	TypeCancelWithdrawal:      "CancelWithdrawal",
	TypeRedeem:                "Redeem",
	TypeSettleExpired:         "SettleExpired",
	TypeCreateLiquidation:     "CreateLiquidation",
	TypeDispute:               "Dispute",
	TypeResolveDispute:        "ResolveDispute",
	TypeWithdrawLiquidation:   "WithdrawLiquidation",
	TypeTransferTokens:        "TransferTokens",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// ParseType maps a wire name back to its Type.
func ParseType(name string) Type {
	for t, n := range typeNames {
		if n == name {
			return t
		}
	}
	return TypeUnknown
}

// Command is the interface every engine command implements
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() Type

	// Sponsor returns the position the command touches (zero for none)
	SponsorAddress() common.Address
}

// Envelope wraps every accepted command in the log
type Envelope struct {
	InstanceID     string
	Sequence       int64
	IdempotencyKey string
	Type           Type
	Sponsor        common.Address
	Timestamp      time.Time // engine clock, not wall clock
	Payload        []byte    // JSON-encoded command
	StateHash      [32]byte
	PrevHash       [32]byte
}

// Encode renders a command as its JSON payload.
func Encode(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// New returns an empty command of type t, or nil for an unknown type.
func New(t Type) Command {
	switch t {
	case TypeFund:
		return &Fund{}
	case TypeCreate:
		return &Create{}
	case TypeDeposit:
		return &Deposit{}
	case TypeWithdraw:
		return &Withdraw{}
	case TypeRequestWithdrawal:
		return &RequestWithdrawal{}
	case TypeWithdrawPassedRequest:
		return &WithdrawPassedRequest{}
	case TypeCancelWithdrawal:
		return &CancelWithdrawal{}
	case TypeRedeem:
		return &Redeem{}
	case TypeSettleExpired:
		return &SettleExpired{}
	case TypeCreateLiquidation:
		return &CreateLiquidation{}
	case TypeDispute:
		return &Dispute{}
	case TypeResolveDispute:
		return &ResolveDispute{}
	case TypeWithdrawLiquidation:
		return &WithdrawLiquidation{}
	case TypeTransferTokens:
		return &TransferTokens{}
	}
	return nil
}

// Decode is the inverse of Encode for a logged envelope payload.
func Decode(t Type, payload []byte) (Command, error) {
	cmd := New(t)
	if cmd == nil {
		return nil, fmt.Errorf("unknown command type %d", int32(t))
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return cmd, nil
}

type Fund struct {
	Key    string         `json:"idempotency_key"`
	Party  common.Address `json:"party"`
	Amount fpmath.Decimal `json:"amount"`
}

func (c *Fund) IdempotencyKey() string         { return c.Key }
func (c *Fund) CommandType() Type              { return TypeFund }
func (c *Fund) SponsorAddress() common.Address { return common.Address{} }

// Create opens or grows a position. Caller pays the collateral and receives
// the minted tokens; Sponsor owns the position.
type Create struct {
	Key        string         `json:"idempotency_key"`
	Caller     common.Address `json:"caller"`
	Sponsor    common.Address `json:"sponsor"`
	Collateral fpmath.Decimal `json:"collateral"`
	Tokens     fpmath.Decimal `json:"tokens"`
}

func (c *Create) IdempotencyKey() string         { return c.Key }
func (c *Create) CommandType() Type              { return TypeCreate }
func (c *Create) SponsorAddress() common.Address { return c.Sponsor }

type Deposit struct {
	Key     string         `json:"idempotency_key"`
	Caller  common.Address `json:"caller"`
	Sponsor common.Address `json:"sponsor"`
	Amount  fpmath.Decimal `json:"amount"`
}

func (c *Deposit) IdempotencyKey() string         { return c.Key }
func (c *Deposit) CommandType() Type              { return TypeDeposit }
func (c *Deposit) SponsorAddress() common.Address { return c.Sponsor }

type Withdraw struct {
	Key     string         `json:"idempotency_key"`
	Sponsor common.Address `json:"sponsor"`
	Amount  fpmath.Decimal `json:"amount"`
}

func (c *Withdraw) IdempotencyKey() string         { return c.Key }
func (c *Withdraw) CommandType() Type              { return TypeWithdraw }
func (c *Withdraw) SponsorAddress() common.Address { return c.Sponsor }

type RequestWithdrawal struct {
	Key     string         `json:"idempotency_key"`
	Sponsor common.Address `json:"sponsor"`
	Amount  fpmath.Decimal `json:"amount"`
}

func (c *RequestWithdrawal) IdempotencyKey() string         { return c.Key }
func (c *RequestWithdrawal) CommandType() Type              { return TypeRequestWithdrawal }
func (c *RequestWithdrawal) SponsorAddress() common.Address { return c.Sponsor }

type WithdrawPassedRequest struct {
	Key     string         `json:"idempotency_key"`
	Sponsor common.Address `json:"sponsor"`
}

func (c *WithdrawPassedRequest) IdempotencyKey() string         { return c.Key }
func (c *WithdrawPassedRequest) CommandType() Type              { return TypeWithdrawPassedRequest }
func (c *WithdrawPassedRequest) SponsorAddress() common.Address { return c.Sponsor }

type CancelWithdrawal struct {
	Key     string         `json:"idempotency_key"`
	Sponsor common.Address `json:"sponsor"`
}

func (c *CancelWithdrawal) IdempotencyKey() string         { return c.Key }
func (c *CancelWithdrawal) CommandType() Type              { return TypeCancelWithdrawal }
func (c *CancelWithdrawal) SponsorAddress() common.Address { return c.Sponsor }

type Redeem struct {
	Key     string         `json:"idempotency_key"`
	Sponsor common.Address `json:"sponsor"`
	Tokens  fpmath.Decimal `json:"tokens"`
}

func (c *Redeem) IdempotencyKey() string         { return c.Key }
func (c *Redeem) CommandType() Type              { return TypeRedeem }
func (c *Redeem) SponsorAddress() common.Address { return c.Sponsor }

// SettleExpired redeems the caller's tokens and position excess after
// expiration. ResolvedPrice is stamped by the engine on the command that
// fixes the settlement price, so replay never consults the oracle.
type SettleExpired struct {
	Key           string          `json:"idempotency_key"`
	Caller        common.Address  `json:"caller"`
	ResolvedPrice *fpmath.Decimal `json:"resolved_price,omitempty"`
}

func (c *SettleExpired) IdempotencyKey() string         { return c.Key }
func (c *SettleExpired) CommandType() Type              { return TypeSettleExpired }
func (c *SettleExpired) SponsorAddress() common.Address { return c.Caller }

type CreateLiquidation struct {
	Key        string         `json:"idempotency_key"`
	Liquidator common.Address `json:"liquidator"`
	Sponsor    common.Address `json:"sponsor"`
	MinPrice   fpmath.Decimal `json:"min_collateral_per_token"`
	MaxPrice   fpmath.Decimal `json:"max_collateral_per_token"`
	Tokens     fpmath.Decimal `json:"tokens"`
	Deadline   time.Time      `json:"deadline"`
}

func (c *CreateLiquidation) IdempotencyKey() string         { return c.Key }
func (c *CreateLiquidation) CommandType() Type              { return TypeCreateLiquidation }
func (c *CreateLiquidation) SponsorAddress() common.Address { return c.Sponsor }

type Dispute struct {
	Key           string         `json:"idempotency_key"`
	Disputer      common.Address `json:"disputer"`
	Sponsor       common.Address `json:"sponsor"`
	LiquidationID uint64         `json:"liquidation_id"`
}

func (c *Dispute) IdempotencyKey() string         { return c.Key }
func (c *Dispute) CommandType() Type              { return TypeDispute }
func (c *Dispute) SponsorAddress() common.Address { return c.Sponsor }

type ResolveDispute struct {
	Key           string          `json:"idempotency_key"`
	Sponsor       common.Address  `json:"sponsor"`
	LiquidationID uint64          `json:"liquidation_id"`
	ResolvedPrice *fpmath.Decimal `json:"resolved_price,omitempty"` // engine-stamped
}

func (c *ResolveDispute) IdempotencyKey() string         { return c.Key }
func (c *ResolveDispute) CommandType() Type              { return TypeResolveDispute }
func (c *ResolveDispute) SponsorAddress() common.Address { return c.Sponsor }

// WithdrawLiquidation pays out a record. ResolvedPrice is stamped when the
// withdrawal also resolves a dispute.
type WithdrawLiquidation struct {
	Key           string          `json:"idempotency_key"`
	Caller        common.Address  `json:"caller"`
	Sponsor       common.Address  `json:"sponsor"`
	LiquidationID uint64          `json:"liquidation_id"`
	ResolvedPrice *fpmath.Decimal `json:"resolved_price,omitempty"`
}

func (c *WithdrawLiquidation) IdempotencyKey() string         { return c.Key }
func (c *WithdrawLiquidation) CommandType() Type              { return TypeWithdrawLiquidation }
func (c *WithdrawLiquidation) SponsorAddress() common.Address { return c.Sponsor }

// TransferTokens moves synthetic tokens between holders. It touches no
// collateral but is logged so the token ledger can be rebuilt.
type TransferTokens struct {
	Key    string         `json:"idempotency_key"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount fpmath.Decimal `json:"amount"`
}

func (c *TransferTokens) IdempotencyKey() string         { return c.Key }
func (c *TransferTokens) CommandType() Type              { return TypeTransferTokens }
func (c *TransferTokens) SponsorAddress() common.Address { return common.Address{} }
