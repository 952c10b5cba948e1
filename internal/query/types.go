package query

import "time"

// All amounts are 18-decimal strings.

// PositionResponse represents a sponsor position for API queries.
type PositionResponse struct {
	Sponsor           string              `json:"sponsor"`
	Collateral        string              `json:"collateral"`
	TokensOutstanding string              `json:"tokens_outstanding"`
	CollateralRatio   string              `json:"collateral_ratio,omitempty"` // derived; empty without debt
	Withdrawal        *WithdrawalResponse `json:"withdrawal,omitempty"`
	Version           int64               `json:"version"`
	AsOfSequence      int64               `json:"as_of_sequence"`
}

// WithdrawalResponse is a pending slow withdrawal.
type WithdrawalResponse struct {
	Amount      string    `json:"amount"`
	RequestedAt time.Time `json:"requested_at"`
	PassesAt    time.Time `json:"passes_at"`
}

// ShareResponse is what one role receives from a liquidation.
type ShareResponse struct {
	FromEscrow string `json:"from_escrow"`
	FromBond   string `json:"from_bond"`
	Withdrawn  bool   `json:"withdrawn"`
}

// LiquidationResponse represents a liquidation record for API queries.
type LiquidationResponse struct {
	Sponsor          string                   `json:"sponsor"`
	LiquidationID    uint64                   `json:"liquidation_id"`
	Liquidator       string                   `json:"liquidator"`
	Disputer         string                   `json:"disputer,omitempty"`
	Status           string                   `json:"status"`
	LockedCollateral string                   `json:"locked_collateral"`
	TokensLiquidated string                   `json:"tokens_liquidated"`
	LiquidationPrice string                   `json:"liquidation_price"`
	DisputeBond      string                   `json:"dispute_bond"`
	SettlementPrice  string                   `json:"settlement_price,omitempty"`
	RequestedAt      time.Time                `json:"requested_at"`
	LivenessEndsAt   time.Time                `json:"liveness_ends_at"`
	Payouts          map[string]ShareResponse `json:"payouts,omitempty"`
	Archived         bool                     `json:"archived"`
}

// BalanceResponse is a party's collateral and synthetic token holdings.
type BalanceResponse struct {
	Party        string `json:"party"`
	Collateral   string `json:"collateral"`
	Tokens       string `json:"tokens"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// GlobalResponse summarizes the whole instance.
type GlobalResponse struct {
	InstanceID      string `json:"instance_id"`
	TotalCollateral string `json:"total_collateral"`
	TotalTokens     string `json:"total_tokens"`
	TokenSupply     string `json:"token_supply"`
	CollateralRatio string `json:"collateral_ratio,omitempty"`
	Expired         bool   `json:"expired"`
	SettlementPrice string `json:"settlement_price,omitempty"`
	RedemptionRate  string `json:"redemption_rate,omitempty"`
	OpenPositions   int    `json:"open_positions"`
	AsOfSequence    int64  `json:"as_of_sequence"`
	StateHash       string `json:"state_hash"`
}

// ParamsResponse is the instance's deployment parameters.
type ParamsResponse struct {
	ExpirationTimestamp      time.Time `json:"expiration_timestamp"`
	WithdrawalLivenessSec    int64     `json:"withdrawal_liveness_sec"`
	LiquidationLivenessSec   int64     `json:"liquidation_liveness_sec"`
	CollateralAddress        string    `json:"collateral_address"`
	TokenAddress             string    `json:"token_address"`
	PriceIdentifier          string    `json:"price_identifier"`
	SyntheticName            string    `json:"synthetic_name"`
	SyntheticSymbol          string    `json:"synthetic_symbol"`
	CollateralRequirement    string    `json:"collateral_requirement"`
	DisputeBondPct           string    `json:"dispute_bond_pct"`
	SponsorDisputeRewardPct  string    `json:"sponsor_dispute_reward_pct"`
	DisputerDisputeRewardPct string    `json:"disputer_dispute_reward_pct"`
	MinSponsorTokens         string    `json:"min_sponsor_tokens"`
	WithdrawalRequestLimit   string    `json:"withdrawal_request_limit"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID   string `json:"journal_id"`
	BatchID     string `json:"batch_id"`
	EventRef    string `json:"event_ref"`
	Sequence    int64  `json:"sequence"`
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	Amount      string `json:"amount"`
	JournalType string `json:"journal_type"`
	TimestampUS int64  `json:"timestamp_us"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	InvariantError  string  `json:"invariant_error,omitempty"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	LoggedHead      int64   `json:"logged_head"`
	EngineHead      int64   `json:"engine_head"`
}
