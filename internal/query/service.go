package query

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"SynthLedger/internal/clock"
	"SynthLedger/internal/core"
	"SynthLedger/internal/ledger"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoCommandLog is returned by log-backed queries when no database is wired.
var ErrNoCommandLog = errors.New("command log not configured")

// QueryService provides read-only access to one engine instance. Position,
// liquidation and balance reads come from the engine's in-memory state;
// journal history and integrity checks read the persisted command log. All
// responses carry as_of_sequence for freshness semantics.
type QueryService struct {
	engine *core.Engine
	clock  clock.Clock
	db     *sql.DB // optional
}

func NewQueryService(engine *core.Engine, clk clock.Clock, db *sql.DB) *QueryService {
	if clk == nil {
		clk = clock.System{}
	}
	return &QueryService{engine: engine, clock: clk, db: db}
}

func (qs *QueryService) InstanceID() string { return qs.engine.ID() }

// GetPosition returns a sponsor's position with its derived ratio.
func (qs *QueryService) GetPosition(sponsor common.Address) (*PositionResponse, bool) {
	seq, _ := qs.engine.Head()
	pos, ok := qs.engine.GetPosition(sponsor)
	if !ok {
		return nil, false
	}
	resp := &PositionResponse{
		Sponsor:           pos.Sponsor.Hex(),
		Collateral:        pos.Collateral.String(),
		TokensOutstanding: pos.TokensOutstanding.String(),
		Version:           pos.Version,
		AsOfSequence:      seq,
	}
	if ratio, ok, err := pos.Ratio(); err == nil && ok {
		resp.CollateralRatio = ratio.String()
	}
	if w := pos.Withdrawal; w != nil {
		resp.Withdrawal = &WithdrawalResponse{
			Amount:      w.Amount.String(),
			RequestedAt: w.RequestedAt,
			PassesAt:    w.RequestedAt.Add(qs.engine.Params().WithdrawalLiveness),
		}
	}
	return resp, true
}

// GetPositions lists every open position, ordered by sponsor.
func (qs *QueryService) GetPositions() []PositionResponse {
	sponsors := qs.engine.Sponsors()
	out := make([]PositionResponse, 0, len(sponsors))
	for _, s := range sponsors {
		if p, ok := qs.GetPosition(s); ok {
			out = append(out, *p)
		}
	}
	return out
}

// GetLiquidations returns a sponsor's liquidation records, including
// archived ones.
func (qs *QueryService) GetLiquidations(sponsor common.Address) []LiquidationResponse {
	recs := qs.engine.GetLiquidations(sponsor)
	liveness := qs.engine.Params().LiquidationLiveness
	out := make([]LiquidationResponse, 0, len(recs))
	for i := range recs {
		out = append(out, toLiquidationResponse(&recs[i], liveness))
	}
	return out
}

// GetLiquidation returns one record.
func (qs *QueryService) GetLiquidation(sponsor common.Address, id uint64) (*LiquidationResponse, error) {
	l, err := qs.engine.GetLiquidation(sponsor, id)
	if err != nil {
		return nil, err
	}
	resp := toLiquidationResponse(&l, qs.engine.Params().LiquidationLiveness)
	return &resp, nil
}

func toLiquidationResponse(l *state.Liquidation, liveness time.Duration) LiquidationResponse {
	r := LiquidationResponse{
		Sponsor:          l.Sponsor.Hex(),
		LiquidationID:    l.ID,
		Liquidator:       l.Liquidator.Hex(),
		Status:           l.Status.String(),
		LockedCollateral: l.LockedCollateral.String(),
		TokensLiquidated: l.TokensLiquidated.String(),
		LiquidationPrice: l.LiquidationPrice.String(),
		DisputeBond:      l.DisputeBond.String(),
		RequestedAt:      l.RequestedAt,
		LivenessEndsAt:   l.LivenessEndsAt(liveness),
		Archived:         l.Archived,
	}
	if l.Disputer != (common.Address{}) {
		r.Disputer = l.Disputer.Hex()
	}
	if l.HasSettlementPrice {
		r.SettlementPrice = l.SettlementPrice.String()
	}
	if l.Payout != nil {
		r.Payouts = make(map[string]ShareResponse, 3)
		for _, role := range []state.Role{state.RoleLiquidator, state.RoleSponsor, state.RoleDisputer} {
			share := l.Payout.For(role)
			if share.IsZero() {
				continue
			}
			r.Payouts[role.String()] = ShareResponse{
				FromEscrow: share.FromEscrow.String(),
				FromBond:   share.FromBond.String(),
				Withdrawn:  l.Paid(role),
			}
		}
	}
	return r
}

// GetBalance returns a party's wallet collateral and token balance.
func (qs *QueryService) GetBalance(party common.Address) *BalanceResponse {
	seq, _ := qs.engine.Head()
	return &BalanceResponse{
		Party:        party.Hex(),
		Collateral:   qs.engine.WalletBalance(party).String(),
		Tokens:       qs.engine.Token().BalanceOf(party).String(),
		AsOfSequence: seq,
	}
}

// GetGlobal returns instance-wide totals and the expiry settlement, if any.
func (qs *QueryService) GetGlobal() (*GlobalResponse, error) {
	seq, head := qs.engine.Head()
	coll, tokens := qs.engine.Totals()
	resp := &GlobalResponse{
		InstanceID:      qs.engine.ID(),
		TotalCollateral: coll.String(),
		TotalTokens:     tokens.String(),
		TokenSupply:     qs.engine.Token().TotalSupply().String(),
		Expired:         !qs.clock.Now().Before(qs.engine.Params().ExpirationTimestamp),
		OpenPositions:   len(qs.engine.Sponsors()),
		AsOfSequence:    seq,
		StateHash:       hex.EncodeToString(head[:]),
	}
	ratio, ok, err := qs.engine.GetCurrentCollateralizationRatio()
	if err != nil {
		return nil, fmt.Errorf("global ratio: %w", err)
	}
	if ok {
		resp.CollateralRatio = ratio.String()
	}
	if price, rate, settled := qs.engine.SettlementPrice(); settled {
		resp.SettlementPrice = price.String()
		resp.RedemptionRate = rate.String()
	}
	return resp, nil
}

// GetParams returns the deployment parameters.
func (qs *QueryService) GetParams() *ParamsResponse {
	p := qs.engine.Params()
	return &ParamsResponse{
		ExpirationTimestamp:      p.ExpirationTimestamp,
		WithdrawalLivenessSec:    int64(p.WithdrawalLiveness / time.Second),
		LiquidationLivenessSec:   int64(p.LiquidationLiveness / time.Second),
		CollateralAddress:        p.CollateralAddress.Hex(),
		TokenAddress:             qs.engine.Token().Address().Hex(),
		PriceIdentifier:          p.PriceIdentifier.String(),
		SyntheticName:            p.SyntheticName,
		SyntheticSymbol:          p.SyntheticSymbol,
		CollateralRequirement:    p.CollateralRequirement.String(),
		DisputeBondPct:           p.DisputeBondPct.String(),
		SponsorDisputeRewardPct:  p.SponsorDisputeRewardPct.String(),
		DisputerDisputeRewardPct: p.DisputerDisputeRewardPct.String(),
		MinSponsorTokens:         p.MinSponsorTokens.String(),
		WithdrawalRequestLimit:   p.WithdrawalRequestLimit.String(),
	}
}

// GetJournalHistory returns journal entries touching a party's wallet or
// position accounts, newest first, with cursor pagination on sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	party common.Address,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrNoCommandLog
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	wallet := ledger.NewWalletKey(party).AccountPath()
	engineAccounts := fmt.Sprintf("engine:%s:%%", party.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       from_account, to_account, amount::TEXT, journal_type, ts_us
		FROM command_log.journal
		WHERE instance_id = $1
		  AND (from_account = $2 OR to_account = $2 OR from_account LIKE $3 OR to_account LIKE $3)
	`
	args := []interface{}{qs.engine.ID(), wallet, engineAccounts}
	argIdx := 4

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var amount string
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.FromAccount, &e.ToAccount, &amount, &e.JournalType, &e.TimestampUS,
		); err != nil {
			return nil, err
		}
		// normalize NUMERIC(78,18) padding
		d, err := fpmath.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("journal %s amount: %w", e.JournalID, err)
		}
		e.Amount = d.String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the in-memory ledger invariants and, when the
// command log is wired, hash chain continuity of the persisted envelopes.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{LoggedHead: -1}
	report.EngineHead, _ = qs.engine.Head()

	if err := qs.engine.CheckInvariants(); err != nil {
		report.InvariantError = err.Error()
	}

	if qs.db != nil {
		rows, err := qs.db.QueryContext(ctx, `
			SELECT e1.sequence
			FROM command_log.envelopes e1
			LEFT JOIN command_log.envelopes e2
			       ON e2.instance_id = e1.instance_id AND e2.sequence = e1.sequence - 1
			WHERE e1.instance_id = $1 AND e1.sequence > 0
			  AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
			ORDER BY e1.sequence
			LIMIT 10
		`, qs.engine.ID())
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				return nil, err
			}
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		var genesisPrev []byte
		err = qs.db.QueryRowContext(ctx,
			`SELECT prev_hash FROM command_log.envelopes WHERE instance_id = $1 AND sequence = 0`, qs.engine.ID(),
		).Scan(&genesisPrev)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, err
		default:
			if want := core.GenesisHash(qs.engine.ID()); !bytes.Equal(genesisPrev, want[:]) {
				report.HashChainBreaks = append([]int64{0}, report.HashChainBreaks...)
			}
		}

		var head sql.NullInt64
		if err := qs.db.QueryRowContext(ctx,
			`SELECT MAX(sequence) FROM command_log.envelopes WHERE instance_id = $1`, qs.engine.ID(),
		).Scan(&head); err != nil {
			return nil, err
		}
		if head.Valid {
			report.LoggedHead = head.Int64
		}
	}

	report.IsHealthy = report.InvariantError == "" && len(report.HashChainBreaks) == 0
	return report, nil
}
