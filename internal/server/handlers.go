package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"SynthLedger/internal/clock"
	"SynthLedger/internal/command"
	"SynthLedger/internal/core"
	"SynthLedger/internal/ingestion"
	"SynthLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
)

var errTimingDisabled = errors.New("controllable timing disabled")

// Handlers implement every API operation once; the gRPC service and the
// HTTP gateway are thin adapters over them.
type Handlers struct {
	engine *core.Engine
	query  *query.QueryService
	timer  *clock.Timer // nil unless controllable timing is on
}

func NewHandlers(engine *core.Engine, qs *query.QueryService, timer *clock.Timer) *Handlers {
	return &Handlers{engine: engine, query: qs, timer: timer}
}

// SubmitResponse describes an accepted command.
type SubmitResponse struct {
	InstanceID    string `json:"instance_id"`
	Sequence      int64  `json:"sequence"`
	StateHash     string `json:"state_hash"`
	Duplicate     bool   `json:"duplicate"`
	Sponsor       string `json:"sponsor,omitempty"`
	LiquidationID uint64 `json:"liquidation_id"`
	Amount        string `json:"amount,omitempty"`
	Price         string `json:"price,omitempty"`
}

type ClockResponse struct {
	Now      time.Time `json:"now"`
	UnixTime int64     `json:"unix_time"`
}

// Submit parses and applies one command. typeName is the wire name, e.g.
// "CreateLiquidation"; payload is the same JSON the NATS feed carries.
func (h *Handlers) Submit(ctx context.Context, typeName string, payload []byte) (*SubmitResponse, error) {
	t := command.ParseType(typeName)
	if t == command.TypeUnknown {
		return nil, fmt.Errorf("%w: unknown command type %q", errBadRequest, typeName)
	}
	cmd, err := ingestion.ParseCommandPayload(t, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	res, err := h.engine.Dispatch(ctx, cmd)
	if err != nil {
		return nil, err
	}
	resp := &SubmitResponse{
		InstanceID:    h.engine.ID(),
		Sequence:      res.Sequence,
		StateHash:     hex.EncodeToString(res.StateHash[:]),
		Duplicate:     res.Duplicate,
		LiquidationID: res.LiquidationID,
	}
	if res.Sponsor != (common.Address{}) {
		resp.Sponsor = res.Sponsor.Hex()
	}
	if !res.Amount.IsZero() {
		resp.Amount = res.Amount.String()
	}
	if !res.Price.IsZero() {
		resp.Price = res.Price.String()
	}
	return resp, nil
}

func (h *Handlers) Position(sponsor string) (*query.PositionResponse, error) {
	addr, err := parseAddress("sponsor", sponsor)
	if err != nil {
		return nil, err
	}
	p, ok := h.query.GetPosition(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrPositionNotFound, addr.Hex())
	}
	return p, nil
}

func (h *Handlers) Positions() []query.PositionResponse {
	return h.query.GetPositions()
}

func (h *Handlers) Liquidations(sponsor string) ([]query.LiquidationResponse, error) {
	addr, err := parseAddress("sponsor", sponsor)
	if err != nil {
		return nil, err
	}
	return h.query.GetLiquidations(addr), nil
}

func (h *Handlers) Liquidation(sponsor, id string) (*query.LiquidationResponse, error) {
	addr, err := parseAddress("sponsor", sponsor)
	if err != nil {
		return nil, err
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: liquidation id %q", errBadRequest, id)
	}
	return h.query.GetLiquidation(addr, n)
}

func (h *Handlers) Balance(party string) (*query.BalanceResponse, error) {
	addr, err := parseAddress("party", party)
	if err != nil {
		return nil, err
	}
	return h.query.GetBalance(addr), nil
}

func (h *Handlers) Global() (*query.GlobalResponse, error) {
	return h.query.GetGlobal()
}

func (h *Handlers) Params() *query.ParamsResponse {
	return h.query.GetParams()
}

// Journals pages a party's journal history; before < 0 means from the head.
func (h *Handlers) Journals(ctx context.Context, party string, limit int, before int64) ([]query.JournalHistoryEntry, error) {
	addr, err := parseAddress("party", party)
	if err != nil {
		return nil, err
	}
	var cursor *int64
	if before >= 0 {
		cursor = &before
	}
	return h.query.GetJournalHistory(ctx, addr, limit, cursor)
}

func (h *Handlers) Integrity(ctx context.Context) (*query.IntegrityReport, error) {
	return h.query.VerifyIntegrity(ctx)
}

// SetTime moves the manual clock. Only available with controllable timing.
func (h *Handlers) SetTime(unix int64) (*ClockResponse, error) {
	if h.timer == nil {
		return nil, errTimingDisabled
	}
	if unix <= 0 {
		return nil, fmt.Errorf("%w: unix_time must be positive", errBadRequest)
	}
	h.timer.SetTime(time.Unix(unix, 0))
	return h.Now(), nil
}

func (h *Handlers) Now() *ClockResponse {
	var now time.Time
	if h.timer != nil {
		now = h.timer.Now()
	} else {
		now = clock.System{}.Now()
	}
	return &ClockResponse{Now: now, UnixTime: now.Unix()}
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", errBadRequest, field, s)
	}
	return common.HexToAddress(s), nil
}
