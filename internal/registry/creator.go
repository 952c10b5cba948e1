package registry

import (
	"errors"
	"fmt"
	"sync"

	"SynthLedger/internal/clock"
	"SynthLedger/internal/core"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/state"
	"SynthLedger/internal/token"
	"SynthLedger/internal/whitelist"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CreatorConfig wires a Creator. Address is the identity the creator
// registers instances under; it must hold RoleContractCreator.
type CreatorConfig struct {
	Address     common.Address
	Registry    *Registry
	Identifiers whitelist.IdentifierGate
	Factory     *token.Factory
	Clock       clock.Clock
	Oracle      oracle.Oracle

	EnableFaucet bool
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

// EngineOptions carry the per-instance plumbing that is not a deployment
// parameter.
type EngineOptions struct {
	InstanceID          string
	DBChecker           core.DBIdempotencyChecker
	IdempotencyCapacity int
	PersistChan         chan<- core.Output
	PublishChan         chan<- core.Output
}

// Creator deploys engine instances: it validates parameters against its
// whitelists, creates the synthetic token and registers the instance.
type Creator struct {
	cfg        CreatorConfig
	collateral *whitelist.AddressWhitelist
	log        zerolog.Logger

	mu      sync.RWMutex
	engines map[string]*core.Engine
	ids     []string
}

func NewCreator(cfg CreatorConfig) (*Creator, error) {
	if cfg.Registry == nil || cfg.Identifiers == nil {
		return nil, errors.New("creator requires a registry and an identifier whitelist")
	}
	if cfg.Factory == nil || cfg.Oracle == nil {
		return nil, errors.New("creator requires a token factory and an oracle")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Creator{
		cfg:        cfg,
		collateral: whitelist.NewAddressWhitelist(),
		log:        cfg.Logger.With().Str("creator", cfg.Address.Hex()).Logger(),
		engines:    make(map[string]*core.Engine),
	}, nil
}

// CollateralWhitelist is the creator-owned set of accepted collateral.
func (c *Creator) CollateralWhitelist() *whitelist.AddressWhitelist { return c.collateral }

// CreateEngine deploys a new instance and returns its id.
func (c *Creator) CreateEngine(params state.Params, opts EngineOptions) (string, error) {
	if err := state.ValidateParams(&params); err != nil {
		return "", &core.OpError{Op: "CreateEngine", Kind: core.KindValidation, Err: err}
	}
	if !c.collateral.IsOnWhitelist(params.CollateralAddress) {
		return "", &core.OpError{Op: "CreateEngine", Kind: core.KindValidation, Err: core.ErrCollateralNotWhitelisted}
	}
	if !c.cfg.Identifiers.IsIdentifierSupported(params.PriceIdentifier) {
		return "", &core.OpError{Op: "CreateEngine", Kind: core.KindValidation, Err: core.ErrIdentifierNotSupported}
	}
	if !c.cfg.Registry.HoldsRole(RoleContractCreator, c.cfg.Address) {
		return "", ErrNotCreator
	}

	id := opts.InstanceID
	if id == "" {
		id = uuid.NewString()
	}
	if c.cfg.Registry.IsRegistered(id) {
		return "", fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}

	tok, err := c.cfg.Factory.CreateToken(params.SyntheticName, params.SyntheticSymbol)
	if err != nil {
		return "", &core.OpError{Op: "CreateEngine", Kind: core.KindValidation, Err: err}
	}
	engine, err := core.NewEngine(core.Config{
		InstanceID:          id,
		Params:              &params,
		Clock:               c.cfg.Clock,
		Oracle:              c.cfg.Oracle,
		Token:               tok,
		CollateralGate:      c.collateral,
		IdentifierGate:      c.cfg.Identifiers,
		DBChecker:           opts.DBChecker,
		IdempotencyCapacity: opts.IdempotencyCapacity,
		EnableFaucet:        c.cfg.EnableFaucet,
		Metrics:             c.cfg.Metrics,
		Logger:              c.cfg.Logger,
		PersistChan:         opts.PersistChan,
		PublishChan:         opts.PublishChan,
	})
	if err != nil {
		return "", fmt.Errorf("build engine: %w", err)
	}
	if err := c.cfg.Registry.RegisterContract(c.cfg.Address, id, c.cfg.Clock.Now()); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.engines[id] = engine
	c.ids = append(c.ids, id)
	c.mu.Unlock()

	c.log.Info().
		Str("instance", id).
		Str("token", tok.Address().Hex()).
		Str("identifier", params.PriceIdentifier.String()).
		Time("expiration", params.ExpirationTimestamp).
		Msg("engine created")
	return id, nil
}

func (c *Creator) Engine(id string) (*core.Engine, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.engines[id]
	return e, ok
}

// InstanceIDs lists every instance this creator deployed, oldest first.
func (c *Creator) InstanceIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.ids...)
}
