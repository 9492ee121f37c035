package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpCustody/internal/core"
	"PerpCustody/internal/errs"
	"PerpCustody/internal/ledger"
	"PerpCustody/internal/observability"
	"PerpCustody/internal/query"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Outcome labels for visited positions.
const (
	OutcomeTriggered    = "triggered"
	OutcomeNotTriggered = "not_triggered"
	OutcomeVanished     = "vanished"
	OutcomeNotAllowed   = "not_allowed"
	OutcomeFailed       = "failed"
)

// Executor is the part of the engine the keeper drives.
type Executor interface {
	DB() *core.AccountsDB
	Program() ledger.Pubkey
	PreviewClose(ctx context.Context, position ledger.Pubkey) (*core.ClosePreview, error)
	TriggerPosition(ctx context.Context, req core.TriggerRequest) (*core.TriggerResult, error)
}

// PositionLister lists candidate positions. query.QueryService implements it.
type PositionLister interface {
	ListPositions(ctx context.Context, f query.PositionFilter) ([]query.PositionResponse, error)
}

type Config struct {
	Pool   ledger.Pubkey
	Signer ledger.Pubkey // collects the rent of closed positions
	// Interval between rounds, and the longer wait while closes are disabled.
	Interval        time.Duration
	DisabledBackoff time.Duration
	// TriggersPerSecond bounds trigger submissions; zero means unlimited.
	TriggersPerSecond float64
	Burst             int
}

// RoundStats counts what one scan did.
type RoundStats struct {
	Total        int
	Triggered    int
	NotTriggered int
	Vanished     int
	NotAllowed   int
	Failed       int
}

func (s *RoundStats) record(outcome string) {
	switch outcome {
	case OutcomeTriggered:
		s.Triggered++
	case OutcomeNotTriggered:
		s.NotTriggered++
	case OutcomeVanished:
		s.Vanished++
	case OutcomeNotAllowed:
		s.NotAllowed++
	case OutcomeFailed:
		s.Failed++
	}
}

// ErrClosesDisabled is returned by RunOnce while the global close
// permission is off.
var ErrClosesDisabled = errors.New("position closes are disabled")

// Keeper scans a pool for positions whose stop-loss or take-profit is met
// and triggers them with the current exit price as the slippage hint.
type Keeper struct {
	exec      Executor
	positions PositionLister
	cfg       Config
	limiter   *rate.Limiter
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func New(exec Executor, positions PositionLister, cfg Config, metrics *observability.Metrics) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.DisabledBackoff <= 0 {
		cfg.DisabledBackoff = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.TriggersPerSecond > 0 {
		limit = rate.Limit(cfg.TriggersPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Keeper{
		exec:      exec,
		positions: positions,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   metrics,
		logger:    observability.NewLogger("keeper"),
	}
}

// Run scans until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.Info().Str("pool", k.cfg.Pool.String()).Dur("interval", k.cfg.Interval).Msg("keeper started")
	for {
		wait := k.cfg.Interval
		stats, err := k.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrClosesDisabled):
			k.logger.Warn().Dur("retry_in", k.cfg.DisabledBackoff).Msg("closes are not allowed, backing off")
			wait = k.cfg.DisabledBackoff
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Error().Err(err).Msg("keeper round failed")
		default:
			k.logger.Info().
				Int("total", stats.Total).
				Int("triggered", stats.Triggered).
				Int("vanished", stats.Vanished).
				Int("failed", stats.Failed).
				Msg("keeper round")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RunOnce performs one scan of the pool.
func (k *Keeper) RunOnce(ctx context.Context) (RoundStats, error) {
	var stats RoundStats
	if k.metrics != nil {
		k.metrics.KeeperRounds.Inc()
	}

	perps, ok := k.exec.DB().GetPerpetuals(ledger.PerpetualsAddress(k.exec.Program()))
	if !ok {
		return stats, fmt.Errorf("%w: perpetuals", errs.ErrAccountNotFound)
	}
	if !perps.Permissions.AllowClosePosition {
		return stats, ErrClosesDisabled
	}

	candidates, err := k.positions.ListPositions(ctx, query.PositionFilter{
		Pool:        k.cfg.Pool,
		WithLimits:  true,
		CurrentOnly: true,
	})
	if err != nil {
		return stats, fmt.Errorf("list positions: %w", err)
	}

	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Total++
		outcome := k.visit(ctx, p)
		stats.record(outcome)
		if k.metrics != nil {
			k.metrics.KeeperPositions.WithLabelValues(outcome).Inc()
		}
	}
	return stats, nil
}

func (k *Keeper) visit(ctx context.Context, p query.PositionResponse) string {
	log := k.logger.With().Str("position", p.Position).Logger()

	key, err := ledger.ParsePubkey(p.Position)
	if err != nil {
		log.Error().Err(err).Msg("bad position key")
		return OutcomeFailed
	}

	preview, err := k.exec.PreviewClose(ctx, key)
	switch {
	case errors.Is(err, errs.ErrAccountNotFound):
		return OutcomeVanished
	case err != nil:
		log.Debug().Err(err).Msg("preview failed")
		return OutcomeFailed
	case !preview.Triggered():
		return OutcomeNotTriggered
	case !preview.CloseAllowed:
		return OutcomeNotAllowed
	}

	req, err := k.triggerRequest(key, p)
	if err != nil {
		log.Error().Err(err).Msg("build trigger")
		return OutcomeFailed
	}
	req.Price = preview.ExitPrice

	if err := k.limiter.Wait(ctx); err != nil {
		return OutcomeFailed
	}
	res, err := k.exec.TriggerPosition(ctx, req)
	switch {
	case errors.Is(err, errs.ErrAccountNotFound):
		return OutcomeVanished
	case err != nil:
		log.Warn().Err(err).Msg("trigger failed")
		return OutcomeFailed
	}
	log.Info().
		Int64("sequence", res.Sequence).
		Bool("stop_loss", res.StopLossTriggered).
		Bool("take_profit", res.TakeProfitTriggered).
		Msg("position triggered")
	return OutcomeTriggered
}

// triggerRequest fills in the derived accounts: pool and custody from the
// position, and the owner's associated account for the custody mint.
func (k *Keeper) triggerRequest(key ledger.Pubkey, p query.PositionResponse) (core.TriggerRequest, error) {
	owner, err := ledger.ParsePubkey(p.Owner)
	if err != nil {
		return core.TriggerRequest{}, err
	}
	pool, err := ledger.ParsePubkey(p.Pool)
	if err != nil {
		return core.TriggerRequest{}, err
	}
	custodyKey, err := ledger.ParsePubkey(p.Custody)
	if err != nil {
		return core.TriggerRequest{}, err
	}
	custody, ok := k.exec.DB().GetCustody(custodyKey)
	if !ok {
		return core.TriggerRequest{}, fmt.Errorf("%w: custody %s", errs.ErrAccountNotFound, custodyKey)
	}
	return core.TriggerRequest{
		Signer:    k.cfg.Signer,
		Position:  key,
		Pool:      pool,
		Custody:   custodyKey,
		Receiving: ledger.AssociatedTokenAddress(owner, custody.Mint),
	}, nil
}
