package query

import (
	"context"
	"fmt"
	"time"

	"PerpCustody/internal/core"
	"PerpCustody/internal/errs"
	"PerpCustody/internal/ledger"
	fpmath "PerpCustody/internal/math"
	"PerpCustody/internal/observability"
	"PerpCustody/internal/projection"
	"PerpCustody/internal/state"
)

// StateReader is the read side of the engine.
type StateReader interface {
	DB() *core.AccountsDB
	Program() ledger.Pubkey
	LastSequence() int64
	PreviewClose(ctx context.Context, position ledger.Pubkey) (*core.ClosePreview, error)
}

// StatsReader serves the custody stats projection.
type StatsReader interface {
	Get(ctx context.Context, custody string) (*projection.CustodyStats, error)
}

// PositionFilter narrows ListPositions. Zero fields match everything.
type PositionFilter struct {
	Pool        ledger.Pubkey
	Custody     ledger.Pubkey
	Owner       ledger.Pubkey
	Side        state.Side
	WithLimits  bool
	CurrentOnly bool
}

// QueryService provides read-only access to positions and projections.
// Position reads come from the live accounts store; every response carries
// as_of_sequence, the last operation the read includes.
type QueryService struct {
	state   StateReader
	stats   StatsReader
	metrics *observability.Metrics
}

func NewQueryService(reader StateReader, stats StatsReader, metrics *observability.Metrics) *QueryService {
	return &QueryService{state: reader, stats: stats, metrics: metrics}
}

func (qs *QueryService) observe(method string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(method, errs.Label(err)).Inc()
	qs.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// GetPosition returns one position in either layout.
func (qs *QueryService) GetPosition(ctx context.Context, key ledger.Pubkey) (resp *PositionResponse, err error) {
	defer func(start time.Time) { qs.observe("get_position", start, err) }(time.Now())

	asOf := qs.state.LastSequence()
	acc, ok := qs.state.DB().GetAccount(key)
	if !ok {
		return nil, fmt.Errorf("%w: position %s", errs.ErrAccountNotFound, key)
	}
	if acc.Owner != qs.state.Program() {
		return nil, fmt.Errorf("%w: %s owned by %s", errs.ErrIllegalOwner, key, acc.Owner)
	}
	resp, err = decodePosition(acc)
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = asOf
	return resp, nil
}

// ListPositions returns the positions matching f, ordered by key.
func (qs *QueryService) ListPositions(ctx context.Context, f PositionFilter) (out []PositionResponse, err error) {
	defer func(start time.Time) { qs.observe("list_positions", start, err) }(time.Now())

	asOf := qs.state.LastSequence()
	for _, acc := range qs.state.DB().ProgramAccounts() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(acc.Data) != state.PositionLen && len(acc.Data) != state.DeprecatedPositionLen {
			continue
		}
		p, err := decodePosition(acc)
		if err != nil {
			continue
		}
		if !f.matches(p) {
			continue
		}
		p.AsOfSequence = asOf
		out = append(out, *p)
	}
	return out, nil
}

func (f PositionFilter) matches(p *PositionResponse) bool {
	switch {
	case !f.Pool.IsZero() && p.Pool != f.Pool.String():
		return false
	case !f.Custody.IsZero() && p.Custody != f.Custody.String():
		return false
	case !f.Owner.IsZero() && p.Owner != f.Owner.String():
		return false
	case f.Side != state.SideNone && p.Side != f.Side.String():
		return false
	case f.WithLimits && !p.HasLimits():
		return false
	case f.CurrentOnly && p.Layout != LayoutCurrent:
		return false
	}
	return true
}

// PreviewClose reports what triggering the position would settle now.
func (qs *QueryService) PreviewClose(ctx context.Context, key ledger.Pubkey) (resp *ClosePreviewResponse, err error) {
	defer func(start time.Time) { qs.observe("preview_close", start, err) }(time.Now())

	asOf := qs.state.LastSequence()
	p, err := qs.state.PreviewClose(ctx, key)
	if err != nil {
		return nil, err
	}
	return &ClosePreviewResponse{
		Position:            key.String(),
		Side:                p.Side.String(),
		ExitPrice:           FixedString(p.ExitPrice, fpmath.PriceDecimals),
		TransferAmount:      AmountString(p.TransferAmount),
		FeeAmount:           AmountString(p.FeeAmount),
		ProtocolFee:         AmountString(p.ProtocolFee),
		ProfitUSD:           FixedString(p.ProfitUSD, fpmath.USDDecimals),
		LossUSD:             FixedString(p.LossUSD, fpmath.USDDecimals),
		StopLossTriggered:   p.StopLossTriggered,
		TakeProfitTriggered: p.TakeProfitTriggered,
		CloseAllowed:        p.CloseAllowed,
		AsOfSequence:        asOf,
	}, nil
}

// GetCustodyStats returns the projected totals of a custody. The projection
// lags the engine, so as_of_sequence is the projection's own.
func (qs *QueryService) GetCustodyStats(ctx context.Context, custody ledger.Pubkey) (resp *CustodyStatsResponse, err error) {
	defer func(start time.Time) { qs.observe("get_custody_stats", start, err) }(time.Now())

	if qs.stats == nil {
		return nil, fmt.Errorf("custody stats projection not configured")
	}
	row, err := qs.stats.Get(ctx, custody.String())
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: no stats for custody %s", errs.ErrAccountNotFound, custody)
	}
	return &CustodyStatsResponse{
		Custody:      row.Custody,
		Triggers:     row.Triggers,
		StopLosses:   row.StopLosses,
		TakeProfits:  row.TakeProfits,
		Transferred:  row.Transferred.String(),
		Fees:         row.Fees.String(),
		ProtocolFees: row.ProtocolFees.String(),
		ProfitUSD:    row.ProfitUSD.Shift(-fpmath.USDDecimals).String(),
		LossUSD:      row.LossUSD.Shift(-fpmath.USDDecimals).String(),
		LimitUpdates: row.LimitUpdates,
		Upgrades:     row.Upgrades,
		AsOfSequence: row.LastSequence,
	}, nil
}

// GetMultisig returns the admin multisig.
func (qs *QueryService) GetMultisig(ctx context.Context) (resp *MultisigResponse, err error) {
	defer func(start time.Time) { qs.observe("get_multisig", start, err) }(time.Now())

	asOf := qs.state.LastSequence()
	ms, ok := qs.state.DB().GetMultisig(ledger.MultisigAddress(qs.state.Program()))
	if !ok {
		return nil, fmt.Errorf("%w: multisig", errs.ErrAccountNotFound)
	}
	signers := make([]string, len(ms.Signers))
	for i, s := range ms.Signers {
		signers[i] = s.Hex()
	}
	return &MultisigResponse{
		Signers:         signers,
		MinSignatures:   ms.MinSignatures,
		NumSigned:       ms.NumSigned(),
		Nonce:           ms.Nonce,
		State:           ms.State().String(),
		InstructionHash: ms.InstructionHash.Hex(),
		AsOfSequence:    asOf,
	}, nil
}

func decodePosition(acc *ledger.Account) (*PositionResponse, error) {
	switch len(acc.Data) {
	case state.PositionLen:
		p, err := state.DecodePosition(acc.Data)
		if err != nil {
			return nil, err
		}
		resp := positionResponse(acc.Key, p)
		resp.Layout = LayoutCurrent
		return resp, nil
	case state.DeprecatedPositionLen:
		d, err := state.DecodeDeprecatedPositionUnchecked(acc.Data)
		if err != nil {
			return nil, err
		}
		resp := positionResponse(acc.Key, d.Upgrade())
		resp.Layout = LayoutDeprecated
		return resp, nil
	default:
		return nil, fmt.Errorf("%w: %s is %d bytes, not a position", errs.ErrInvalidAccountData, acc.Key, len(acc.Data))
	}
}

func positionResponse(key ledger.Pubkey, p *state.Position) *PositionResponse {
	return &PositionResponse{
		Position:         key.String(),
		Owner:            p.Owner.String(),
		Pool:             p.Pool.String(),
		Custody:          p.Custody.String(),
		Side:             p.Side.String(),
		EntryPrice:       FixedString(p.Price, fpmath.PriceDecimals),
		SizeUSD:          FixedString(p.SizeUSD, fpmath.USDDecimals),
		CollateralUSD:    FixedString(p.CollateralUSD, fpmath.USDDecimals),
		LockedAmount:     AmountString(p.LockedAmount),
		CollateralAmount: AmountString(p.CollateralAmount),
		StopLoss:         limitString(p.StopLoss, fpmath.USDDecimals),
		TakeProfit:       limitString(p.TakeProfit, fpmath.USDDecimals),
		OpenTime:         p.OpenTime,
		UpdateTime:       p.UpdateTime,
	}
}
