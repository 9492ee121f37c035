package core

import (
	"context"
	"fmt"

	"PerpCustody/internal/codec"
	"PerpCustody/internal/errs"
	"PerpCustody/internal/event"
	"PerpCustody/internal/ledger"
	"PerpCustody/internal/oracle"
	"PerpCustody/internal/state"

	"github.com/google/uuid"
)

const (
	opTrigger      = "trigger_position"
	opUpdateLimits = "update_position_limits"
)

// TriggerRequest closes a position whose stop-loss or take-profit is met.
// Price is the caller's slippage hint, PriceDecimals.
type TriggerRequest struct {
	Signer    ledger.Pubkey
	Position  ledger.Pubkey
	Pool      ledger.Pubkey
	Custody   ledger.Pubkey
	Receiving ledger.Pubkey
	Price     uint64
}

type TriggerResult struct {
	Side                state.Side
	ExitPrice           uint64
	TransferAmount      uint64
	FeeAmount           uint64
	ProtocolFee         uint64
	ProfitUSD           uint64
	LossUSD             uint64
	StopLossTriggered   bool
	TakeProfitTriggered bool
	Sequence            int64
}

// ClosePreview is the settlement a trigger would perform at current prices.
type ClosePreview struct {
	Position            ledger.Pubkey
	Side                state.Side
	ExitPrice           uint64
	TransferAmount      uint64
	FeeAmount           uint64
	ProtocolFee         uint64
	ProfitUSD           uint64
	LossUSD             uint64
	StopLossTriggered   bool
	TakeProfitTriggered bool
	CloseAllowed        bool
}

// Triggered reports whether either limit is met.
func (p *ClosePreview) Triggered() bool { return p.StopLossTriggered || p.TakeProfitTriggered }

// settlement is the read-only part of a close: exit price, amounts and the
// limit decision.
type settlement struct {
	exitPrice   uint64
	transfer    uint64
	fee         uint64
	protocolFee uint64
	profitUSD   uint64
	lossUSD     uint64
	ema         oracle.OraclePrice
	stopLoss    bool
	takeProfit  bool
}

// computeSettlement prices a close of pos. A non-zero hint is checked against
// the exit price before any amount is computed.
func (e *Engine) computeSettlement(ctx context.Context, pos *state.Position, pool *state.Pool, custody *state.Custody, now int64, hint uint64) (*settlement, error) {
	spot, ema, err := e.readPrices(ctx, custody.Oracle, custody.Pricing.UseEMA, now)
	if err != nil {
		return nil, err
	}

	exitPrice, err := pool.GetExitPrice(spot, ema, pos.Side, custody)
	if err != nil {
		return nil, err
	}
	if hint != 0 {
		if err := checkSlippage(pos.Side, exitPrice, hint); err != nil {
			return nil, err
		}
	}
	transfer, fee, profit, loss, err := pool.GetCloseAmount(pos, spot, ema, custody, now, false)
	if err != nil {
		return nil, err
	}
	protocolFee, err := state.GetFeeAmount(custody.Fees.ProtocolShare, fee)
	if err != nil {
		return nil, err
	}

	return &settlement{
		exitPrice:   exitPrice,
		transfer:    transfer,
		fee:         fee,
		protocolFee: protocolFee,
		profitUSD:   profit,
		lossUSD:     loss,
		ema:         ema,
		stopLoss:    pos.StopLoss.Reached(loss),
		takeProfit:  pos.TakeProfit.Reached(profit),
	}, nil
}

// checkSlippage protects the owner: a long must exit at or above the hint,
// a short at or below it.
func checkSlippage(side state.Side, exitPrice, hint uint64) error {
	switch side {
	case state.SideLong:
		if exitPrice < hint {
			return fmt.Errorf("%w: long exit %d below hint %d", errs.ErrMaxPriceSlippage, exitPrice, hint)
		}
	case state.SideShort:
		if hint < exitPrice {
			return fmt.Errorf("%w: short exit %d above hint %d", errs.ErrMaxPriceSlippage, exitPrice, hint)
		}
	default:
		return fmt.Errorf("%w: side %s", errs.ErrInvalidAccountData, side)
	}
	return nil
}

// loadPosition checks program ownership, the current layout size and the
// record's own address before decoding it.
func (e *Engine) loadPosition(acc *ledger.Account) (*state.Position, error) {
	if acc.Owner != e.program {
		return nil, fmt.Errorf("%w: position %s owned by %s", errs.ErrIllegalOwner, acc.Key, acc.Owner)
	}
	if len(acc.Data) != state.PositionLen {
		return nil, fmt.Errorf("%w: position %s is %d bytes", errs.ErrInvalidAccountData, acc.Key, len(acc.Data))
	}
	pos, err := state.DecodePosition(acc.Data)
	if err != nil {
		return nil, err
	}
	if pos.Address(e.program) != acc.Key {
		return nil, fmt.Errorf("%w: position %s", errs.ErrInvalidDerivation, acc.Key)
	}
	return pos, nil
}

// checkMarket ties the pool and custody keys to the position and to each other.
func (e *Engine) checkMarket(pos *state.Position, poolKey, custodyKey ledger.Pubkey, pool *state.Pool, custody *state.Custody) error {
	if pos.Pool != poolKey || pos.Custody != custodyKey {
		return fmt.Errorf("%w: position belongs to pool %s custody %s", errs.ErrInvalidDerivation, pos.Pool, pos.Custody)
	}
	if ledger.PoolAddress(e.program, pool.Name) != poolKey {
		return fmt.Errorf("%w: pool %s", errs.ErrInvalidDerivation, poolKey)
	}
	if !pool.HasCustody(custodyKey) || custody.Pool != poolKey {
		return fmt.Errorf("%w: custody %s not in pool %s", errs.ErrInvalidDerivation, custodyKey, poolKey)
	}
	if ledger.CustodyAddress(e.program, poolKey, custody.Mint) != custodyKey {
		return fmt.Errorf("%w: custody %s", errs.ErrInvalidDerivation, custodyKey)
	}
	return nil
}

// TriggerPosition closes a position whose stop-loss or take-profit is met at
// current oracle prices. When neither limit fires it fails with
// errs.ErrLimitNotTriggered and nothing changes.
func (e *Engine) TriggerPosition(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	custodyView, ok := e.db.GetCustody(req.Custody)
	if !ok {
		e.reject(opTrigger, errs.ErrAccountNotFound)
		return nil, fmt.Errorf("%w: custody %s", errs.ErrAccountNotFound, req.Custody)
	}
	custodyTokenKey := custodyView.TokenAccount
	keys := []ledger.Pubkey{
		req.Signer, req.Receiving, req.Position, req.Pool, req.Custody,
		custodyTokenKey, e.perpetualsKey(), custodyView.Oracle.Account,
	}

	var result TriggerResult
	seq, err := e.execute(ctx, opTrigger, &req.Custody, keys, func(tx *Tx) (event.Event, error) {
		now := tx.Now()

		acc, err := tx.Account(req.Position)
		if err != nil {
			return nil, err
		}
		pos, err := e.loadPosition(acc)
		if err != nil {
			return nil, err
		}
		pool, err := tx.Pool(req.Pool)
		if err != nil {
			return nil, err
		}
		custody, err := tx.Custody(req.Custody)
		if err != nil {
			return nil, err
		}
		if err := e.checkMarket(pos, req.Pool, req.Custody, pool, custody); err != nil {
			return nil, err
		}
		if custody.TokenAccount != ledger.CustodyTokenAccountAddress(e.program, req.Pool, custody.Mint) {
			return nil, fmt.Errorf("%w: custody token account %s", errs.ErrInvalidDerivation, custody.TokenAccount)
		}
		receiving, err := tx.TokenAccount(req.Receiving)
		if err != nil {
			return nil, err
		}
		if receiving.Mint != custody.Mint {
			return nil, fmt.Errorf("%w: receiving %s holds %s", errs.ErrInvalidMint, req.Receiving, receiving.Mint)
		}
		if receiving.Owner != pos.Owner {
			return nil, fmt.Errorf("%w: receiving account owned by %s", errs.ErrInvalidOwner, receiving.Owner)
		}
		perps, err := tx.Perpetuals(e.perpetualsKey())
		if err != nil {
			return nil, err
		}

		if !perps.AllowsClose(custody) {
			return nil, fmt.Errorf("%w: close position", errs.ErrInstructionNotAllowed)
		}
		if req.Price == 0 {
			return nil, fmt.Errorf("%w: zero price hint", errs.ErrInvalidArgument)
		}

		s, err := e.computeSettlement(ctx, pos, pool, custody, now, req.Price)
		if err != nil {
			return nil, err
		}
		if !s.stopLoss && !s.takeProfit {
			return nil, fmt.Errorf("%w: loss %d profit %d, stop-loss %s take-profit %s",
				errs.ErrLimitNotTriggered, s.lossUSD, s.profitUSD, pos.StopLoss, pos.TakeProfit)
		}

		// Everything below mutates the Tx; any error discards it whole.
		if err := custody.UnlockFunds(pos.LockedAmount); err != nil {
			return nil, err
		}
		available, err := pool.CheckAvailableAmount(s.transfer, custody)
		if err != nil {
			return nil, err
		}
		if !available {
			return nil, fmt.Errorf("%w: transfer %d", errs.ErrCustodyAmountLimit, s.transfer)
		}

		if err := tx.TransferTokens(custody.TokenAccount, req.Receiving, e.transferAuthority(), s.transfer); err != nil {
			return nil, err
		}

		if err := settleCustody(custody, pos, s); err != nil {
			return nil, err
		}

		if err := custody.RemovePosition(pos, now); err != nil {
			return nil, err
		}
		if err := custody.UpdateBorrowRate(now); err != nil {
			return nil, err
		}

		if err := tx.CloseAccount(req.Position, req.Signer); err != nil {
			return nil, err
		}

		result = TriggerResult{
			Side:                pos.Side,
			ExitPrice:           s.exitPrice,
			TransferAmount:      s.transfer,
			FeeAmount:           s.fee,
			ProtocolFee:         s.protocolFee,
			ProfitUSD:           s.profitUSD,
			LossUSD:             s.lossUSD,
			StopLossTriggered:   s.stopLoss,
			TakeProfitTriggered: s.takeProfit,
		}
		return &event.PositionTriggered{
			EventID:             uuid.New(),
			Position:            req.Position,
			Owner:               pos.Owner,
			Pool:                req.Pool,
			Custody:             req.Custody,
			Receiving:           req.Receiving,
			Signer:              req.Signer,
			Side:                pos.Side.String(),
			HintPrice:           req.Price,
			ExitPrice:           s.exitPrice,
			SizeUSD:             pos.SizeUSD,
			TransferAmount:      s.transfer,
			FeeAmount:           s.fee,
			ProtocolFee:         s.protocolFee,
			ProfitUSD:           s.profitUSD,
			LossUSD:             s.lossUSD,
			StopLossTriggered:   s.stopLoss,
			TakeProfitTriggered: s.takeProfit,
			Timestamp:           now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	result.Sequence = seq

	e.observeTrigger(&result)
	e.logger.Info().
		Str("position", req.Position.String()).
		Str("custody", req.Custody.String()).
		Uint64("transfer", result.TransferAmount).
		Bool("stop_loss", result.StopLossTriggered).
		Bool("take_profit", result.TakeProfitTriggered).
		Int64("sequence", seq).
		Msg("position triggered")
	return &result, nil
}

// settleCustody applies the custody bookkeeping of a close.
func settleCustody(c *state.Custody, pos *state.Position, s *settlement) error {
	feeUSD, err := s.ema.AssetAmountUSD(s.fee, c.Decimals)
	if err != nil {
		return err
	}
	c.CollectedFees.ClosePositionUSD.Add(feeUSD)
	c.VolumeStats.ClosePositionUSD.Add(pos.SizeUSD)

	// Owned moves by the gap between what the owner posted and what leaves.
	if s.transfer < pos.CollateralAmount {
		err = c.Assets.Owned.Add(pos.CollateralAmount - s.transfer)
	} else {
		err = c.Assets.Owned.Sub(s.transfer - pos.CollateralAmount)
	}
	if err != nil {
		return fmt.Errorf("owned assets: %w", err)
	}
	if err := c.Assets.Collateral.Sub(pos.CollateralAmount); err != nil {
		return fmt.Errorf("collateral: %w", err)
	}
	if err := c.Assets.ProtocolFees.Add(s.protocolFee); err != nil {
		return fmt.Errorf("protocol fees: %w", err)
	}

	if pos.Side == state.SideLong {
		c.TradeStats.OILongUSD.Sub(pos.SizeUSD)
	} else {
		c.TradeStats.OIShortUSD.Sub(pos.SizeUSD)
	}
	c.TradeStats.ProfitUSD.Add(s.profitUSD)
	c.TradeStats.LossUSD.Add(s.lossUSD)
	return nil
}

func (e *Engine) observeTrigger(r *TriggerResult) {
	if e.metrics == nil {
		return
	}
	if r.StopLossTriggered {
		e.metrics.LimitsTriggered.WithLabelValues("stop_loss", r.Side.String()).Inc()
	}
	if r.TakeProfitTriggered {
		e.metrics.LimitsTriggered.WithLabelValues("take_profit", r.Side.String()).Inc()
	}
	e.metrics.SettledTokens.WithLabelValues("transfer").Add(float64(r.TransferAmount))
	e.metrics.SettledTokens.WithLabelValues("fee").Add(float64(r.FeeAmount))
	e.metrics.SettledTokens.WithLabelValues("protocol_fee").Add(float64(r.ProtocolFee))
}

const limitsDomain = "perp-custody/update-limits/v1"

// LimitsApproval is what a position owner signs to replace its limits. The
// limits being replaced pin the approval to one state of the position, so a
// signature cannot be applied twice once the limits have moved on.
type LimitsApproval struct {
	Position       ledger.Pubkey
	PrevStopLoss   state.Limit
	PrevTakeProfit state.Limit
	StopLoss       state.Limit
	TakeProfit     state.Limit
	Deadline       int64
}

// Message is the byte string the owner's key signs.
func (a LimitsApproval) Message(program ledger.Pubkey) []byte {
	enc := codec.NewEncoder(len(limitsDomain) + 2*32 + 4*9 + 8)
	enc.Raw([]byte(limitsDomain))
	enc.Raw(program[:])
	enc.Raw(a.Position[:])
	for _, l := range []state.Limit{a.PrevStopLoss, a.PrevTakeProfit, a.StopLoss, a.TakeProfit} {
		enc.OptionU64(l.Get())
	}
	enc.I64(a.Deadline)
	return enc.Bytes()
}

// SignLimits builds a request carrying the owner's signature.
func SignLimits(program ledger.Pubkey, owner ledger.Keypair, a LimitsApproval, pool, custody ledger.Pubkey) UpdateLimitsRequest {
	return UpdateLimitsRequest{
		Owner:      owner.Pubkey(),
		Position:   a.Position,
		Pool:       pool,
		Custody:    custody,
		StopLoss:   a.StopLoss,
		TakeProfit: a.TakeProfit,
		Deadline:   a.Deadline,
		Signature:  owner.Sign(a.Message(program)),
	}
}

// UpdateLimitsRequest replaces both limits of a position. Unset clears.
// Signature is the owner's signature of the matching LimitsApproval; it is
// refused after Deadline (unix seconds).
type UpdateLimitsRequest struct {
	Owner      ledger.Pubkey
	Position   ledger.Pubkey
	Pool       ledger.Pubkey
	Custody    ledger.Pubkey
	StopLoss   state.Limit
	TakeProfit state.Limit
	Deadline   int64
	Signature  []byte
}

// UpdatePositionLimits lets the owner replace stop-loss and take-profit. No
// other field changes.
func (e *Engine) UpdatePositionLimits(ctx context.Context, req UpdateLimitsRequest) (int64, error) {
	keys := []ledger.Pubkey{req.Position, req.Pool, req.Custody, e.perpetualsKey()}

	return e.execute(ctx, opUpdateLimits, &req.Custody, keys, func(tx *Tx) (event.Event, error) {
		acc, err := tx.Account(req.Position)
		if err != nil {
			return nil, err
		}
		pos, err := e.loadPosition(acc)
		if err != nil {
			return nil, err
		}
		if pos.Owner != req.Owner {
			return nil, fmt.Errorf("%w: %s", errs.ErrInvalidOwner, req.Owner)
		}
		if now := tx.Now(); now > req.Deadline {
			return nil, fmt.Errorf("%w: deadline %d, now %d", errs.ErrSignatureExpired, req.Deadline, now)
		}
		approval := LimitsApproval{
			Position:       req.Position,
			PrevStopLoss:   pos.StopLoss,
			PrevTakeProfit: pos.TakeProfit,
			StopLoss:       req.StopLoss,
			TakeProfit:     req.TakeProfit,
			Deadline:       req.Deadline,
		}
		if err := ledger.VerifySignature(pos.Owner, approval.Message(e.program), req.Signature); err != nil {
			return nil, fmt.Errorf("owner approval: %w", err)
		}
		pool, err := tx.Pool(req.Pool)
		if err != nil {
			return nil, err
		}
		custody, err := tx.Custody(req.Custody)
		if err != nil {
			return nil, err
		}
		if err := e.checkMarket(pos, req.Pool, req.Custody, pool, custody); err != nil {
			return nil, err
		}
		perps, err := tx.Perpetuals(e.perpetualsKey())
		if err != nil {
			return nil, err
		}
		if !perps.AllowsClose(custody) {
			return nil, fmt.Errorf("%w: close position", errs.ErrInstructionNotAllowed)
		}

		pos.StopLoss = req.StopLoss
		pos.TakeProfit = req.TakeProfit
		if err := pos.SerializeInto(acc.Data); err != nil {
			return nil, err
		}

		return &event.PositionLimitsUpdated{
			EventID:    uuid.New(),
			Position:   req.Position,
			Owner:      pos.Owner,
			Custody:    req.Custody,
			StopLoss:   req.StopLoss.Ptr(),
			TakeProfit: req.TakeProfit.Ptr(),
			Timestamp:  tx.Now(),
		}, nil
	})
}

// PreviewClose computes what a trigger of the position would settle right
// now, without changing anything.
func (e *Engine) PreviewClose(ctx context.Context, positionKey ledger.Pubkey) (*ClosePreview, error) {
	acc, ok := e.db.GetAccount(positionKey)
	if !ok {
		return nil, fmt.Errorf("%w: position %s", errs.ErrAccountNotFound, positionKey)
	}
	pos, err := e.loadPosition(acc)
	if err != nil {
		return nil, err
	}
	pool, ok := e.db.GetPool(pos.Pool)
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", errs.ErrAccountNotFound, pos.Pool)
	}
	custody, ok := e.db.GetCustody(pos.Custody)
	if !ok {
		return nil, fmt.Errorf("%w: custody %s", errs.ErrAccountNotFound, pos.Custody)
	}
	perps, ok := e.db.GetPerpetuals(e.perpetualsKey())
	if !ok {
		return nil, fmt.Errorf("%w: perpetuals", errs.ErrAccountNotFound)
	}

	s, err := e.computeSettlement(ctx, pos, pool, custody, e.db.Clock().Now(), 0)
	if err != nil {
		return nil, err
	}
	return &ClosePreview{
		Position:            positionKey,
		Side:                pos.Side,
		ExitPrice:           s.exitPrice,
		TransferAmount:      s.transfer,
		FeeAmount:           s.fee,
		ProtocolFee:         s.protocolFee,
		ProfitUSD:           s.profitUSD,
		LossUSD:             s.lossUSD,
		StopLossTriggered:   s.stopLoss,
		TakeProfitTriggered: s.takeProfit,
		CloseAllowed:        perps.AllowsClose(custody),
	}, nil
}
