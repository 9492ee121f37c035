package query

import (
	"math/big"

	"PerpCustody/internal/state"

	"github.com/shopspring/decimal"
)

// Layout names of a stored position record.
const (
	LayoutCurrent    = "current"
	LayoutDeprecated = "deprecated"
)

// PositionResponse is a position as served by the API. Prices and USD
// values are decimal strings, token amounts are raw base units.
type PositionResponse struct {
	Position         string  `json:"position"`
	Owner            string  `json:"owner"`
	Pool             string  `json:"pool"`
	Custody          string  `json:"custody"`
	Side             string  `json:"side"`
	Layout           string  `json:"layout"`
	EntryPrice       string  `json:"entry_price"`
	SizeUSD          string  `json:"size_usd"`
	CollateralUSD    string  `json:"collateral_usd"`
	LockedAmount     string  `json:"locked_amount"`
	CollateralAmount string  `json:"collateral_amount"`
	StopLoss         *string `json:"stop_loss,omitempty"`
	TakeProfit       *string `json:"take_profit,omitempty"`
	OpenTime         int64   `json:"open_time"`
	UpdateTime       int64   `json:"update_time"`
	AsOfSequence     int64   `json:"as_of_sequence"`
}

// HasLimits reports whether a stop-loss or take-profit is set.
func (p *PositionResponse) HasLimits() bool { return p.StopLoss != nil || p.TakeProfit != nil }

// ClosePreviewResponse is what a trigger would settle at current prices.
type ClosePreviewResponse struct {
	Position            string `json:"position"`
	Side                string `json:"side"`
	ExitPrice           string `json:"exit_price"`
	TransferAmount      string `json:"transfer_amount"`
	FeeAmount           string `json:"fee_amount"`
	ProtocolFee         string `json:"protocol_fee"`
	ProfitUSD           string `json:"profit_usd"`
	LossUSD             string `json:"loss_usd"`
	StopLossTriggered   bool   `json:"stop_loss_triggered"`
	TakeProfitTriggered bool   `json:"take_profit_triggered"`
	CloseAllowed        bool   `json:"close_allowed"`
	AsOfSequence        int64  `json:"as_of_sequence"`
}

// CustodyStatsResponse is the custody stats projection row.
type CustodyStatsResponse struct {
	Custody      string `json:"custody"`
	Triggers     int64  `json:"triggers"`
	StopLosses   int64  `json:"stop_losses"`
	TakeProfits  int64  `json:"take_profits"`
	Transferred  string `json:"transferred"`
	Fees         string `json:"fees"`
	ProtocolFees string `json:"protocol_fees"`
	ProfitUSD    string `json:"profit_usd"`
	LossUSD      string `json:"loss_usd"`
	LimitUpdates int64  `json:"limit_updates"`
	Upgrades     int64  `json:"upgrades"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// MultisigResponse is the admin set and its pending round. Approvals are
// signed over fingerprints bound to Nonce.
type MultisigResponse struct {
	Signers         []string `json:"signers"`
	MinSignatures   uint8    `json:"min_signatures"`
	NumSigned       uint8    `json:"num_signed"`
	Nonce           uint64   `json:"nonce"`
	State           string   `json:"state"`
	InstructionHash string   `json:"instruction_hash"`
	AsOfSequence    int64    `json:"as_of_sequence"`
}

// FixedString renders a fixed-point u64 with the given number of decimals,
// e.g. FixedString(50_000_000, 6) is "50".
func FixedString(v uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -decimals).String()
}

// AmountString renders a raw token amount.
func AmountString(v uint64) string {
	return FixedString(v, 0)
}

// ParseFixed is the inverse of FixedString. It rejects negative values,
// values with more precision than decimals, and values beyond u64.
func ParseFixed(s string, decimals int32) (uint64, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return 0, false
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, false
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, false
	}
	return bi.Uint64(), true
}

func limitString(l state.Limit, decimals int32) *string {
	v, ok := l.Get()
	if !ok {
		return nil
	}
	s := FixedString(v, decimals)
	return &s
}
