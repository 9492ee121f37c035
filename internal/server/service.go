package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"PerpCustody/internal/core"
	"PerpCustody/internal/errs"
	"PerpCustody/internal/ledger"
	fpmath "PerpCustody/internal/math"
	"PerpCustody/internal/query"
	"PerpCustody/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"google.golang.org/protobuf/types/known/structpb"
)

// Settlement is the write side of the engine exposed over the API.
type Settlement interface {
	TriggerPosition(ctx context.Context, req core.TriggerRequest) (*core.TriggerResult, error)
	UpdatePositionLimits(ctx context.Context, req core.UpdateLimitsRequest) (int64, error)
	UpgradePosition(ctx context.Context, req core.UpgradePositionRequest) (uint8, error)
	SetPermissions(ctx context.Context, req core.SetPermissionsRequest) (uint8, error)
	SetAdminSigners(ctx context.Context, req core.SetAdminSignersRequest) (uint8, error)
}

// Reader is the read side. query.QueryService implements it.
type Reader interface {
	GetPosition(ctx context.Context, key ledger.Pubkey) (*query.PositionResponse, error)
	ListPositions(ctx context.Context, f query.PositionFilter) ([]query.PositionResponse, error)
	PreviewClose(ctx context.Context, key ledger.Pubkey) (*query.ClosePreviewResponse, error)
	GetCustodyStats(ctx context.Context, custody ledger.Pubkey) (*query.CustodyStatsResponse, error)
	GetMultisig(ctx context.Context) (*query.MultisigResponse, error)
}

// SettlementService implements SettlementServer. Requests and responses are
// JSON-shaped structs: keys are hex strings, prices and USD values decimal
// strings.
type SettlementService struct {
	engine Settlement
	reader Reader
}

func NewSettlementService(engine Settlement, reader Reader) *SettlementService {
	return &SettlementService{engine: engine, reader: reader}
}

func (s *SettlementService) TriggerPosition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := &fields{s: in}
	req := core.TriggerRequest{
		Signer:    f.pubkey("signer"),
		Position:  f.pubkey("position"),
		Pool:      f.pubkey("pool"),
		Custody:   f.pubkey("custody"),
		Receiving: f.pubkey("receiving"),
		Price:     f.fixed("price", fpmath.PriceDecimals),
	}
	if err := f.err(); err != nil {
		return nil, err
	}
	res, err := s.engine.TriggerPosition(ctx, req)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]interface{}{
		"position":              req.Position.String(),
		"side":                  res.Side.String(),
		"exit_price":            query.FixedString(res.ExitPrice, fpmath.PriceDecimals),
		"transfer_amount":       query.AmountString(res.TransferAmount),
		"fee_amount":            query.AmountString(res.FeeAmount),
		"protocol_fee":          query.AmountString(res.ProtocolFee),
		"profit_usd":            query.FixedString(res.ProfitUSD, fpmath.USDDecimals),
		"loss_usd":              query.FixedString(res.LossUSD, fpmath.USDDecimals),
		"stop_loss_triggered":   res.StopLossTriggered,
		"take_profit_triggered": res.TakeProfitTriggered,
		"sequence":              res.Sequence,
	})
}

func (s *SettlementService) UpdatePositionLimits(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := &fields{s: in}
	req := core.UpdateLimitsRequest{
		Owner:      f.pubkey("owner"),
		Position:   f.pubkey("position"),
		Pool:       f.pubkey("pool"),
		Custody:    f.pubkey("custody"),
		StopLoss:   f.limit("stop_loss"),
		TakeProfit: f.limit("take_profit"),
		Deadline:   f.int64("deadline"),
		Signature:  f.bytes("signature"),
	}
	if err := f.err(); err != nil {
		return nil, err
	}
	seq, err := s.engine.UpdatePositionLimits(ctx, req)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]interface{}{
		"position": req.Position.String(),
		"sequence": seq,
	})
}

// UpgradePosition records one admin approval. remaining > 0 means more
// signatures are needed; zero means the record was rewritten.
func (s *SettlementService) UpgradePosition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := &fields{s: in}
	req := core.UpgradePositionRequest{
		Payer:          f.pubkey("payer"),
		PayerSignature: f.optionalBytes("payer_signature"),
		Pool:           f.pubkey("pool"),
		Position:       f.pubkey("position"),
		Signature:      f.bytes("signature"),
	}
	if err := f.err(); err != nil {
		return nil, err
	}
	remaining, err := s.engine.UpgradePosition(ctx, req)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]interface{}{
		"position":  req.Position.String(),
		"remaining": int64(remaining),
		"executed":  remaining == 0,
	})
}

func (s *SettlementService) SetPermissions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := &fields{s: in}
	req := core.SetPermissionsRequest{
		Signature:          f.bytes("signature"),
		AllowOpenPosition:  f.boolean("allow_open_position"),
		AllowClosePosition: f.boolean("allow_close_position"),
	}
	if custody := f.optionalPubkey("custody"); !custody.IsZero() {
		req.Custody = &custody
	}
	if err := f.err(); err != nil {
		return nil, err
	}
	remaining, err := s.engine.SetPermissions(ctx, req)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]interface{}{
		"remaining": int64(remaining),
		"executed":  remaining == 0,
	})
}

func (s *SettlementService) SetAdminSigners(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := &fields{s: in}
	req := core.SetAdminSignersRequest{
		Signature:     f.bytes("signature"),
		Signers:       f.addresses("signers"),
		MinSignatures: f.uint8("min_signatures"),
	}
	if err := f.err(); err != nil {
		return nil, err
	}
	remaining, err := s.engine.SetAdminSigners(ctx, req)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]interface{}{
		"remaining": int64(remaining),
		"executed":  remaining == 0,
	})
}

func (s *SettlementService) GetPosition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := &fields{s: in}
	key := f.pubkey("position")
	if err := f.err(); err != nil {
		return nil, err
	}
	resp, err := s.reader.GetPosition(ctx, key)
	if err != nil {
		return nil, err
	}
	return toStruct(resp)
}

func (s *SettlementService) ListPositions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := &fields{s: in}
	filter := query.PositionFilter{
		Pool:        f.optionalPubkey("pool"),
		Custody:     f.optionalPubkey("custody"),
		Owner:       f.optionalPubkey("owner"),
		Side:        f.side("side"),
		WithLimits:  f.boolean("with_limits"),
		CurrentOnly: f.boolean("current_only"),
	}
	if err := f.err(); err != nil {
		return nil, err
	}
	positions, err := s.reader.ListPositions(ctx, filter)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []query.PositionResponse{}
	}
	return toStruct(map[string]interface{}{"positions": positions})
}

func (s *SettlementService) PreviewClose(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := &fields{s: in}
	key := f.pubkey("position")
	if err := f.err(); err != nil {
		return nil, err
	}
	resp, err := s.reader.PreviewClose(ctx, key)
	if err != nil {
		return nil, err
	}
	return toStruct(resp)
}

func (s *SettlementService) GetCustodyStats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := &fields{s: in}
	key := f.pubkey("custody")
	if err := f.err(); err != nil {
		return nil, err
	}
	resp, err := s.reader.GetCustodyStats(ctx, key)
	if err != nil {
		return nil, err
	}
	return toStruct(resp)
}

// GetMultisig takes no fields.
func (s *SettlementService) GetMultisig(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp, err := s.reader.GetMultisig(ctx)
	if err != nil {
		return nil, err
	}
	return toStruct(resp)
}

// toStruct converts a JSON-tagged value into a Struct through its JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fields reads typed request fields and keeps the first problem.
type fields struct {
	s       *structpb.Struct
	problem error
}

func (f *fields) fail(format string, args ...interface{}) {
	if f.problem == nil {
		f.problem = fmt.Errorf("%w: "+format, append([]interface{}{errs.ErrInvalidArgument}, args...)...)
	}
}

func (f *fields) err() error {
	if f.s == nil {
		return fmt.Errorf("%w: empty request", errs.ErrInvalidArgument)
	}
	return f.problem
}

func (f *fields) str(name string) (string, bool) {
	if f.s == nil {
		return "", false
	}
	v, ok := f.s.Fields[name]
	if !ok {
		return "", false
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return "", false
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue, k.StringValue != ""
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64), true
	}
	f.fail("%s must be a string", name)
	return "", false
}

func (f *fields) pubkey(name string) ledger.Pubkey {
	s, ok := f.str(name)
	if !ok {
		f.fail("%s is required", name)
		return ledger.Pubkey{}
	}
	k, err := ledger.ParsePubkey(s)
	if err != nil {
		f.fail("%s: %v", name, err)
	}
	return k
}

func (f *fields) optionalPubkey(name string) ledger.Pubkey {
	s, ok := f.str(name)
	if !ok {
		return ledger.Pubkey{}
	}
	k, err := ledger.ParsePubkey(s)
	if err != nil {
		f.fail("%s: %v", name, err)
	}
	return k
}

func (f *fields) fixed(name string, decimals int32) uint64 {
	s, ok := f.str(name)
	if !ok {
		f.fail("%s is required", name)
		return 0
	}
	v, ok := query.ParseFixed(s, decimals)
	if !ok {
		f.fail("%s: %q is not a non-negative decimal with at most %d places", name, s, decimals)
	}
	return v
}

// side reads an optional position side; absent matches both.
func (f *fields) side(name string) state.Side {
	s, ok := f.str(name)
	if !ok {
		return state.SideNone
	}
	side, err := state.ParseSide(s)
	if err != nil {
		f.fail("%s: %v", name, err)
	}
	return side
}

// limit reads an optional USD threshold; absent or null clears it.
func (f *fields) limit(name string) state.Limit {
	s, ok := f.str(name)
	if !ok {
		return state.Limit{}
	}
	v, ok := query.ParseFixed(s, fpmath.USDDecimals)
	if !ok {
		f.fail("%s: %q is not a USD amount", name, s)
	}
	return state.SomeLimit(v)
}

func (f *fields) bytes(name string) []byte {
	s, ok := f.str(name)
	if !ok {
		f.fail("%s is required", name)
		return nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		f.fail("%s: %v", name, err)
	}
	return b
}

func (f *fields) optionalBytes(name string) []byte {
	if _, ok := f.str(name); !ok {
		return nil
	}
	return f.bytes(name)
}

// addresses reads a list of admin addresses, or one comma separated string.
func (f *fields) addresses(name string) []common.Address {
	var raw []string
	if f.s != nil {
		if v, ok := f.s.Fields[name]; ok {
			switch k := v.GetKind().(type) {
			case *structpb.Value_ListValue:
				for _, item := range k.ListValue.GetValues() {
					raw = append(raw, item.GetStringValue())
				}
			case *structpb.Value_StringValue:
				raw = strings.Split(k.StringValue, ",")
			}
		}
	}
	if len(raw) == 0 {
		f.fail("%s is required", name)
		return nil
	}
	out := make([]common.Address, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if !common.IsHexAddress(r) {
			f.fail("%s: %q is not an address", name, r)
			return nil
		}
		out = append(out, common.HexToAddress(r))
	}
	return out
}

func (f *fields) uint8(name string) uint8 {
	s, ok := f.str(name)
	if !ok {
		f.fail("%s is required", name)
		return 0
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		f.fail("%s: %v", name, err)
	}
	return uint8(n)
}

func (f *fields) int64(name string) int64 {
	s, ok := f.str(name)
	if !ok {
		f.fail("%s is required", name)
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f.fail("%s: %v", name, err)
	}
	return n
}

func (f *fields) boolean(name string) bool {
	if f.s == nil {
		return false
	}
	v, ok := f.s.Fields[name]
	if !ok {
		return false
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return k.BoolValue
	case *structpb.Value_StringValue:
		return k.StringValue == "true" || k.StringValue == "1"
	}
	return false
}
