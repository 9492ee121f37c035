package testutil

import (
	"context"
	"testing"

	"PerpCustody/internal/core"
	"PerpCustody/internal/governance"
	"PerpCustody/internal/ledger"
	fpmath "PerpCustody/internal/math"
	"PerpCustody/internal/oracle"
	"PerpCustody/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Market fixture constants. Prices use six decimals, token amounts nine.
const (
	MarketStartTime = int64(1_700_000_000)
	InitialOwned    = uint64(100_000_000_000)

	PositionSizeUSD          = uint64(1_000_000_000)
	PositionCollateralUSD    = uint64(100_000_000)
	PositionLockedAmount     = uint64(25_000_000_000)
	PositionCollateralAmount = uint64(2_500_000_000)
)

// Market is one pool with a single custody, funded and open for closes.
type Market struct {
	Program       ledger.Pubkey
	Mint          ledger.Pubkey
	Pool          ledger.Pubkey
	Custody       ledger.Pubkey
	CustodyToken  ledger.Pubkey
	OracleAccount ledger.Pubkey

	Clock *core.ManualClock
	DB    *core.AccountsDB
	Feeds *oracle.MemoryFeedStore
}

// OpenedPosition names the accounts created for a position. OwnerKey signs
// for Owner.
type OpenedPosition struct {
	Key       ledger.Pubkey
	Owner     ledger.Pubkey
	OwnerKey  ledger.Keypair
	Receiving ledger.Pubkey
}

// PositionSpec configures OpenPosition. EntryPrice uses six decimals.
type PositionSpec struct {
	Side       state.Side
	EntryPrice uint64
	StopLoss   state.Limit
	TakeProfit state.Limit
}

func NewMarket(t testing.TB) *Market {
	t.Helper()

	program := ledger.NewUniquePubkey()
	mint := ledger.NewUniquePubkey()
	poolKey := ledger.PoolAddress(program, "main")
	custodyKey := ledger.CustodyAddress(program, poolKey, mint)

	m := &Market{
		Program:       program,
		Mint:          mint,
		Pool:          poolKey,
		Custody:       custodyKey,
		CustodyToken:  ledger.CustodyTokenAccountAddress(program, poolKey, mint),
		OracleAccount: ledger.NewUniquePubkey(),
		Clock:         core.NewManualClock(MarketStartTime),
		Feeds:         oracle.NewMemoryFeedStore(),
	}
	m.DB = core.NewAccountsDB(program, m.Clock)

	m.DB.PutPerpetuals(ledger.PerpetualsAddress(program), &state.Perpetuals{
		Permissions:       state.Permissions{AllowOpenPosition: true, AllowClosePosition: true},
		Pools:             []ledger.Pubkey{poolKey},
		TransferAuthority: ledger.TransferAuthorityAddress(program),
		InceptionTime:     MarketStartTime,
	})
	m.DB.PutPool(poolKey, &state.Pool{
		Name:          "main",
		Custodies:     []ledger.Pubkey{custodyKey},
		InceptionTime: MarketStartTime,
	})

	c := &state.Custody{
		Pool:         poolKey,
		Mint:         mint,
		TokenAccount: m.CustodyToken,
		Decimals:     9,
		Oracle: oracle.Params{
			Account:        m.OracleAccount,
			Kind:           oracle.KindCustom,
			MaxPriceError:  100,
			MaxPriceAgeSec: 60,
		},
		Pricing:     state.PricingParams{UseEMA: true},
		Permissions: state.Permissions{AllowOpenPosition: true, AllowClosePosition: true},
		Fees:        state.Fees{ClosePosition: 10, Liquidation: 50, ProtocolShare: 2_000},
	}
	c.Assets.Owned = fpmath.Checked(InitialOwned)
	c.BorrowRateState.LastUpdate = MarketStartTime
	m.DB.PutCustody(custodyKey, c)

	if err := m.DB.OpenTokenAccount(ledger.TokenAccount{
		Key:    m.CustodyToken,
		Mint:   mint,
		Owner:  ledger.TransferAuthorityAddress(program),
		Amount: InitialOwned,
	}); err != nil {
		t.Fatalf("open custody token account: %v", err)
	}

	m.SetPrice(t, 50_000_000)
	return m
}

// SetPrice publishes a fresh feed with spot and EMA both at price.
func (m *Market) SetPrice(t testing.TB, price uint64) {
	t.Helper()
	m.SetFeed(t, oracle.Feed{Price: price, EMA: price, Expo: -6, PublishTime: m.Clock.Now()})
}

func (m *Market) SetFeed(t testing.TB, feed oracle.Feed) {
	t.Helper()
	if err := m.Feeds.PutFeed(context.Background(), m.OracleAccount, feed); err != nil {
		t.Fatalf("put feed: %v", err)
	}
}

// UpdateCustody edits the stored custody outside any unit of work.
func (m *Market) UpdateCustody(t testing.TB, fn func(c *state.Custody)) {
	t.Helper()
	c, ok := m.DB.GetCustody(m.Custody)
	if !ok {
		t.Fatalf("custody %s missing", m.Custody)
	}
	fn(c)
	m.DB.PutCustody(m.Custody, c)
}

// OpenPosition books a position of the fixture size the way an open would:
// index and open interest, locked funds, collateral and custody tokens.
func (m *Market) OpenPosition(t testing.TB, spec PositionSpec) OpenedPosition {
	t.Helper()

	ownerKey, err := ledger.NewKeypair()
	if err != nil {
		t.Fatalf("owner keypair: %v", err)
	}
	owner := ownerKey.Pubkey()
	pos := &state.Position{
		Owner:                      owner,
		Pool:                       m.Pool,
		Custody:                    m.Custody,
		OpenTime:                   m.Clock.Now() - 900,
		UpdateTime:                 m.Clock.Now() - 900,
		Side:                       spec.Side,
		Price:                      spec.EntryPrice,
		SizeUSD:                    PositionSizeUSD,
		CollateralUSD:              PositionCollateralUSD,
		CumulativeInterestSnapshot: *uint256.NewInt(0),
		LockedAmount:               PositionLockedAmount,
		CollateralAmount:           PositionCollateralAmount,
		StopLoss:                   spec.StopLoss,
		TakeProfit:                 spec.TakeProfit,
		Bump:                       255,
	}
	data, err := state.NewPositionAccountData(pos)
	if err != nil {
		t.Fatalf("encode position: %v", err)
	}
	key := pos.Address(m.Program)
	if err := m.DB.CreateAccount(ledger.Account{
		Key:      key,
		Owner:    m.Program,
		Lamports: ledger.MinimumBalance(state.PositionLen),
		Data:     data,
	}); err != nil {
		t.Fatalf("create position: %v", err)
	}

	m.UpdateCustody(t, func(c *state.Custody) {
		if err := c.AddPosition(pos, m.Clock.Now()); err != nil {
			t.Fatalf("add position: %v", err)
		}
		if err := c.LockFunds(pos.LockedAmount); err != nil {
			t.Fatalf("lock funds: %v", err)
		}
		if err := c.Assets.Collateral.Add(pos.CollateralAmount); err != nil {
			t.Fatalf("collateral: %v", err)
		}
	})
	custodyToken, _ := m.DB.GetTokenAccount(m.CustodyToken)
	custodyToken.Amount += pos.CollateralAmount
	if err := m.DB.PutTokenAccount(custodyToken); err != nil {
		t.Fatalf("fund custody: %v", err)
	}

	receiving := ledger.AssociatedTokenAddress(owner, m.Mint)
	if err := m.DB.OpenTokenAccount(ledger.TokenAccount{Key: receiving, Mint: m.Mint, Owner: owner}); err != nil {
		t.Fatalf("open receiving account: %v", err)
	}
	return OpenedPosition{Key: key, Owner: owner, OwnerKey: ownerKey, Receiving: receiving}
}

// SignLimits returns the owner's request to move the position's limits to
// stopLoss and takeProfit, valid for a minute.
func (m *Market) SignLimits(t testing.TB, p OpenedPosition, stopLoss, takeProfit state.Limit) core.UpdateLimitsRequest {
	t.Helper()
	acc, ok := m.DB.GetAccount(p.Key)
	if !ok {
		t.Fatalf("position %s missing", p.Key)
	}
	pos, err := state.DecodePosition(acc.Data)
	if err != nil {
		t.Fatalf("decode position: %v", err)
	}
	return core.SignLimits(m.Program, p.OwnerKey, core.LimitsApproval{
		Position:       p.Key,
		PrevStopLoss:   pos.StopLoss,
		PrevTakeProfit: pos.TakeProfit,
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
		Deadline:       m.Clock.Now() + 60,
	}, m.Pool, m.Custody)
}

// OpenDeprecatedPosition writes a position in the layout that predates
// stop-loss and take-profit.
func (m *Market) OpenDeprecatedPosition(t testing.TB, side state.Side) (ledger.Pubkey, *state.DeprecatedPosition) {
	t.Helper()

	d := &state.DeprecatedPosition{
		Owner:                      ledger.NewUniquePubkey(),
		Pool:                       m.Pool,
		Custody:                    m.Custody,
		OpenTime:                   m.Clock.Now() - 3_600,
		UpdateTime:                 m.Clock.Now() - 1_800,
		Side:                       side,
		Price:                      40_000_000,
		SizeUSD:                    PositionSizeUSD,
		CollateralUSD:              PositionCollateralUSD,
		UnrealizedProfitUSD:        3,
		UnrealizedLossUSD:          4,
		CumulativeInterestSnapshot: *uint256.NewInt(12_345),
		LockedAmount:               PositionLockedAmount,
		CollateralAmount:           PositionCollateralAmount,
		Bump:                       253,
	}
	data, err := state.NewDeprecatedPositionAccountData(d)
	if err != nil {
		t.Fatalf("encode deprecated position: %v", err)
	}
	key := ledger.PositionAddress(m.Program, d.Owner, d.Pool, d.Custody, uint8(side))
	if err := m.DB.CreateAccount(ledger.Account{
		Key:      key,
		Owner:    m.Program,
		Lamports: ledger.MinimumBalance(state.DeprecatedPositionLen),
		Data:     data,
	}); err != nil {
		t.Fatalf("create deprecated position: %v", err)
	}
	return key, d
}

// FundPayer creates a system account holding lamports and returns the key
// that signs for it.
func (m *Market) FundPayer(t testing.TB, lamports uint64) ledger.Keypair {
	t.Helper()
	kp, err := ledger.NewKeypair()
	if err != nil {
		t.Fatalf("payer keypair: %v", err)
	}
	if err := m.DB.CreateAccount(ledger.Account{Key: kp.Pubkey(), Owner: ledger.SystemProgram, Lamports: lamports}); err != nil {
		t.Fatalf("create payer: %v", err)
	}
	return kp
}

// SetAdmins installs a fresh multisig of n generated signers.
func (m *Market) SetAdmins(t testing.TB, n int, minSignatures uint8) []*governance.Signer {
	t.Helper()
	signers := make([]*governance.Signer, n)
	addrs := make([]common.Address, n)
	for i := range signers {
		s, err := governance.GenerateSigner()
		if err != nil {
			t.Fatalf("generate signer: %v", err)
		}
		signers[i] = s
		addrs[i] = s.Address()
	}
	ms, err := governance.NewMultisig(addrs, minSignatures)
	if err != nil {
		t.Fatalf("new multisig: %v", err)
	}
	m.DB.PutMultisig(ledger.MultisigAddress(m.Program), ms)
	return signers
}

// CustodyState returns the stored custody record.
func (m *Market) CustodyState(t testing.TB) *state.Custody {
	t.Helper()
	c, ok := m.DB.GetCustody(m.Custody)
	if !ok {
		t.Fatalf("custody %s missing", m.Custody)
	}
	return c
}

func (m *Market) Balance(key ledger.Pubkey) uint64 {
	ta, _ := m.DB.GetTokenAccount(key)
	return ta.Amount
}
