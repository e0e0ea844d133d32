package nav

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCloseEpoch_ZeroSupplyPricesAtOne(t *testing.T) {
	res, err := CloseEpoch(EpochInput{
		TotalSupply:     decimal.Zero,
		TotalAssets:     d(100000),
		PendingDeposits: d(100000),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.DepositPricePerShare.Equal(d(1)) || !res.WithdrawalPricePerShare.Equal(d(1)) {
		t.Errorf("expected unit prices, got deposit=%s withdrawal=%s",
			res.DepositPricePerShare, res.WithdrawalPricePerShare)
	}
	if !res.SharesToMint.Equal(d(100000)) {
		t.Errorf("expected 100000 shares, got %s", res.SharesToMint)
	}
}

func TestCloseEpoch_PricesExcludePendingDeposits(t *testing.T) {
	// 100 shares backed by 110 of NAV, plus 50 just deposited
	res, err := CloseEpoch(EpochInput{
		TotalSupply:             d(100),
		TotalAssets:             d(170),
		TotalLiabilities:        d(10),
		PendingDeposits:         d(50),
		PendingWithdrawalShares: d(20),
		WithdrawalCapacity:      d(1000),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.WithdrawalPricePerShare.Equal(d(1.1)) {
		t.Errorf("expected withdrawal pps 1.1, got %s", res.WithdrawalPricePerShare)
	}
	if !res.DepositPricePerShare.Equal(d(1.1)) {
		t.Errorf("expected deposit pps 1.1, got %s", res.DepositPricePerShare)
	}
	if !res.TotalWithdrawAmount.Equal(d(22)) {
		t.Errorf("expected 22 partitioned, got %s", res.TotalWithdrawAmount)
	}
	if !res.WithdrawalsProcessed {
		t.Error("expected withdrawals processed")
	}
	// 50 / 1.1 truncated to 18 dp
	want := decimal.RequireFromString("45.454545454545454545")
	if !res.SharesToMint.Equal(want) {
		t.Errorf("expected %s shares, got %s", want, res.SharesToMint)
	}
}

func TestCloseEpoch_DefersWithdrawalsOverCapacity(t *testing.T) {
	res, err := CloseEpoch(EpochInput{
		TotalSupply:             d(100),
		TotalAssets:             d(100),
		PendingWithdrawalShares: d(60),
		WithdrawalCapacity:      d(59.99),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.WithdrawalsProcessed {
		t.Error("expected withdrawals deferred")
	}
	if !res.TotalWithdrawAmount.IsZero() {
		t.Errorf("deferred epoch must not partition funds, got %s", res.TotalWithdrawAmount)
	}
	if !res.DepositPricePerShare.Equal(d(1)) {
		t.Errorf("deposit price still set, got %s", res.DepositPricePerShare)
	}
}

func TestCloseEpoch_NonPositiveNAV(t *testing.T) {
	_, err := CloseEpoch(EpochInput{
		TotalSupply:      d(100),
		TotalAssets:      d(50),
		TotalLiabilities: d(60),
	})
	if !errors.Is(err, ErrNonPositiveNAV) {
		t.Errorf("expected ErrNonPositiveNAV, got %v", err)
	}
}

func TestCloseEpoch_NegativeInput(t *testing.T) {
	_, err := CloseEpoch(EpochInput{TotalSupply: d(-1)})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestConversions_TruncateToZero(t *testing.T) {
	// 1e-19 shares at pps 1 is below wad precision for collateral
	if got := CollateralForShares(decimal.New(1, -19), d(1)); !got.IsZero() {
		t.Errorf("expected dust to round to zero, got %s", got)
	}
	if got := CollateralForShares(d(0.0000009), d(1)); !got.IsZero() {
		t.Errorf("sub-micro collateral should truncate to zero, got %s", got)
	}
	if got := SharesForDeposit(d(10), d(3)); !got.Equal(decimal.RequireFromString("3.333333333333333333")) {
		t.Errorf("expected truncated thirds, got %s", got)
	}
	if got := SharesForDeposit(d(10), decimal.Zero); !got.IsZero() {
		t.Errorf("zero price mints nothing, got %s", got)
	}
}

func TestPriceTable_WriteOnce(t *testing.T) {
	table := NewPriceTable(model.DepositPrice)
	if err := table.Record(1, d(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := table.Record(1, d(2)); !errors.Is(err, ErrPriceAlreadyRecorded) {
		t.Errorf("expected ErrPriceAlreadyRecorded, got %v", err)
	}
	p, ok := table.Price(1)
	if !ok || !p.Equal(d(1)) {
		t.Errorf("price changed after rejected write: %s", p)
	}
}

func TestPriceTable_CheckpointRollback(t *testing.T) {
	table := NewPriceTable(model.WithdrawalPrice)
	table.Load([]model.EpochPrice{
		{Kind: model.WithdrawalPrice, Epoch: 1, Price: d(1)},
		{Kind: model.DepositPrice, Epoch: 1, Price: d(9)},
	})
	rollback := table.Checkpoint()
	if err := table.Record(2, d(1.2)); err != nil {
		t.Fatal(err)
	}
	rollback()
	if _, ok := table.Price(2); ok {
		t.Error("rolled back price still present")
	}
	if p, _ := table.Price(1); !p.Equal(d(1)) {
		t.Errorf("expected only withdrawal entries loaded, got %s", p)
	}
}
