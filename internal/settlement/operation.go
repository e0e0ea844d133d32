package settlement

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/model"
)

// Operation is one step of an Operate batch: a MarginAction or a
// VaultFinanceAction.
type Operation interface {
	Kind() string
	operation()
}

// MarginActionType selects what a MarginAction does in the margin engine.
type MarginActionType int

const (
	OpenVault MarginActionType = iota
	DepositCollateral
	WithdrawCollateral
	MintShortOption
	BurnShortOption
	DepositLongOption
	WithdrawLongOption
	SettleVault
	Liquidate
	Call
	Redeem
)

var marginActionNames = map[MarginActionType]string{
	OpenVault:          "open_vault",
	DepositCollateral:  "deposit_collateral",
	WithdrawCollateral: "withdraw_collateral",
	MintShortOption:    "mint_short_option",
	BurnShortOption:    "burn_short_option",
	DepositLongOption:  "deposit_long_option",
	WithdrawLongOption: "withdraw_long_option",
	SettleVault:        "settle_vault",
	Liquidate:          "liquidate",
	Call:               "call",
	Redeem:             "redeem",
}

func (t MarginActionType) String() string {
	if s, ok := marginActionNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseMarginActionType is the inverse of String.
func ParseMarginActionType(s string) (MarginActionType, bool) {
	for t, name := range marginActionNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// MarginAction is forwarded to the margin engine on behalf of Owner.
// SecondAddress is where funds come from (deposits, burns) or go to
// (withdrawals, mints, settlement).
type MarginAction struct {
	Type          MarginActionType `json:"type"`
	Owner         common.Address   `json:"owner"`
	SecondAddress common.Address   `json:"second_address"`
	VaultID       uint64           `json:"vault_id"`
	Series        model.Series     `json:"series"`
	Amount        decimal.Decimal  `json:"amount"`
}

func (a MarginAction) Kind() string { return a.Type.String() }
func (MarginAction) operation()     {}

// forbidden reports whether the action is reserved to the margin engine's
// own keepers.
func (a MarginAction) forbidden() bool {
	switch a.Type {
	case Liquidate, Call, Redeem:
		return true
	}
	return false
}

// pullsFromSecond reports whether the action takes funds from SecondAddress.
func (a MarginAction) pullsFromSecond() bool {
	switch a.Type {
	case DepositCollateral, DepositLongOption, BurnShortOption:
		return true
	}
	return false
}

func (a MarginAction) needsAmount() bool {
	switch a.Type {
	case OpenVault, SettleVault:
		return false
	}
	return true
}

// VaultFinanceActionType selects a trade against the vault.
type VaultFinanceActionType int

const (
	Issue VaultFinanceActionType = iota
	BuyOption
	SellOption
)

var financeActionNames = map[VaultFinanceActionType]string{
	Issue:      "issue",
	BuyOption:  "buy_option",
	SellOption: "sell_option",
}

func (t VaultFinanceActionType) String() string {
	if s, ok := financeActionNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseVaultFinanceActionType is the inverse of String.
func ParseVaultFinanceActionType(s string) (VaultFinanceActionType, bool) {
	for t, name := range financeActionNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// VaultFinanceAction trades Amount contracts of Series with the vault.
// BuyOption: the caller buys from the vault and the options go to Recipient.
// SellOption: the caller sells to the vault and the premium goes to
// Recipient. A zero Recipient means the caller.
type VaultFinanceAction struct {
	Type      VaultFinanceActionType `json:"type"`
	Series    model.Series           `json:"series"`
	Amount    decimal.Decimal        `json:"amount"`
	Recipient common.Address         `json:"recipient"`
}

func (a VaultFinanceAction) Kind() string { return a.Type.String() }
func (VaultFinanceAction) operation()     {}
