package settle

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope is the top-level account namespace.
type AccountScope uint8

const (
	ScopeTrader AccountScope = iota
	ScopeSystem
)

// AccountSubType identifies the account purpose within a scope.
type AccountSubType uint8

const (
	// Trader sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeReward // liquidator payout

	// System sub-types
	SubTypeLPPool
	SubTypeTreasury
	SubTypeInsurance
	SubTypeFundingPool
	SubTypeExternal // deposits/withdrawals boundary
)

// Account is the comparable key a balance delta applies to.
type Account struct {
	Scope   AccountScope
	Entity  [16]byte // trader/liquidator UUID; zero for system accounts
	SubType AccountSubType
}

// TraderAccount returns a trader-scoped account key.
func TraderAccount(trader uuid.UUID, subType AccountSubType) Account {
	return Account{Scope: ScopeTrader, Entity: trader, SubType: subType}
}

// SystemAccount returns a system-scoped account key.
func SystemAccount(subType AccountSubType) Account {
	return Account{Scope: ScopeSystem, SubType: subType}
}

// Path returns the string representation for storage and logging.
func (a Account) Path() string {
	if a.Scope == ScopeTrader {
		return fmt.Sprintf("trader:%s:%s", uuid.UUID(a.Entity).String(), a.subTypeName())
	}
	return fmt.Sprintf("system:%s", a.subTypeName())
}

func (a Account) subTypeName() string {
	switch a.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeReward:
		return "reward"
	case SubTypeLPPool:
		return "lp_pool"
	case SubTypeTreasury:
		return "treasury"
	case SubTypeInsurance:
		return "insurance"
	case SubTypeFundingPool:
		return "funding_pool"
	case SubTypeExternal:
		return "external"
	default:
		return "unknown"
	}
}
