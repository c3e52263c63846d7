// Package division maps bounty-coin balances to division tiers and decides
// how much a match, a cancellation or a coin purchase moves a balance.
//
// Everything here is pure; thresholds and prices are configuration.
package division

import (
	"errors"
	"fmt"
)

type Tier string

const (
	TierSilver  Tier = "SILVER"
	TierGold    Tier = "GOLD"
	TierDiamond Tier = "DIAMOND"
)

func (t Tier) Valid() bool {
	switch t {
	case TierSilver, TierGold, TierDiamond:
		return true
	default:
		return false
	}
}

const (
	DefaultSilverMax           = 250
	DefaultGoldMax             = 750
	DefaultBounty              = 50
	DefaultCancelPenalty       = 10
	DefaultProtectionThreshold = 3
)

var ErrInvalidPolicy = errors.New("invalid division policy")

type Policy struct {
	// SilverMax and GoldMax are inclusive upper balance bounds; anything above
	// GoldMax is DIAMOND.
	SilverMax int64 `json:"silver_max"`
	GoldMax   int64 `json:"gold_max"`

	DefaultBounty int64 `json:"default_bounty"`
	CancelPenalty int64 `json:"cancel_penalty"`

	// ProtectionThreshold consecutive losses earn one protection charge.
	ProtectionThreshold int `json:"protection_threshold"`

	// CoinPrices is the price of one coin per tier, in minor currency units.
	CoinPrices map[Tier]int64 `json:"coin_prices"`
}

func DefaultPolicy() Policy {
	return Policy{
		SilverMax:           DefaultSilverMax,
		GoldMax:             DefaultGoldMax,
		DefaultBounty:       DefaultBounty,
		CancelPenalty:       DefaultCancelPenalty,
		ProtectionThreshold: DefaultProtectionThreshold,
		CoinPrices: map[Tier]int64{
			TierSilver:  100,
			TierGold:    90,
			TierDiamond: 80,
		},
	}
}

func (p Policy) Validate() error {
	if p.SilverMax < 0 || p.GoldMax <= p.SilverMax {
		return fmt.Errorf("%w: thresholds must satisfy 0 <= silver_max < gold_max (got %d, %d)",
			ErrInvalidPolicy, p.SilverMax, p.GoldMax)
	}

	if p.DefaultBounty <= 0 {
		return fmt.Errorf("%w: default bounty must be positive", ErrInvalidPolicy)
	}

	if p.CancelPenalty < 0 {
		return fmt.Errorf("%w: cancel penalty must not be negative", ErrInvalidPolicy)
	}

	if p.ProtectionThreshold < 0 {
		return fmt.Errorf("%w: protection threshold must not be negative", ErrInvalidPolicy)
	}

	for _, tier := range []Tier{TierSilver, TierGold, TierDiamond} {
		if p.CoinPrices[tier] < 0 {
			return fmt.Errorf("%w: coin price for %s must not be negative", ErrInvalidPolicy, tier)
		}
	}

	return nil
}

func (p Policy) TierFor(balance int64) Tier {
	switch {
	case balance <= p.SilverMax:
		return TierSilver
	case balance <= p.GoldMax:
		return TierGold
	default:
		return TierDiamond
	}
}

// Progress describes how far a balance is from the next division.
type Progress struct {
	Current Tier `json:"current"`
	Next    Tier `json:"next,omitempty"`

	// CoinsNeeded to enter Next; zero when already at the top.
	CoinsNeeded int64 `json:"coins_needed"`

	// UpgradeEligible is true while a higher division exists.
	UpgradeEligible bool `json:"upgrade_eligible"`
}

func (p Policy) Progress(balance int64) Progress {
	current := p.TierFor(balance)

	switch current {
	case TierSilver:
		return Progress{
			Current:         current,
			Next:            TierGold,
			CoinsNeeded:     p.SilverMax + 1 - balance,
			UpgradeEligible: true,
		}
	case TierGold:
		return Progress{
			Current:         current,
			Next:            TierDiamond,
			CoinsNeeded:     p.GoldMax + 1 - balance,
			UpgradeEligible: true,
		}
	default:
		return Progress{Current: current}
	}
}

// Bounty resolves the bounty of a match, falling back to the default when
// unset.
func (p Policy) Bounty(bounty int64) int64 {
	if bounty <= 0 {
		return p.DefaultBounty
	}

	return bounty
}

func (p Policy) WinReward(bounty int64) int64 {
	return p.Bounty(bounty)
}

// LossDeduction is half the bounty rounded down.
func (p Policy) LossDeduction(bounty int64) int64 {
	return p.Bounty(bounty) / 2
}

// Clip limits a deduction so the balance cannot go below zero.
func Clip(balance, deduction int64) int64 {
	if deduction <= 0 {
		return 0
	}

	if balance <= 0 {
		return 0
	}

	return min(balance, deduction)
}

func (p Policy) CoinPrice(tier Tier) int64 {
	return p.CoinPrices[tier]
}

// Quote prices a purchase of coins for a squad in the given tier.
func (p Policy) Quote(tier Tier, coins int64) int64 {
	if coins <= 0 {
		return 0
	}

	return p.CoinPrice(tier) * coins
}

// EarnsProtection reports whether a loss streak of this length grants a
// protection charge.
func (p Policy) EarnsProtection(consecutiveLosses int) bool {
	return p.ProtectionThreshold > 0 && consecutiveLosses >= p.ProtectionThreshold
}
