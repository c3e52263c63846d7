package ledger

import (
	"time"

	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/division"
)

type Reason string

const (
	ReasonMatchWin        Reason = "MATCH_WIN"
	ReasonMatchLoss       Reason = "MATCH_LOSS"
	ReasonCancelPenalty   Reason = "CANCEL_PENALTY"
	ReasonAdminAdjustment Reason = "ADMIN_ADJUSTMENT"
	ReasonPurchase        Reason = "PURCHASE"

	// ReasonMatchReversal compensates a previously booked MATCH_WIN/MATCH_LOSS.
	ReasonMatchReversal Reason = "MATCH_REVERSAL"
)

type Squad struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Tag      string `json:"tag"`
	LeaderID string `json:"leader_id"`

	Division    division.Tier `json:"division"`
	Balance     int64         `json:"balance"`
	TotalEarned int64         `json:"total_earned"`
	TotalSpent  int64         `json:"total_spent"`

	Wins              int  `json:"wins"`
	Losses            int  `json:"losses"`
	ConsecutiveLosses int  `json:"consecutive_losses"`
	ProtectionCharges int  `json:"protection_charges"`
	ProtectionArmed   bool `json:"protection_armed"`

	Active       bool   `json:"active"`
	Frozen       bool   `json:"frozen"`
	FrozenReason string `json:"frozen_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID          string `json:"id"`
	SquadID     string `json:"squad_id"`
	Delta       int64  `json:"delta"`
	Reason      Reason `json:"reason"`
	ChallengeID string `json:"challenge_id,omitempty"`

	// Generation numbers the outcome pairs booked for one challenge; only the
	// dispute resolver ever books a second one.
	Generation int `json:"generation,omitempty"`

	// Counted marks a match entry that moved the win/loss counters. The
	// streak values let a reversal put the consecutive-loss counter back.
	Counted      bool `json:"counted,omitempty"`
	StreakBefore int  `json:"streak_before,omitempty"`
	StreakAfter  int  `json:"streak_after,omitempty"`

	ProtectionUsed    bool `json:"protection_used,omitempty"`
	ProtectionGranted bool `json:"protection_granted,omitempty"`

	Note         string    `json:"note,omitempty"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

type MatchOutcome struct {
	ChallengeID string      `json:"challenge_id"`
	Generation  int         `json:"generation"`
	Winner      Transaction `json:"winner"`
	Loser       Transaction `json:"loser"`

	ProtectionUsed bool `json:"protection_used"`
}

// Reversal is what ReverseMatchOutcome wrote.
type Reversal struct {
	Entries []Transaction `json:"entries"`

	// SpentCharges lists squads that already used the protection charge the
	// reversed loss granted them; it cannot be taken back.
	SpentCharges []string `json:"spent_charges,omitempty"`
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Tag      string `json:"tag"`
	LeaderID string `json:"-"`
}

// Page selects a slice of a squad's history, newest first.
type Page struct {
	Limit  int    `query:"limit"`
	Cursor string `query:"cursor"`
}

type HistoryPage struct {
	Transactions []Transaction `json:"transactions"`
	NextCursor   string        `json:"next_cursor,omitempty"`
}

type PurchaseReceipt struct {
	Transaction Transaction `json:"transaction"`
	Price       int64       `json:"price"`
}
