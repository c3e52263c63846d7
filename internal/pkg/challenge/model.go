package challenge

import (
	"time"
)

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusAccepted        Status = "ACCEPTED"
	StatusPlaying         Status = "PLAYING"
	StatusResultSubmitted Status = "RESULT_SUBMITTED"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
	StatusDisputed        Status = "DISPUTED"
)

var AllStatuses = []Status{
	StatusPending,
	StatusAccepted,
	StatusPlaying,
	StatusResultSubmitted,
	StatusCompleted,
	StatusCancelled,
	StatusDisputed,
}

func ParseStatus(s string) (Status, bool) {
	for _, status := range AllStatuses {
		if string(status) == s {
			return status, true
		}
	}

	return "", false
}

// Active reports whether the challenge can still change without an admin.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusPlaying, StatusResultSubmitted:
		return true
	default:
		return false
	}
}

// Result is what one side claims about its own match.
type Result string

const (
	ResultUnset Result = ""
	ResultWin   Result = "WIN"
	ResultLoss  Result = "LOSS"
)

func ParseResult(s string) (Result, bool) {
	switch Result(s) {
	case ResultWin, ResultLoss:
		return Result(s), true
	default:
		return ResultUnset, false
	}
}

// Consistent reports whether two claims agree on a single winner.
func Consistent(a, b Result) bool {
	return (a == ResultWin && b == ResultLoss) || (a == ResultLoss && b == ResultWin)
}

type Side int

const (
	SideNone Side = iota
	SideChallenger
	SideOpponent
)

func (s Side) Opposite() Side {
	switch s {
	case SideChallenger:
		return SideOpponent
	case SideOpponent:
		return SideChallenger
	default:
		return SideNone
	}
}

type MatchType string

const (
	MatchTypeNormal   MatchType = "NORMAL"
	MatchTypeAutoWin  MatchType = "AUTO_WIN"
	MatchTypeWalkover MatchType = "WALKOVER"
)

func (m MatchType) Valid() bool {
	switch m {
	case MatchTypeNormal, MatchTypeAutoWin, MatchTypeWalkover:
		return true
	default:
		return false
	}
}

const (
	CancelReasonCancelled = "cancelled"
	CancelReasonExpired   = "expired"
)

const MaxEvidenceImages = 2

type Evidence struct {
	Images []string `json:"images,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Dispute struct {
	FiledBy  string    `json:"filed_by"`
	Evidence Evidence  `json:"evidence"`
	FiledAt  time.Time `json:"filed_at"`

	// Reopened is true when the dispute was filed against a completed match.
	Reopened bool `json:"reopened"`
}

type Resolution struct {
	MatchType  MatchType `json:"match_type"`
	AdminID    string    `json:"admin_id"`
	Bounty     int64     `json:"bounty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

type Challenge struct {
	ID           string `json:"id"`
	ChallengerID string `json:"challenger_id"`
	OpponentID   string `json:"opponent_id,omitempty"`
	Status       Status `json:"status"`
	Bounty       int64  `json:"bounty"`

	Deadline time.Time `json:"deadline"`

	ChallengerReady bool `json:"challenger_ready"`
	OpponentReady   bool `json:"opponent_ready"`

	ChallengerResult Result `json:"challenger_result,omitempty"`
	OpponentResult   Result `json:"opponent_result,omitempty"`

	WinnerID string `json:"winner_id,omitempty"`
	LoserID  string `json:"loser_id,omitempty"`

	AdminNotes   string      `json:"admin_notes,omitempty"`
	Dispute      *Dispute    `json:"dispute,omitempty"`
	Resolution   *Resolution `json:"resolution,omitempty"`
	CancelReason string      `json:"cancel_reason,omitempty"`
	CancelledBy  string      `json:"cancelled_by,omitempty"`

	// LedgerApplied is true while an outcome pair for LedgerGeneration is
	// booked and not reversed.
	LedgerApplied    bool `json:"ledger_applied"`
	LedgerGeneration int  `json:"ledger_generation"`

	Version int `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (c *Challenge) Open() bool {
	return c.OpponentID == ""
}

func (c *Challenge) SideOf(squadID string) Side {
	switch {
	case squadID == "":
		return SideNone
	case squadID == c.ChallengerID:
		return SideChallenger
	case squadID == c.OpponentID:
		return SideOpponent
	default:
		return SideNone
	}
}

// Other returns the squad on the opposite side, if any.
func (c *Challenge) Other(side Side) string {
	switch side {
	case SideChallenger:
		return c.OpponentID
	case SideOpponent:
		return c.ChallengerID
	default:
		return ""
	}
}

func (c *Challenge) Participants() []string {
	if c.OpponentID == "" {
		return []string{c.ChallengerID}
	}

	return []string{c.ChallengerID, c.OpponentID}
}

func (c *Challenge) Ready(side Side) bool {
	if side == SideChallenger {
		return c.ChallengerReady
	}

	return c.OpponentReady
}

func (c *Challenge) SetReady(side Side) {
	if side == SideChallenger {
		c.ChallengerReady = true
	} else {
		c.OpponentReady = true
	}
}

func (c *Challenge) ResultOf(side Side) Result {
	if side == SideChallenger {
		return c.ChallengerResult
	}

	return c.OpponentResult
}

func (c *Challenge) SetResult(side Side, r Result) {
	if side == SideChallenger {
		c.ChallengerResult = r
	} else {
		c.OpponentResult = r
	}
}

// Resolved is true once an admin has decided the match; it is final.
func (c *Challenge) Resolved() bool {
	return c.Resolution != nil
}
