package notify

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindChallengeCreated   Kind = "ChallengeCreated"
	KindChallengeAccepted  Kind = "ChallengeAccepted"
	KindMatchStarted       Kind = "MatchStarted"
	KindResultSubmitted    Kind = "ResultSubmitted"
	KindResultDisputed     Kind = "ResultDisputed"
	KindMatchCompleted     Kind = "MatchCompleted"
	KindChallengeCancelled Kind = "ChallengeCancelled"
	KindChallengeExpired   Kind = "ChallengeExpired"
	KindDisputeResolved    Kind = "DisputeResolved"
)

// Event is what the engine tells the outside world. Consumers may see the
// same event more than once and must drop repeats by ID.
type Event struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	ChallengeID string    `json:"challenge_id"`
	Squads      []string  `json:"squads,omitempty"`
	ActorSquad  string    `json:"actor_squad,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`

	WinnerID  string           `json:"winner_id,omitempty"`
	LoserID   string           `json:"loser_id,omitempty"`
	Deltas    map[string]int64 `json:"deltas,omitempty"`
	MatchType string           `json:"match_type,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

func NewEvent(kind Kind, challengeID string, at time.Time, squads ...string) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	return Event{
		ID:          id.String(),
		Kind:        kind,
		ChallengeID: challengeID,
		Squads:      squads,
		OccurredAt:  at,
	}
}
