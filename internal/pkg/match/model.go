package match

import (
	"time"

	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/challenge"
)

type CreateRequest struct {
	ChallengerID string    `json:"challenger_id"`
	OpponentID   string    `json:"opponent_id,omitempty"`
	Bounty       int64     `json:"bounty"`
	Deadline     time.Time `json:"deadline"`
}

type squadRequest struct {
	SquadID string `json:"squad_id"`
}

type resultRequest struct {
	SquadID string `json:"squad_id"`
	Result  string `json:"result"`
}

type disputeRequest struct {
	SquadID string   `json:"squad_id"`
	Images  []string `json:"images"`
	Text    string   `json:"text"`
}

// Kinds name the transitions for idempotency keys.
const (
	kindCreate  = "create"
	kindAccept  = "accept"
	kindReady   = "ready"
	kindResult  = "result"
	kindCancel  = "cancel"
	kindDispute = "dispute"
	kindExpire  = "expire"
)

type options struct {
	idempotencyKey string
}

type Option func(*options)

// WithIdempotencyKey makes a command safe to retry: a second call with the
// same key by the same squad returns the current challenge unchanged.
func WithIdempotencyKey(key string) Option {
	return func(o *options) {
		o.idempotencyKey = key
	}
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// ChallengeList is returned by the squad challenge query.
type ChallengeList struct {
	Challenges []challenge.Challenge `json:"challenges"`
}
