// Package dispute lets an administrator force a final outcome on a disputed
// challenge.
package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/challenge"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/common"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/keylock"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/ledger"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/notify"
	"github.com/samber/do/v2"
	bolt "go.etcd.io/bbolt"
)

// Resolution is an administrator's verdict on one challenge.
type Resolution struct {
	ChallengeID string              `json:"-"`
	WinnerID    string              `json:"winner_id"`
	LoserID     string              `json:"loser_id"`
	MatchType   challenge.MatchType `json:"match_type"`

	// BountyOverride replaces the challenge bounty for a NORMAL booking.
	BountyOverride *int64 `json:"bounty_override,omitempty"`

	AdminID string `json:"-"`
	Notes   string `json:"notes,omitempty"`
}

type ResolverService struct {
	Challenges *challenge.Repository
	Ledger     *ledger.LedgerService
	Outbox     *notify.Outbox
	Locks      *keylock.Set
	Logger     *slog.Logger

	Now func() time.Time
}

func NewResolverService(i do.Injector) (*ResolverService, error) {
	logger := do.MustInvoke[*slog.Logger](i)

	result := &ResolverService{
		Challenges: do.MustInvoke[*challenge.Repository](i),
		Ledger:     do.MustInvoke[*ledger.LedgerService](i),
		Outbox:     do.MustInvoke[*notify.Outbox](i),
		Locks:      do.MustInvokeNamed[*keylock.Set](i, "challenge-locks"),
		Logger:     logger.With("component", "dispute"),
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(result.routes)

	return result, nil
}

func (s *ResolverService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}

	return time.Now().UTC()
}

func (s *ResolverService) logger() *slog.Logger {
	if s.Logger == nil {
		return common.DiscardLogger()
	}

	return s.Logger
}

func validate(r Resolution) error {
	if !r.MatchType.Valid() {
		return apperrors.Newf(apperrors.CodeInvalidArgument, "unknown match type %q", r.MatchType)
	}

	if r.BountyOverride != nil && *r.BountyOverride <= 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "bounty override must be positive")
	}

	if r.WinnerID == "" || r.LoserID == "" || r.WinnerID == r.LoserID {
		return apperrors.New(apperrors.CodeInvalidParticipant, "winner and loser must be two different squads")
	}

	return nil
}

// ResolveDispute completes a DISPUTED challenge with the administrator's
// outcome. Coins, counters and protection charges booked by an earlier
// completion are reversed first; only NORMAL books a new outcome pair.
//
//nolint:cyclop,funlen
func (s *ResolverService) ResolveDispute(ctx context.Context, r Resolution) (*challenge.Challenge, error) {
	err := validate(r)
	if err != nil {
		return nil, err
	}

	release, err := s.Locks.Acquire(ctx, "challenge:"+r.ChallengeID)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := s.Challenges.Get(ctx, r.ChallengeID)
	if err != nil {
		return nil, err
	}

	releaseSquads, err := s.Ledger.LockSquads(ctx, current.Participants()...)
	if err != nil {
		return nil, err
	}
	defer releaseSquads()

	var (
		c      *challenge.Challenge
		events []notify.Event
		spent  []string
	)

	err = s.Ledger.Atomically(func(tx *bolt.Tx) error {
		var err error

		c, err = s.Challenges.Load(tx, r.ChallengeID)
		if err != nil {
			return err
		}

		switch c.Status {
		case challenge.StatusDisputed:
		case challenge.StatusCompleted:
			return apperrors.ErrAlreadyResolved
		default:
			return apperrors.Newf(apperrors.CodeInvalidTransition, "cannot resolve a %s challenge", c.Status)
		}

		winnerSide, loserSide := c.SideOf(r.WinnerID), c.SideOf(r.LoserID)
		if winnerSide == challenge.SideNone || loserSide == challenge.SideNone {
			return apperrors.New(apperrors.CodeInvalidParticipant, "winner and loser must be the two participants")
		}

		now := s.now()
		deltas := make(map[string]int64, 2)

		if c.LedgerApplied {
			reversal, err := s.Ledger.ReverseMatchOutcome(tx, c.ID, c.LedgerGeneration)
			if err != nil {
				return err
			}

			for _, entry := range reversal.Entries {
				deltas[entry.SquadID] += entry.Delta
			}

			spent = reversal.SpentCharges

			c.LedgerApplied = false
		}

		bounty := c.Bounty
		if r.BountyOverride != nil {
			bounty = *r.BountyOverride
		}

		if r.MatchType == challenge.MatchTypeNormal {
			generation := c.LedgerGeneration + 1

			outcome, err := s.Ledger.ApplyMatchOutcome(tx, c.ID, generation, r.WinnerID, r.LoserID, bounty,
				ledger.OutcomeOptions{UpdateStreaks: true})
			if err != nil {
				return err
			}

			deltas[r.WinnerID] += outcome.Winner.Delta
			deltas[r.LoserID] += outcome.Loser.Delta

			c.LedgerApplied = true
			c.LedgerGeneration = generation
		}

		c.Status = challenge.StatusCompleted
		c.WinnerID = r.WinnerID
		c.LoserID = r.LoserID
		c.Bounty = bounty
		c.AdminNotes = r.Notes
		c.CompletedAt = &now
		c.UpdatedAt = now
		c.Resolution = &challenge.Resolution{
			MatchType:  r.MatchType,
			AdminID:    r.AdminID,
			Bounty:     bounty,
			ResolvedAt: now,
		}

		err = s.Challenges.Save(tx, c)
		if err != nil {
			return err
		}

		resolved := notify.NewEvent(notify.KindDisputeResolved, c.ID, now, c.Participants()...)
		resolved.WinnerID = r.WinnerID
		resolved.LoserID = r.LoserID
		resolved.MatchType = string(r.MatchType)
		resolved.Deltas = deltas
		resolved.Reason = r.Notes

		completed := notify.NewEvent(notify.KindMatchCompleted, c.ID, now, c.Participants()...)
		completed.WinnerID = r.WinnerID
		completed.LoserID = r.LoserID
		completed.MatchType = string(r.MatchType)
		completed.Deltas = deltas

		events = []notify.Event{resolved, completed}

		return s.Outbox.Append(tx, events...)
	})
	if err != nil {
		return nil, err
	}

	s.Outbox.Notify()

	// The overturned loss granted a charge the squad has since consumed; the
	// books can no longer be squared without an administrator.
	for _, squadID := range spent {
		s.Ledger.Freeze(squadID, "protection charge granted by an overturned loss was already used")
		s.logger().WarnContext(ctx, "squad frozen after dispute resolution", "challenge", c.ID, "squad", squadID)
	}

	s.logger().InfoContext(ctx, "dispute resolved",
		"challenge", c.ID,
		"admin", r.AdminID,
		"match_type", r.MatchType,
		"winner", r.WinnerID,
		"loser", r.LoserID,
		"bounty", c.Bounty,
	)

	return c, nil
}
