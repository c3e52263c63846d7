// Package match is the challenge state machine. It validates each command
// against the current status and the acting squad, persists the new state and
// books ledger effects in the same transaction.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/challenge"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/common"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/evidence"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/keylock"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/ledger"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/notify"
	"github.com/samber/do/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	DefaultChallengeTTL  = 24 * time.Hour
	DefaultDisputeWindow = 24 * time.Hour
)

// errUnchanged tells mutate that a command was a no-op replay.
var errUnchanged = errors.New("unchanged")

type MatchService struct {
	DatabaseService *common.DatabaseService

	Challenges *challenge.Repository
	Ledger     *ledger.LedgerService
	Outbox     *notify.Outbox
	Evidence   *evidence.EvidenceService
	Locks      *keylock.Set
	Logger     *slog.Logger

	ChallengeTTL      time.Duration
	DisputeWindow     time.Duration
	ExpireInterval    time.Duration
	ReconcileInterval time.Duration

	Now func() time.Time

	scheduler gocron.Scheduler
}

func NewMatchService(i do.Injector) (*MatchService, error) {
	logger := do.MustInvoke[*slog.Logger](i)

	result := &MatchService{
		DatabaseService: do.MustInvoke[*common.DatabaseService](i),

		Challenges: do.MustInvoke[*challenge.Repository](i),
		Ledger:     do.MustInvoke[*ledger.LedgerService](i),
		Outbox:     do.MustInvoke[*notify.Outbox](i),
		Evidence:   do.MustInvoke[*evidence.EvidenceService](i),
		Locks:      do.MustInvokeNamed[*keylock.Set](i, "challenge-locks"),
		Logger:     logger.With("component", "match"),

		ChallengeTTL:      do.MustInvokeNamed[time.Duration](i, "challenge-ttl"),
		DisputeWindow:     do.MustInvokeNamed[time.Duration](i, "dispute-window"),
		ExpireInterval:    do.MustInvokeNamed[time.Duration](i, "expire-interval"),
		ReconcileInterval: do.MustInvokeNamed[time.Duration](i, "reconcile-interval"),
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(result.routes)

	return result, nil
}

func (s *MatchService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}

	return time.Now().UTC()
}

func (s *MatchService) logger() *slog.Logger {
	if s.Logger == nil {
		return common.DiscardLogger()
	}

	return s.Logger
}

func (s *MatchService) challengeTTL() time.Duration {
	if s.ChallengeTTL <= 0 {
		return DefaultChallengeTTL
	}

	return s.ChallengeTTL
}

func (s *MatchService) disputeWindow() time.Duration {
	if s.DisputeWindow <= 0 {
		return DefaultDisputeWindow
	}

	return s.DisputeWindow
}

func challengeLockKey(challengeID string) string {
	return "challenge:" + challengeID
}

func idempotencyKey(challengeID, squadID, kind, key string) []byte {
	return common.CompositeKey([]byte(challengeID), []byte(squadID), []byte(kind), []byte(key))
}

func event(kind notify.Kind, c *challenge.Challenge, now time.Time, actorSquad string) notify.Event {
	e := notify.NewEvent(kind, c.ID, now, c.Participants()...)
	e.ActorSquad = actorSquad

	return e
}

// transition validates and applies one change to c. It runs inside the
// write transaction while the challenge and squad locks are held.
type transition func(tx *bolt.Tx, c *challenge.Challenge, now time.Time) ([]notify.Event, error)

type command struct {
	challengeID string
	squadID     string
	kind        string
	opts        []Option
	apply       transition
}

// mutate is the read-validate-write cycle every command goes through.
// Locks are taken challenge first, then squads, and released after commit.
func (s *MatchService) mutate(ctx context.Context, cmd command) (*challenge.Challenge, error) {
	o := collect(cmd.opts)

	release, err := s.Locks.Acquire(ctx, challengeLockKey(cmd.challengeID))
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := s.Challenges.Get(ctx, cmd.challengeID)
	if err != nil {
		return nil, err
	}

	releaseSquads, err := s.Ledger.LockSquads(ctx, append(current.Participants(), cmd.squadID)...)
	if err != nil {
		return nil, err
	}
	defer releaseSquads()

	var (
		result *challenge.Challenge
		events []notify.Event
	)

	err = s.Ledger.Atomically(func(tx *bolt.Tx) error {
		c, err := s.Challenges.Load(tx, cmd.challengeID)
		if err != nil {
			return err
		}

		result = c

		if o.idempotencyKey != "" {
			_, seen, err := s.Challenges.ClaimIdempotencyKey(tx,
				idempotencyKey(cmd.challengeID, cmd.squadID, cmd.kind, o.idempotencyKey), c.ID)
			if err != nil {
				return err
			}

			if seen {
				return nil
			}
		}

		now := s.now()

		events, err = cmd.apply(tx, c, now)
		if errors.Is(err, errUnchanged) {
			events = nil

			return nil
		}

		if err != nil {
			return err
		}

		c.UpdatedAt = now

		err = s.Challenges.Save(tx, c)
		if err != nil {
			return err
		}

		return s.Outbox.Append(tx, events...)
	})
	if err != nil {
		return nil, err
	}

	if len(events) > 0 {
		s.Outbox.Notify()

		s.logger().InfoContext(ctx, "challenge transition",
			"challenge", result.ID,
			"command", cmd.kind,
			"squad", cmd.squadID,
			"status", result.Status,
		)
	}

	return result, nil
}

// requireEligible checks that squadID names an existing, active squad.
func requireEligible(tx *bolt.Tx, squadID string) error {
	squad, err := ledger.LoadSquad(tx, squadID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.Newf(apperrors.CodeInvalidParticipant, "squad %s does not exist", squadID)
	}

	if err != nil {
		return err
	}

	if !squad.Active {
		return apperrors.Newf(apperrors.CodeInvalidParticipant, "squad %s is deactivated", squadID)
	}

	return nil
}

func requireSide(c *challenge.Challenge, squadID string) (challenge.Side, error) {
	side := c.SideOf(squadID)
	if side == challenge.SideNone {
		return side, apperrors.New(apperrors.CodeNotAuthorized, "squad is not part of this challenge")
	}

	return side, nil
}

func invalidTransition(c *challenge.Challenge, action string) error {
	return apperrors.Newf(apperrors.CodeInvalidTransition, "cannot %s a %s challenge", action, c.Status)
}

//nolint:cyclop,funlen
func (s *MatchService) Create(ctx context.Context, req CreateRequest, opts ...Option) (*challenge.Challenge, error) {
	o := collect(opts)

	if req.ChallengerID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "challenger squad is required")
	}

	if req.ChallengerID == req.OpponentID {
		return nil, apperrors.New(apperrors.CodeInvalidParticipant, "a squad cannot challenge itself")
	}

	if req.Bounty < 0 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "bounty must not be negative")
	}

	now := s.now()

	deadline := req.Deadline.UTC()
	if req.Deadline.IsZero() {
		deadline = now.Add(s.challengeTTL())
	}

	if !deadline.After(now) {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "deadline must be in the future")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "failed to generate UUID", err)
	}

	c := &challenge.Challenge{
		ID:           id.String(),
		ChallengerID: req.ChallengerID,
		OpponentID:   req.OpponentID,
		Status:       challenge.StatusPending,
		Bounty:       s.Ledger.Policy.Bounty(req.Bounty),
		Deadline:     deadline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	release, err := s.Ledger.LockSquads(ctx, req.ChallengerID, req.OpponentID)
	if err != nil {
		return nil, err
	}
	defer release()

	created := true

	err = s.Ledger.Atomically(func(tx *bolt.Tx) error {
		if o.idempotencyKey != "" {
			existingID, seen, err := s.Challenges.ClaimIdempotencyKey(tx,
				idempotencyKey("", req.ChallengerID, kindCreate, o.idempotencyKey), c.ID)
			if err != nil {
				return err
			}

			if seen {
				created = false
				c, err = s.Challenges.Load(tx, existingID)

				return err
			}
		}

		for _, squadID := range c.Participants() {
			err := requireEligible(tx, squadID)
			if err != nil {
				return err
			}
		}

		err := s.Challenges.Insert(tx, c)
		if err != nil {
			return err
		}

		return s.Outbox.Append(tx, event(notify.KindChallengeCreated, c, now, c.ChallengerID))
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.Outbox.Notify()

		s.logger().InfoContext(ctx, "challenge created",
			"challenge", c.ID,
			"challenger", c.ChallengerID,
			"opponent", c.OpponentID,
			"bounty", c.Bounty,
		)
	}

	return c, nil
}

// Accept moves a PENDING challenge to ACCEPTED. Open challenges can be
// taken by any other active squad.
func (s *MatchService) Accept(ctx context.Context, challengeID, squadID string, opts ...Option) (*challenge.Challenge, error) {
	return s.mutate(ctx, command{
		challengeID: challengeID,
		squadID:     squadID,
		kind:        kindAccept,
		opts:        opts,
		apply: func(tx *bolt.Tx, c *challenge.Challenge, now time.Time) ([]notify.Event, error) {
			if c.Status != challenge.StatusPending {
				return nil, apperrors.Newf(apperrors.CodeNotPending, "challenge is %s", c.Status)
			}

			if !now.Before(c.Deadline) {
				return nil, apperrors.New(apperrors.CodeNotPending, "challenge deadline has passed")
			}

			switch {
			case c.Open():
				if squadID == "" || squadID == c.ChallengerID {
					return nil, apperrors.New(apperrors.CodeInvalidParticipant, "a squad cannot accept its own challenge")
				}

				c.OpponentID = squadID
			case squadID != c.OpponentID:
				return nil, apperrors.New(apperrors.CodeNotAuthorized, "only the challenged squad can accept")
			}

			err := requireEligible(tx, squadID)
			if err != nil {
				return nil, err
			}

			c.Status = challenge.StatusAccepted

			return []notify.Event{event(notify.KindChallengeAccepted, c, now, squadID)}, nil
		},
	})
}

// MarkReady flags one side as ready. The second flag starts the match.
// Repeating it is harmless.
func (s *MatchService) MarkReady(ctx context.Context, challengeID, squadID string, opts ...Option) (*challenge.Challenge, error) {
	return s.mutate(ctx, command{
		challengeID: challengeID,
		squadID:     squadID,
		kind:        kindReady,
		opts:        opts,
		apply: func(_ *bolt.Tx, c *challenge.Challenge, now time.Time) ([]notify.Event, error) {
			side, err := requireSide(c, squadID)
			if err != nil {
				return nil, err
			}

			switch c.Status {
			case challenge.StatusAccepted:
			case challenge.StatusPlaying:
				return nil, errUnchanged
			default:
				return nil, invalidTransition(c, "ready up for")
			}

			if c.Ready(side) {
				return nil, errUnchanged
			}

			c.SetReady(side)

			if !c.ChallengerReady || !c.OpponentReady {
				return nil, nil
			}

			c.Status = challenge.StatusPlaying

			return []notify.Event{event(notify.KindMatchStarted, c, now, squadID)}, nil
		},
	})
}

// SubmitResult records one side's claim. Two agreeing claims complete the
// match and move coins, two conflicting ones open a dispute.
//
//nolint:cyclop
func (s *MatchService) SubmitResult(
	ctx context.Context,
	challengeID string,
	squadID string,
	result challenge.Result,
	opts ...Option,
) (*challenge.Challenge, error) {
	if _, ok := challenge.ParseResult(string(result)); !ok {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "result must be WIN or LOSS")
	}

	return s.mutate(ctx, command{
		challengeID: challengeID,
		squadID:     squadID,
		kind:        kindResult,
		opts:        opts,
		apply: func(tx *bolt.Tx, c *challenge.Challenge, now time.Time) ([]notify.Event, error) {
			side, err := requireSide(c, squadID)
			if err != nil {
				return nil, err
			}

			switch c.Status {
			case challenge.StatusPlaying, challenge.StatusResultSubmitted:
			case challenge.StatusCompleted:
				return nil, apperrors.ErrAlreadyResolved
			default:
				return nil, invalidTransition(c, "submit a result for")
			}

			if c.ResultOf(side.Opposite()) == challenge.ResultUnset {
				if c.Status == challenge.StatusResultSubmitted && c.ResultOf(side) == result {
					return nil, errUnchanged
				}

				c.SetResult(side, result)
				c.Status = challenge.StatusResultSubmitted

				return []notify.Event{event(notify.KindResultSubmitted, c, now, squadID)}, nil
			}

			c.SetResult(side, result)

			if !challenge.Consistent(c.ChallengerResult, c.OpponentResult) {
				c.Status = challenge.StatusDisputed

				e := event(notify.KindResultDisputed, c, now, squadID)
				e.Reason = "conflicting results"

				return []notify.Event{e}, nil
			}

			winnerID, loserID := c.ChallengerID, c.OpponentID
			if c.ChallengerResult == challenge.ResultLoss {
				winnerID, loserID = loserID, winnerID
			}

			return s.complete(tx, c, winnerID, loserID, now)
		},
	})
}

func (s *MatchService) complete(tx *bolt.Tx, c *challenge.Challenge, winnerID, loserID string, now time.Time) ([]notify.Event, error) {
	generation := c.LedgerGeneration + 1

	outcome, err := s.Ledger.ApplyMatchOutcome(tx, c.ID, generation, winnerID, loserID, c.Bounty,
		ledger.OutcomeOptions{UpdateStreaks: true})
	if err != nil {
		return nil, err
	}

	c.Status = challenge.StatusCompleted
	c.WinnerID = winnerID
	c.LoserID = loserID
	c.LedgerApplied = true
	c.LedgerGeneration = generation
	c.CompletedAt = &now

	e := event(notify.KindMatchCompleted, c, now, "")
	e.WinnerID = winnerID
	e.LoserID = loserID
	e.Deltas = map[string]int64{
		winnerID: outcome.Winner.Delta,
		loserID:  outcome.Loser.Delta,
	}

	return []notify.Event{e}, nil
}

// Cancel abandons a challenge before play. The cancelling squad pays the
// cancellation penalty, clipped at zero.
func (s *MatchService) Cancel(ctx context.Context, challengeID, squadID string, opts ...Option) (*challenge.Challenge, error) {
	return s.mutate(ctx, command{
		challengeID: challengeID,
		squadID:     squadID,
		kind:        kindCancel,
		opts:        opts,
		apply: func(tx *bolt.Tx, c *challenge.Challenge, now time.Time) ([]notify.Event, error) {
			_, err := requireSide(c, squadID)
			if err != nil {
				return nil, err
			}

			if c.Status != challenge.StatusPending && c.Status != challenge.StatusAccepted {
				return nil, invalidTransition(c, "cancel")
			}

			penalty, err := s.Ledger.ApplyCancelPenalty(tx, c.ID, squadID)
			if err != nil {
				return nil, err
			}

			c.Status = challenge.StatusCancelled
			c.CancelReason = challenge.CancelReasonCancelled
			c.CancelledBy = squadID

			e := event(notify.KindChallengeCancelled, c, now, squadID)
			e.Reason = challenge.CancelReasonCancelled
			e.Deltas = map[string]int64{squadID: penalty.Delta}

			return []notify.Event{e}, nil
		},
	})
}

// FileDispute contests a match. A completed match can be reopened inside the
// dispute window; coins already moved stay where they are until an admin
// resolves it.
//
//nolint:cyclop
func (s *MatchService) FileDispute(
	ctx context.Context,
	challengeID string,
	squadID string,
	ev challenge.Evidence,
	opts ...Option,
) (*challenge.Challenge, error) {
	ev, err := s.Evidence.Check(ctx, challengeID, ev)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, command{
		challengeID: challengeID,
		squadID:     squadID,
		kind:        kindDispute,
		opts:        opts,
		apply: func(_ *bolt.Tx, c *challenge.Challenge, now time.Time) ([]notify.Event, error) {
			_, err := requireSide(c, squadID)
			if err != nil {
				return nil, err
			}

			reopened := false

			switch c.Status {
			case challenge.StatusPlaying, challenge.StatusResultSubmitted:
			case challenge.StatusCompleted:
				if c.Resolved() {
					return nil, apperrors.New(apperrors.CodeAlreadyResolved, "an administratively resolved match cannot be disputed")
				}

				if c.CompletedAt != nil && now.After(c.CompletedAt.Add(s.disputeWindow())) {
					return nil, apperrors.New(apperrors.CodeInvalidTransition, "the dispute window has closed")
				}

				reopened = true
			case challenge.StatusDisputed:
				// Conflicting results opened the dispute; evidence can still be attached once.
				if c.Dispute != nil {
					return nil, apperrors.New(apperrors.CodeInvalidTransition, "a dispute is already open")
				}
			default:
				return nil, invalidTransition(c, "dispute")
			}

			c.Status = challenge.StatusDisputed
			c.Dispute = &challenge.Dispute{
				FiledBy:  squadID,
				Evidence: ev,
				FiledAt:  now,
				Reopened: reopened,
			}

			e := event(notify.KindResultDisputed, c, now, squadID)
			e.Reason = "dispute filed"

			return []notify.Event{e}, nil
		},
	})
}

// Expire cancels a challenge nobody started before its deadline. There is
// no penalty.
func (s *MatchService) Expire(ctx context.Context, challengeID string) (*challenge.Challenge, error) {
	return s.mutate(ctx, command{
		challengeID: challengeID,
		kind:        kindExpire,
		apply: func(_ *bolt.Tx, c *challenge.Challenge, now time.Time) ([]notify.Event, error) {
			if c.Status != challenge.StatusPending && c.Status != challenge.StatusAccepted {
				return nil, invalidTransition(c, "expire")
			}

			if now.Before(c.Deadline) {
				return nil, apperrors.New(apperrors.CodeInvalidTransition, "the deadline has not passed yet")
			}

			// A squad that readied up is committed; only idle challenges lapse.
			if c.ChallengerReady || c.OpponentReady {
				return nil, apperrors.New(apperrors.CodeInvalidTransition, "a squad is already ready")
			}

			c.Status = challenge.StatusCancelled
			c.CancelReason = challenge.CancelReasonExpired

			e := event(notify.KindChallengeExpired, c, now, "")
			e.Reason = challenge.CancelReasonExpired

			return []notify.Event{e}, nil
		},
	})
}

func (s *MatchService) GetChallenge(ctx context.Context, challengeID string) (*challenge.Challenge, error) {
	return s.Challenges.Get(ctx, challengeID)
}

func (s *MatchService) ListChallengesForSquad(
	ctx context.Context,
	squadID string,
	statuses ...challenge.Status,
) ([]challenge.Challenge, error) {
	_, err := s.Ledger.GetSquad(ctx, squadID)
	if err != nil {
		return nil, err
	}

	return s.Challenges.ListForSquad(ctx, squadID, statuses...)
}

// DeactivateSquad soft-deactivates a squad that has nothing left in play.
func (s *MatchService) DeactivateSquad(ctx context.Context, squadID string) (*ledger.Squad, error) {
	return s.Ledger.Deactivate(ctx, squadID, func(tx *bolt.Tx) error {
		ids, err := s.Challenges.IDsForSquad(tx, squadID,
			challenge.StatusPending,
			challenge.StatusAccepted,
			challenge.StatusPlaying,
			challenge.StatusResultSubmitted,
			challenge.StatusDisputed,
		)
		if err != nil {
			return err
		}

		if len(ids) > 0 {
			return apperrors.Newf(apperrors.CodeInvalidTransition,
				"squad still has %d open challenge(s)", len(ids))
		}

		return nil
	})
}
