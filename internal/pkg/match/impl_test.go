package match_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/challenge"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/common"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/division"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/keylock"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/ledger"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/match"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type engine struct {
	*match.MatchService

	clock *clock
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	db, err := common.OpenDatabase(filepath.Join(t.TempDir(), "match.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Shutdown() })

	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	ledgerService := &ledger.LedgerService{
		DatabaseService: db,
		Policy:          division.DefaultPolicy(),
		Locks:           keylock.New(2 * time.Second),
		Now:             clk.Now,
	}

	outbox, err := notify.NewOutbox(nil)
	require.NoError(t, err)

	return &engine{
		MatchService: &match.MatchService{
			DatabaseService: db,
			Challenges:      &challenge.Repository{DatabaseService: db},
			Ledger:          ledgerService,
			Outbox:          outbox,
			Locks:           keylock.New(2 * time.Second),
			ChallengeTTL:    time.Hour,
			DisputeWindow:   time.Hour,
			Now:             clk.Now,
		},
		clock: clk,
	}
}

func (e *engine) squad(t *testing.T, tag string, balance int64) string {
	t.Helper()

	ctx := context.Background()

	squad, err := e.Ledger.RegisterSquad(ctx, ledger.RegisterRequest{Name: "Squad " + tag, Tag: tag, LeaderID: "leader-" + tag})
	require.NoError(t, err)

	if balance > 0 {
		_, err = e.Ledger.AdminAdjust(ctx, squad.ID, balance, "admin", "seed")
		require.NoError(t, err)
	}

	return squad.ID
}

func (e *engine) balance(t *testing.T, squadID string) int64 {
	t.Helper()

	squad, err := e.Ledger.GetSquad(context.Background(), squadID)
	require.NoError(t, err)

	return squad.Balance
}

// matchEntries counts MATCH_WIN and MATCH_LOSS entries booked for a challenge.
func (e *engine) matchEntries(t *testing.T, challengeID string, squadIDs ...string) int {
	t.Helper()

	n := 0

	for _, squadID := range squadIDs {
		history, err := e.Ledger.History(context.Background(), squadID, ledger.Page{Limit: ledger.MaxPageLimit})
		require.NoError(t, err)

		for _, entry := range history.Transactions {
			if entry.ChallengeID != challengeID {
				continue
			}

			if entry.Reason == ledger.ReasonMatchWin || entry.Reason == ledger.ReasonMatchLoss {
				n++
			}
		}
	}

	return n
}

func (e *engine) kinds(t *testing.T, challengeID string) []notify.Kind {
	t.Helper()

	events, err := notify.Pending(e.DatabaseService)
	require.NoError(t, err)

	var kinds []notify.Kind

	for _, event := range events {
		if event.ChallengeID == challengeID {
			kinds = append(kinds, event.Kind)
		}
	}

	return kinds
}

// playing drives a fresh challenge between x and y to PLAYING.
func (e *engine) playing(t *testing.T, x, y string) *challenge.Challenge {
	t.Helper()

	ctx := context.Background()

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y, Bounty: 50})
	require.NoError(t, err)

	_, err = e.Accept(ctx, c.ID, y)
	require.NoError(t, err)

	_, err = e.MarkReady(ctx, c.ID, x)
	require.NoError(t, err)

	c, err = e.MarkReady(ctx, c.ID, y)
	require.NoError(t, err)
	require.Equal(t, challenge.StatusPlaying, c.Status)

	return c
}

func TestScenarioA(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 100)

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y, Bounty: 50})
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusPending, c.Status)

	c, err = e.Accept(ctx, c.ID, y)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusAccepted, c.Status)

	c, err = e.MarkReady(ctx, c.ID, x)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusAccepted, c.Status)

	c, err = e.MarkReady(ctx, c.ID, y)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusPlaying, c.Status)

	c, err = e.SubmitResult(ctx, c.ID, x, challenge.ResultWin)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusResultSubmitted, c.Status)

	c, err = e.SubmitResult(ctx, c.ID, y, challenge.ResultLoss)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusCompleted, c.Status)
	assert.Equal(t, x, c.WinnerID)
	assert.Equal(t, y, c.LoserID)
	assert.True(t, c.LedgerApplied)

	assert.Equal(t, int64(50), e.balance(t, x))
	assert.Equal(t, int64(75), e.balance(t, y))
	assert.Equal(t, 2, e.matchEntries(t, c.ID, x, y))

	require.NoError(t, e.Ledger.Reconcile(ctx, x))
	require.NoError(t, e.Ledger.Reconcile(ctx, y))

	assert.Equal(t, []notify.Kind{
		notify.KindChallengeCreated,
		notify.KindChallengeAccepted,
		notify.KindMatchStarted,
		notify.KindResultSubmitted,
		notify.KindMatchCompleted,
	}, e.kinds(t, c.ID))
}

func TestMatchCompletedEventCarriesDeltas(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 10)

	c := e.playing(t, x, y)

	_, err := e.SubmitResult(ctx, c.ID, y, challenge.ResultLoss)
	require.NoError(t, err)

	_, err = e.SubmitResult(ctx, c.ID, x, challenge.ResultWin)
	require.NoError(t, err)

	events, err := notify.Pending(e.DatabaseService)
	require.NoError(t, err)

	last := events[len(events)-1]
	require.Equal(t, notify.KindMatchCompleted, last.Kind)
	assert.Equal(t, x, last.WinnerID)
	assert.Equal(t, y, last.LoserID)
	assert.Equal(t, map[string]int64{x: 50, y: -10}, last.Deltas)
}

func TestScenarioB(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 100)
	y := e.squad(t, "y", 100)

	c := e.playing(t, x, y)

	_, err := e.SubmitResult(ctx, c.ID, x, challenge.ResultWin)
	require.NoError(t, err)

	c, err = e.SubmitResult(ctx, c.ID, y, challenge.ResultWin)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusDisputed, c.Status)
	assert.False(t, c.LedgerApplied)

	assert.Equal(t, int64(100), e.balance(t, x))
	assert.Equal(t, int64(100), e.balance(t, y))
	assert.Equal(t, 0, e.matchEntries(t, c.ID, x, y))
}

func TestBothLossIsDisputed(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 0)

	c := e.playing(t, x, y)

	_, err := e.SubmitResult(ctx, c.ID, x, challenge.ResultLoss)
	require.NoError(t, err)

	c, err = e.SubmitResult(ctx, c.ID, y, challenge.ResultLoss)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusDisputed, c.Status)
}

func TestScenarioC(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 10)

	c := e.playing(t, x, y)

	_, err := e.SubmitResult(ctx, c.ID, x, challenge.ResultWin)
	require.NoError(t, err)

	_, err = e.SubmitResult(ctx, c.ID, y, challenge.ResultLoss)
	require.NoError(t, err)

	assert.Equal(t, int64(0), e.balance(t, y))
	require.NoError(t, e.Ledger.Reconcile(ctx, y))
}

func TestScenarioE(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 100)
	y := e.squad(t, "y", 100)

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.NoError(t, err)

	c, err = e.Cancel(ctx, c.ID, x)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusCancelled, c.Status)
	assert.Equal(t, challenge.CancelReasonCancelled, c.CancelReason)
	assert.Equal(t, x, c.CancelledBy)

	assert.Equal(t, int64(90), e.balance(t, x))
	assert.Equal(t, int64(100), e.balance(t, y))
}

func TestCancelPenaltyIsClipped(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 4)
	y := e.squad(t, "y", 0)

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.NoError(t, err)

	_, err = e.Accept(ctx, c.ID, y)
	require.NoError(t, err)

	_, err = e.Cancel(ctx, c.ID, y)
	require.NoError(t, err)

	assert.Equal(t, int64(4), e.balance(t, x))
	assert.Equal(t, int64(0), e.balance(t, y))
}

func TestCancelAfterPlayStartedIsRejected(t *testing.T) {
	t.Parallel()

	e := newEngine(t)

	x := e.squad(t, "x", 100)
	y := e.squad(t, "y", 100)

	c := e.playing(t, x, y)

	_, err := e.Cancel(context.Background(), c.ID, x)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Equal(t, int64(100), e.balance(t, x))
}

func TestMarkReadyIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 0)

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.NoError(t, err)

	_, err = e.Accept(ctx, c.ID, y)
	require.NoError(t, err)

	once, err := e.MarkReady(ctx, c.ID, x)
	require.NoError(t, err)

	twice, err := e.MarkReady(ctx, c.ID, x)
	require.NoError(t, err)
	assert.Equal(t, once.Version, twice.Version)

	_, err = e.MarkReady(ctx, c.ID, y)
	require.NoError(t, err)

	again, err := e.MarkReady(ctx, c.ID, y)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusPlaying, again.Status)

	started := 0

	for _, kind := range e.kinds(t, c.ID) {
		if kind == notify.KindMatchStarted {
			started++
		}
	}

	assert.Equal(t, 1, started)
}

func TestMarkReadyBeforeAcceptIsRejected(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 0)

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.NoError(t, err)

	_, err = e.MarkReady(ctx, c.ID, x)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestResubmissionOverwrites(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 100)
	y := e.squad(t, "y", 100)

	c := e.playing(t, x, y)

	_, err := e.SubmitResult(ctx, c.ID, x, challenge.ResultWin)
	require.NoError(t, err)

	c, err = e.SubmitResult(ctx, c.ID, x, challenge.ResultLoss)
	require.NoError(t, err)
	assert.Equal(t, challenge.ResultLoss, c.ChallengerResult)

	c, err = e.SubmitResult(ctx, c.ID, y, challenge.ResultWin)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusCompleted, c.Status)
	assert.Equal(t, y, c.WinnerID)

	assert.Equal(t, int64(150), e.balance(t, y))
	assert.Equal(t, int64(75), e.balance(t, x))
}

func TestSubmitResultAfterCompletion(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 0)

	c := e.playing(t, x, y)

	_, err := e.SubmitResult(ctx, c.ID, x, challenge.ResultWin)
	require.NoError(t, err)

	_, err = e.SubmitResult(ctx, c.ID, y, challenge.ResultLoss)
	require.NoError(t, err)

	_, err = e.SubmitResult(ctx, c.ID, y, challenge.ResultWin)
	require.ErrorIs(t, err, apperrors.ErrAlreadyResolved)

	_, err = e.SubmitResult(ctx, c.ID, x, challenge.Result("DRAW"))
	require.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestConcurrentSubmitResultBooksOnce(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 100)

	c := e.playing(t, x, y)

	_, err := e.SubmitResult(ctx, c.ID, x, challenge.ResultWin)
	require.NoError(t, err)

	var g errgroup.Group

	for range 16 {
		g.Go(func() error {
			_, err := e.SubmitResult(ctx, c.ID, y, challenge.ResultLoss)
			if err == nil ||
				errors.Is(err, apperrors.ErrAlreadyResolved) ||
				errors.Is(err, apperrors.ErrContended) {
				return nil
			}

			return err
		})
	}

	require.NoError(t, g.Wait())

	assert.Equal(t, 2, e.matchEntries(t, c.ID, x, y))
	assert.Equal(t, int64(50), e.balance(t, x))
	assert.Equal(t, int64(75), e.balance(t, y))
}

func TestNonParticipantIsRejected(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 0)
	z := e.squad(t, "z", 0)

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.NoError(t, err)

	_, err = e.Accept(ctx, c.ID, z)
	require.ErrorIs(t, err, apperrors.ErrNotAuthorized)

	_, err = e.Accept(ctx, c.ID, x)
	require.ErrorIs(t, err, apperrors.ErrNotAuthorized)

	_, err = e.Accept(ctx, c.ID, y)
	require.NoError(t, err)

	_, err = e.MarkReady(ctx, c.ID, z)
	require.ErrorIs(t, err, apperrors.ErrNotAuthorized)

	_, err = e.Cancel(ctx, c.ID, z)
	require.ErrorIs(t, err, apperrors.ErrNotAuthorized)

	_, err = e.Accept(ctx, c.ID, y)
	require.ErrorIs(t, err, apperrors.ErrNotPending)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 0)

	_, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: x})
	require.ErrorIs(t, err, apperrors.ErrInvalidParticipant)

	_, err = e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: "ghost"})
	require.ErrorIs(t, err, apperrors.ErrInvalidParticipant)

	_, err = e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y, Bounty: -1})
	require.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	_, err = e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y, Deadline: e.clock.Now().Add(-time.Minute)})
	require.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.NoError(t, err)
	assert.Equal(t, int64(division.DefaultBounty), c.Bounty)
	assert.True(t, c.Deadline.Equal(e.clock.Now().Add(time.Hour)))

	_, err = e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.ErrorIs(t, err, apperrors.ErrDuplicateChallenge)

	// The reverse direction is a different ordered pair.
	_, err = e.Create(ctx, match.CreateRequest{ChallengerID: y, OpponentID: x})
	require.NoError(t, err)

	_, err = e.Cancel(ctx, c.ID, x)
	require.NoError(t, err)

	_, err = e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.NoError(t, err)
}

func TestOpenChallenge(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	z := e.squad(t, "z", 0)

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x})
	require.NoError(t, err)
	assert.True(t, c.Open())

	_, err = e.Accept(ctx, c.ID, x)
	require.ErrorIs(t, err, apperrors.ErrInvalidParticipant)

	c, err = e.Accept(ctx, c.ID, z)
	require.NoError(t, err)
	assert.Equal(t, z, c.OpponentID)
	assert.Equal(t, challenge.StatusAccepted, c.Status)

	listed, err := e.ListChallengesForSquad(ctx, z, challenge.StatusAccepted)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, c.ID, listed[0].ID)
}

func TestDeactivatedSquadCannotAccept(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	z := e.squad(t, "z", 0)

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x})
	require.NoError(t, err)

	_, err = e.DeactivateSquad(ctx, z)
	require.NoError(t, err)

	_, err = e.Accept(ctx, c.ID, z)
	require.ErrorIs(t, err, apperrors.ErrInvalidParticipant)
}

func TestExpire(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 100)
	y := e.squad(t, "y", 100)

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.NoError(t, err)

	_, err = e.Expire(ctx, c.ID)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	e.clock.Advance(2 * time.Hour)

	_, err = e.Accept(ctx, c.ID, y)
	require.ErrorIs(t, err, apperrors.ErrNotPending)

	c, err = e.Expire(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusCancelled, c.Status)
	assert.Equal(t, challenge.CancelReasonExpired, c.CancelReason)

	assert.Equal(t, int64(100), e.balance(t, x))
	assert.Equal(t, int64(100), e.balance(t, y))

	_, err = e.Accept(ctx, c.ID, y)
	require.ErrorIs(t, err, apperrors.ErrNotPending)
}

func TestExpireAcceptedWithOneSideReady(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 100)
	y := e.squad(t, "y", 100)

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.NoError(t, err)

	_, err = e.Accept(ctx, c.ID, y)
	require.NoError(t, err)

	_, err = e.MarkReady(ctx, c.ID, x)
	require.NoError(t, err)

	e.clock.Advance(2 * time.Hour)

	_, err = e.Expire(ctx, c.ID)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	n, err := e.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c, err = e.GetChallenge(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusAccepted, c.Status)
	assert.True(t, c.ChallengerReady)

	c, err = e.MarkReady(ctx, c.ID, y)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusPlaying, c.Status)

	assert.Equal(t, int64(100), e.balance(t, x))
	assert.Equal(t, int64(100), e.balance(t, y))
}

func TestExpireAcceptedWithNobodyReady(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 100)
	y := e.squad(t, "y", 100)

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.NoError(t, err)

	_, err = e.Accept(ctx, c.ID, y)
	require.NoError(t, err)

	e.clock.Advance(2 * time.Hour)

	c, err = e.Expire(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusCancelled, c.Status)
	assert.Equal(t, int64(100), e.balance(t, x))
	assert.Equal(t, int64(100), e.balance(t, y))
}

func TestExpireRacesMarkReady(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 0)

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.NoError(t, err)

	_, err = e.Accept(ctx, c.ID, y)
	require.NoError(t, err)

	e.clock.Advance(2 * time.Hour)

	var readyErr, expireErr error

	var g errgroup.Group

	g.Go(func() error {
		_, readyErr = e.MarkReady(ctx, c.ID, x)

		return nil
	})
	g.Go(func() error {
		_, expireErr = e.Expire(ctx, c.ID)

		return nil
	})

	require.NoError(t, g.Wait())

	// Exactly one of them wins; the other sees the new state.
	assert.True(t, (readyErr == nil) != (expireErr == nil))

	final, err := e.GetChallenge(ctx, c.ID)
	require.NoError(t, err)

	if readyErr == nil {
		assert.Equal(t, challenge.StatusAccepted, final.Status)
		assert.True(t, final.ChallengerReady)
		assert.ErrorIs(t, expireErr, apperrors.ErrInvalidTransition)
	} else {
		assert.Equal(t, challenge.StatusCancelled, final.Status)
		assert.ErrorIs(t, readyErr, apperrors.ErrInvalidTransition)
	}
}

func TestExpireDue(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 0)
	z := e.squad(t, "z", 0)

	first, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.NoError(t, err)

	second, err := e.Create(ctx, match.CreateRequest{ChallengerID: y, OpponentID: z})
	require.NoError(t, err)

	later, err := e.Create(ctx, match.CreateRequest{ChallengerID: z, OpponentID: x, Deadline: e.clock.Now().Add(3 * time.Hour)})
	require.NoError(t, err)

	e.clock.Advance(2 * time.Hour)

	n, err := e.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{first.ID, second.ID} {
		c, err := e.GetChallenge(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, challenge.StatusCancelled, c.Status)
	}

	c, err := e.GetChallenge(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusPending, c.Status)

	n, err = e.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFileDispute(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 0)

	c := e.playing(t, x, y)

	_, err := e.FileDispute(ctx, c.ID, x, challenge.Evidence{})
	require.ErrorIs(t, err, apperrors.ErrInsufficientEvidence)

	_, err = e.FileDispute(ctx, c.ID, x, challenge.Evidence{Images: []string{"a", "b", "c"}})
	require.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	c, err = e.FileDispute(ctx, c.ID, x, challenge.Evidence{Text: "they used a cheat"})
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusDisputed, c.Status)
	require.NotNil(t, c.Dispute)
	assert.Equal(t, x, c.Dispute.FiledBy)
	assert.False(t, c.Dispute.Reopened)

	_, err = e.FileDispute(ctx, c.ID, y, challenge.Evidence{Text: "no we did not"})
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestEvidenceCanBeAddedToConflictingResults(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 0)

	c := e.playing(t, x, y)

	_, err := e.SubmitResult(ctx, c.ID, x, challenge.ResultWin)
	require.NoError(t, err)

	_, err = e.SubmitResult(ctx, c.ID, y, challenge.ResultWin)
	require.NoError(t, err)

	c, err = e.FileDispute(ctx, c.ID, y, challenge.Evidence{Images: []string{"https://cdn/scoreboard.png"}})
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusDisputed, c.Status)
	assert.Equal(t, y, c.Dispute.FiledBy)
}

func TestDisputeWindow(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 100)

	complete := func() *challenge.Challenge {
		c := e.playing(t, x, y)

		_, err := e.SubmitResult(ctx, c.ID, x, challenge.ResultWin)
		require.NoError(t, err)

		c, err = e.SubmitResult(ctx, c.ID, y, challenge.ResultLoss)
		require.NoError(t, err)
		require.Equal(t, challenge.StatusCompleted, c.Status)

		return c
	}

	c := complete()

	e.clock.Advance(30 * time.Minute)

	c, err := e.FileDispute(ctx, c.ID, y, challenge.Evidence{Text: "wrong score"})
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusDisputed, c.Status)
	assert.True(t, c.Dispute.Reopened)

	// Reopening does not move coins back.
	assert.True(t, c.LedgerApplied)
	assert.Equal(t, int64(50), e.balance(t, x))
	assert.Equal(t, int64(75), e.balance(t, y))

	late := complete()

	e.clock.Advance(2 * time.Hour)

	_, err = e.FileDispute(ctx, late.ID, y, challenge.Evidence{Text: "too late"})
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestIdempotencyKeys(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 100)
	y := e.squad(t, "y", 100)

	req := match.CreateRequest{ChallengerID: x, OpponentID: y}

	first, err := e.Create(ctx, req, match.WithIdempotencyKey("create-1"))
	require.NoError(t, err)

	second, err := e.Create(ctx, req, match.WithIdempotencyKey("create-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = e.Cancel(ctx, first.ID, x, match.WithIdempotencyKey("cancel-1"))
	require.NoError(t, err)

	replayed, err := e.Cancel(ctx, first.ID, x, match.WithIdempotencyKey("cancel-1"))
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusCancelled, replayed.Status)

	assert.Equal(t, int64(90), e.balance(t, x))

	_, err = e.Cancel(ctx, first.ID, x, match.WithIdempotencyKey("cancel-2"))
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestDeactivateSquad(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 0)

	c, err := e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.NoError(t, err)

	_, err = e.DeactivateSquad(ctx, y)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	_, err = e.Cancel(ctx, c.ID, x)
	require.NoError(t, err)

	squad, err := e.DeactivateSquad(ctx, y)
	require.NoError(t, err)
	assert.False(t, squad.Active)

	_, err = e.Create(ctx, match.CreateRequest{ChallengerID: x, OpponentID: y})
	require.ErrorIs(t, err, apperrors.ErrInvalidParticipant)
}

func TestProtectionChargeSoftensLoss(t *testing.T) {
	t.Parallel()

	e := newEngine(t)
	ctx := context.Background()

	x := e.squad(t, "x", 0)
	y := e.squad(t, "y", 500)

	lose := func() {
		c := e.playing(t, x, y)

		_, err := e.SubmitResult(ctx, c.ID, x, challenge.ResultWin)
		require.NoError(t, err)

		_, err = e.SubmitResult(ctx, c.ID, y, challenge.ResultLoss)
		require.NoError(t, err)
	}

	for range division.DefaultProtectionThreshold {
		lose()
	}

	assert.Equal(t, int64(500-3*25), e.balance(t, y))

	squad, err := e.Ledger.SpendProtection(ctx, y)
	require.NoError(t, err)
	assert.True(t, squad.ProtectionArmed)

	lose()

	assert.Equal(t, int64(500-3*25), e.balance(t, y))
}
