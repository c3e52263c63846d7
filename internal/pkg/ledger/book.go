package ledger

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/common"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/division"
	bolt "go.etcd.io/bbolt"
)

type booking struct {
	delta       int64
	reason      Reason
	challengeID string
	generation  int
	note        string

	counted           bool
	streakBefore      int
	streakAfter       int
	protectionUsed    bool
	protectionGranted bool
}

// book is the single place a balance changes. It appends the transaction,
// indexes it by squad, recomputes the division and persists the squad.
func (s *LedgerService) book(tx *bolt.Tx, squad *Squad, b booking) (*Transaction, error) {
	if squad.Frozen {
		return nil, apperrors.Newf(apperrors.CodeBalanceInvariantViolation,
			"squad %s economy is frozen: %s", squad.ID, squad.FrozenReason)
	}

	balance := squad.Balance + b.delta
	if balance < 0 {
		return nil, violation(squad.ID, "booking %d %s on balance %d would go negative",
			b.delta, b.reason, squad.Balance)
	}

	transactions, err := common.Bucket(tx, common.LedgerTransactionsBucket)
	if err != nil {
		return nil, err
	}

	bySquad, err := common.Bucket(tx, common.LedgerBySquadBucket)
	if err != nil {
		return nil, err
	}

	seq, err := transactions.NextSequence()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate transaction sequence: %w", err)
	}

	now := s.now()

	switch {
	case b.delta > 0:
		squad.TotalEarned += b.delta
	case b.delta < 0:
		squad.TotalSpent -= b.delta
	}

	squad.Balance = balance
	squad.Division = s.Policy.TierFor(balance)
	squad.UpdatedAt = now

	entry := &Transaction{
		ID:          uuid.NewString(),
		SquadID:     squad.ID,
		Delta:       b.delta,
		Reason:      b.reason,
		ChallengeID: b.challengeID,
		Generation:  b.generation,

		Counted:           b.counted,
		StreakBefore:      b.streakBefore,
		StreakAfter:       b.streakAfter,
		ProtectionUsed:    b.protectionUsed,
		ProtectionGranted: b.protectionGranted,

		Note:         b.note,
		BalanceAfter: balance,
		CreatedAt:    now,
	}

	err = common.PutJSON(transactions, entry.ID, entry)
	if err != nil {
		return nil, err
	}

	indexKey := common.CompositeKey([]byte(squad.ID), common.TimeToBytes(now), common.Uint64ToBytes(seq))

	err = bySquad.Put(indexKey, []byte(entry.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to index transaction: %w", err)
	}

	err = putSquad(tx, squad)
	if err != nil {
		return nil, err
	}

	return entry, nil
}

func outcomeKey(challengeID string, generation int, reason Reason, suffix string) []byte {
	parts := [][]byte{[]byte(challengeID), []byte(strconv.Itoa(generation)), []byte(reason)}
	if suffix != "" {
		parts = append(parts, []byte(suffix))
	}

	return common.CompositeKey(parts...)
}

// claimUnique enforces the (challenge, reason) style unique constraints.
func claimUnique(tx *bolt.Tx, key []byte) error {
	outcomes, err := common.Bucket(tx, common.LedgerOutcomesBucket)
	if err != nil {
		return err
	}

	if outcomes.Get(key) != nil {
		return apperrors.New(apperrors.CodeAlreadyResolved, "this ledger effect was already booked")
	}

	return nil
}

func linkUnique(tx *bolt.Tx, key []byte, transactionID string) error {
	outcomes, err := common.Bucket(tx, common.LedgerOutcomesBucket)
	if err != nil {
		return err
	}

	err = outcomes.Put(key, []byte(transactionID))
	if err != nil {
		return fmt.Errorf("failed to record ledger effect: %w", err)
	}

	return nil
}

func loadTransaction(tx *bolt.Tx, id string) (*Transaction, error) {
	transactions, err := common.Bucket(tx, common.LedgerTransactionsBucket)
	if err != nil {
		return nil, err
	}

	entry, ok, err := common.GetJSON[Transaction](transactions, id)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "transaction %s not found", id)
	}

	return entry, nil
}

// OutcomeOptions tunes ApplyMatchOutcome.
type OutcomeOptions struct {
	// UpdateStreaks moves win/loss counters and the consecutive-loss streak.
	UpdateStreaks bool
}

// ApplyMatchOutcome books the winner's reward and the loser's clipped
// deduction for one challenge generation. It must run inside the caller's
// transaction while both squad locks are held. Booking the same generation
// twice fails with ALREADY_RESOLVED.
//
//nolint:funlen
func (s *LedgerService) ApplyMatchOutcome(
	tx *bolt.Tx,
	challengeID string,
	generation int,
	winnerID string,
	loserID string,
	bounty int64,
	opts OutcomeOptions,
) (*MatchOutcome, error) {
	if winnerID == "" || loserID == "" || winnerID == loserID {
		return nil, apperrors.New(apperrors.CodeInvalidParticipant, "winner and loser must be two different squads")
	}

	winKey := outcomeKey(challengeID, generation, ReasonMatchWin, "")
	lossKey := outcomeKey(challengeID, generation, ReasonMatchLoss, "")

	for _, key := range [][]byte{winKey, lossKey} {
		err := claimUnique(tx, key)
		if err != nil {
			return nil, err
		}
	}

	winner, err := LoadSquad(tx, winnerID)
	if err != nil {
		return nil, err
	}

	loser, err := LoadSquad(tx, loserID)
	if err != nil {
		return nil, err
	}

	winStreak, lossStreak := winner.ConsecutiveLosses, loser.ConsecutiveLosses
	granted := false

	if opts.UpdateStreaks {
		winner.Wins++
		winner.ConsecutiveLosses = 0

		loser.Losses++
		loser.ConsecutiveLosses++

		if s.Policy.EarnsProtection(loser.ConsecutiveLosses) {
			loser.ProtectionCharges++
			loser.ConsecutiveLosses = 0
			granted = true
		}
	}

	winEntry, err := s.book(tx, winner, booking{
		delta:        s.Policy.WinReward(bounty),
		reason:       ReasonMatchWin,
		challengeID:  challengeID,
		generation:   generation,
		counted:      opts.UpdateStreaks,
		streakBefore: winStreak,
		streakAfter:  winner.ConsecutiveLosses,
	})
	if err != nil {
		return nil, err
	}

	deduction := s.Policy.LossDeduction(bounty)
	note := ""
	protectionUsed := false

	if loser.ProtectionArmed {
		deduction = 0
		protectionUsed = true
		loser.ProtectionArmed = false
		note = "protection charge consumed"
	}

	lossEntry, err := s.book(tx, loser, booking{
		delta:             -division.Clip(loser.Balance, deduction),
		reason:            ReasonMatchLoss,
		challengeID:       challengeID,
		generation:        generation,
		note:              note,
		counted:           opts.UpdateStreaks,
		streakBefore:      lossStreak,
		streakAfter:       loser.ConsecutiveLosses,
		protectionUsed:    protectionUsed,
		protectionGranted: granted,
	})
	if err != nil {
		return nil, err
	}

	err = linkUnique(tx, winKey, winEntry.ID)
	if err != nil {
		return nil, err
	}

	err = linkUnique(tx, lossKey, lossEntry.ID)
	if err != nil {
		return nil, err
	}

	return &MatchOutcome{
		ChallengeID:    challengeID,
		Generation:     generation,
		Winner:         *winEntry,
		Loser:          *lossEntry,
		ProtectionUsed: protectionUsed,
	}, nil
}

// ReverseMatchOutcome writes compensating MATCH_REVERSAL entries for the
// outcome pair booked under generation. History is never edited. Counters,
// streaks and protection charges the pair moved are put back as far as the
// squads still allow it.
//
//nolint:cyclop,funlen
func (s *LedgerService) ReverseMatchOutcome(tx *bolt.Tx, challengeID string, generation int) (*Reversal, error) {
	outcomes, err := common.Bucket(tx, common.LedgerOutcomesBucket)
	if err != nil {
		return nil, err
	}

	result := &Reversal{Entries: make([]Transaction, 0, 2)}

	for _, reason := range []Reason{ReasonMatchWin, ReasonMatchLoss} {
		originalID := outcomes.Get(outcomeKey(challengeID, generation, reason, ""))
		if originalID == nil {
			return nil, apperrors.Newf(apperrors.CodeInvalidTransition,
				"challenge %s has no %s booked for generation %d", challengeID, reason, generation)
		}

		reversalKey := outcomeKey(challengeID, generation, ReasonMatchReversal, string(reason))

		err = claimUnique(tx, reversalKey)
		if err != nil {
			return nil, err
		}

		original, err := loadTransaction(tx, string(originalID))
		if err != nil {
			return nil, err
		}

		squad, err := LoadSquad(tx, original.SquadID)
		if err != nil {
			return nil, err
		}

		if !undoEffects(squad, original) {
			result.SpentCharges = append(result.SpentCharges, squad.ID)
		}

		delta := -original.Delta
		if delta < 0 {
			delta = -division.Clip(squad.Balance, -delta)
		}

		entry, err := s.book(tx, squad, booking{
			delta:       delta,
			reason:      ReasonMatchReversal,
			challengeID: challengeID,
			generation:  generation,
			note:        "reverses " + original.ID,
		})
		if err != nil {
			return nil, err
		}

		err = linkUnique(tx, reversalKey, entry.ID)
		if err != nil {
			return nil, err
		}

		result.Entries = append(result.Entries, *entry)
	}

	return result, nil
}

// undoEffects rolls back the counters and protection changes original made
// to squad. The streak is only restored if nothing moved it since. It
// reports false when a charge original granted was already consumed.
func undoEffects(squad *Squad, original *Transaction) bool {
	if original.Counted {
		if original.Reason == ReasonMatchWin {
			squad.Wins = max(squad.Wins-1, 0)
		} else {
			squad.Losses = max(squad.Losses-1, 0)
		}

		if squad.ConsecutiveLosses == original.StreakAfter {
			squad.ConsecutiveLosses = original.StreakBefore
		}
	}

	recovered := true

	if original.ProtectionGranted {
		switch {
		case squad.ProtectionCharges > 0:
			squad.ProtectionCharges--
		case squad.ProtectionArmed:
			squad.ProtectionArmed = false
		default:
			recovered = false
		}
	}

	if original.ProtectionUsed {
		if squad.ProtectionArmed {
			squad.ProtectionCharges++
		} else {
			squad.ProtectionArmed = true
		}
	}

	return recovered
}

// ApplyCancelPenalty deducts the fixed cancellation penalty, clipped at zero.
func (s *LedgerService) ApplyCancelPenalty(tx *bolt.Tx, challengeID, squadID string) (*Transaction, error) {
	key := outcomeKey(challengeID, 0, ReasonCancelPenalty, "")

	err := claimUnique(tx, key)
	if err != nil {
		return nil, err
	}

	squad, err := LoadSquad(tx, squadID)
	if err != nil {
		return nil, err
	}

	entry, err := s.book(tx, squad, booking{
		delta:       -division.Clip(squad.Balance, s.Policy.CancelPenalty),
		reason:      ReasonCancelPenalty,
		challengeID: challengeID,
	})
	if err != nil {
		return nil, err
	}

	err = linkUnique(tx, key, entry.ID)
	if err != nil {
		return nil, err
	}

	return entry, nil
}
