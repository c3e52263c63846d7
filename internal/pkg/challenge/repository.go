// Package challenge stores challenges and keeps their secondary indices
// (per squad and status, active ordered pair, expiry deadline) in step with
// every write.
package challenge

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/common"
	"github.com/samber/do/v2"
	bolt "go.etcd.io/bbolt"
)

const openOpponent = "*"

type Repository struct {
	DatabaseService *common.DatabaseService
}

func NewRepository(i do.Injector) (*Repository, error) {
	return &Repository{
		DatabaseService: do.MustInvoke[*common.DatabaseService](i),
	}, nil
}

func pairKey(challengerID, opponentID string) []byte {
	if opponentID == "" {
		opponentID = openOpponent
	}

	return common.CompositeKey([]byte(challengerID), []byte(opponentID))
}

func squadStatusKey(squadID string, status Status, id string) []byte {
	return common.CompositeKey([]byte(squadID), []byte(status), []byte(id))
}

func deadlineKey(deadline time.Time, id string) []byte {
	return common.CompositeKey(common.TimeToBytes(deadline), []byte(id))
}

func expirable(s Status) bool {
	return s == StatusPending || s == StatusAccepted
}

// Load reads a challenge inside the caller's transaction.
func (r *Repository) Load(tx *bolt.Tx, id string) (*Challenge, error) {
	challenges, err := common.Bucket(tx, common.ChallengesBucket)
	if err != nil {
		return nil, err
	}

	c, ok, err := common.GetJSON[Challenge](challenges, id)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "challenge %s not found", id)
	}

	return c, nil
}

// Insert stores a new challenge at version 1.
func (r *Repository) Insert(tx *bolt.Tx, c *Challenge) error {
	challenges, err := common.Bucket(tx, common.ChallengesBucket)
	if err != nil {
		return err
	}

	if challenges.Get([]byte(c.ID)) != nil {
		return apperrors.Newf(apperrors.CodeInvalidArgument, "challenge %s already exists", c.ID)
	}

	c.Version = 1

	err = r.index(tx, c)
	if err != nil {
		return err
	}

	return common.PutJSON(challenges, c.ID, c)
}

// Save persists c if nobody wrote the challenge since it was loaded, then
// bumps its version. Indices are rebuilt from the stored copy.
func (r *Repository) Save(tx *bolt.Tx, c *Challenge) error {
	stored, err := r.Load(tx, c.ID)
	if err != nil {
		return err
	}

	if stored.Version != c.Version {
		return apperrors.Newf(apperrors.CodeContended,
			"challenge %s changed concurrently (version %d, expected %d)", c.ID, stored.Version, c.Version)
	}

	err = r.unindex(tx, stored)
	if err != nil {
		return err
	}

	c.Version++

	err = r.index(tx, c)
	if err != nil {
		return err
	}

	challenges, err := common.Bucket(tx, common.ChallengesBucket)
	if err != nil {
		return err
	}

	return common.PutJSON(challenges, c.ID, c)
}

func (r *Repository) index(tx *bolt.Tx, c *Challenge) error {
	bySquad, err := common.Bucket(tx, common.ChallengesBySquadBucket)
	if err != nil {
		return err
	}

	for _, squadID := range c.Participants() {
		err = bySquad.Put(squadStatusKey(squadID, c.Status, c.ID), []byte{1})
		if err != nil {
			return fmt.Errorf("failed to index challenge by squad: %w", err)
		}
	}

	if c.Status.Active() {
		pairs, err := common.Bucket(tx, common.ChallengesActivePairBucket)
		if err != nil {
			return err
		}

		key := pairKey(c.ChallengerID, c.OpponentID)

		existing := pairs.Get(key)
		if existing != nil && string(existing) != c.ID {
			return apperrors.ErrDuplicateChallenge
		}

		err = pairs.Put(key, []byte(c.ID))
		if err != nil {
			return fmt.Errorf("failed to index active pair: %w", err)
		}
	}

	if expirable(c.Status) {
		deadlines, err := common.Bucket(tx, common.ChallengesDeadlinesBucket)
		if err != nil {
			return err
		}

		err = deadlines.Put(deadlineKey(c.Deadline, c.ID), []byte(c.ID))
		if err != nil {
			return fmt.Errorf("failed to index deadline: %w", err)
		}
	}

	return nil
}

func (r *Repository) unindex(tx *bolt.Tx, c *Challenge) error {
	bySquad, err := common.Bucket(tx, common.ChallengesBySquadBucket)
	if err != nil {
		return err
	}

	for _, squadID := range c.Participants() {
		err = bySquad.Delete(squadStatusKey(squadID, c.Status, c.ID))
		if err != nil {
			return fmt.Errorf("failed to unindex challenge by squad: %w", err)
		}
	}

	pairs, err := common.Bucket(tx, common.ChallengesActivePairBucket)
	if err != nil {
		return err
	}

	key := pairKey(c.ChallengerID, c.OpponentID)
	if string(pairs.Get(key)) == c.ID {
		err = pairs.Delete(key)
		if err != nil {
			return fmt.Errorf("failed to unindex active pair: %w", err)
		}
	}

	deadlines, err := common.Bucket(tx, common.ChallengesDeadlinesBucket)
	if err != nil {
		return err
	}

	err = deadlines.Delete(deadlineKey(c.Deadline, c.ID))
	if err != nil {
		return fmt.Errorf("failed to unindex deadline: %w", err)
	}

	return nil
}

// ActiveBetween returns the id of the non-terminal challenge issued by
// challengerID against opponentID ("" for an open challenge).
func (r *Repository) ActiveBetween(tx *bolt.Tx, challengerID, opponentID string) (string, bool, error) {
	pairs, err := common.Bucket(tx, common.ChallengesActivePairBucket)
	if err != nil {
		return "", false, err
	}

	id := pairs.Get(pairKey(challengerID, opponentID))
	if id == nil {
		return "", false, nil
	}

	return string(id), true, nil
}

// IDsForSquad lists challenge ids involving squadID, optionally restricted
// to some statuses.
func (r *Repository) IDsForSquad(tx *bolt.Tx, squadID string, statuses ...Status) ([]string, error) {
	bySquad, err := common.Bucket(tx, common.ChallengesBySquadBucket)
	if err != nil {
		return nil, err
	}

	if len(statuses) == 0 {
		statuses = AllStatuses
	}

	var ids []string

	c := bySquad.Cursor()

	for _, status := range statuses {
		prefix := common.CompositeKey([]byte(squadID), []byte(status), nil)

		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
	}

	return ids, nil
}

func (r *Repository) HasActive(tx *bolt.Tx, squadID string) (bool, error) {
	ids, err := r.IDsForSquad(tx, squadID, StatusPending, StatusAccepted, StatusPlaying, StatusResultSubmitted)
	if err != nil {
		return false, err
	}

	return len(ids) > 0, nil
}

// Due lists challenges still PENDING or ACCEPTED whose deadline is at or
// before now, oldest deadline first.
func (r *Repository) Due(tx *bolt.Tx, now time.Time, limit int) ([]string, error) {
	deadlines, err := common.Bucket(tx, common.ChallengesDeadlinesBucket)
	if err != nil {
		return nil, err
	}

	var ids []string

	upper := common.TimeToBytes(now)

	c := deadlines.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if bytes.Compare(k[:8], upper) > 0 {
			break
		}

		ids = append(ids, string(v))

		if limit > 0 && len(ids) >= limit {
			break
		}
	}

	return ids, nil
}

// ClaimIdempotencyKey records key against challengeID. When the key was
// claimed before it returns the challenge id stored with it and true.
func (r *Repository) ClaimIdempotencyKey(tx *bolt.Tx, key []byte, challengeID string) (string, bool, error) {
	keys, err := common.Bucket(tx, common.ChallengesIdempotencyBucket)
	if err != nil {
		return "", false, err
	}

	if existing := keys.Get(key); existing != nil {
		return string(existing), true, nil
	}

	err = keys.Put(key, []byte(challengeID))
	if err != nil {
		return "", false, fmt.Errorf("failed to record idempotency key: %w", err)
	}

	return challengeID, false, nil
}

func (r *Repository) Get(_ context.Context, id string) (*Challenge, error) {
	var c *Challenge

	err := r.DatabaseService.DB.View(func(tx *bolt.Tx) error {
		var err error

		c, err = r.Load(tx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// ListForSquad returns the squad's challenges, newest first.
func (r *Repository) ListForSquad(_ context.Context, squadID string, statuses ...Status) ([]Challenge, error) {
	result := []Challenge{}

	err := r.DatabaseService.DB.View(func(tx *bolt.Tx) error {
		ids, err := r.IDsForSquad(tx, squadID, statuses...)
		if err != nil {
			return err
		}

		for _, id := range ids {
			c, err := r.Load(tx, id)
			if err != nil {
				return err
			}

			result = append(result, *c)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(result, func(a, b Challenge) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	return result, nil
}
