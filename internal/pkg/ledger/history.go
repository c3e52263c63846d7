package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/common"
	bolt "go.etcd.io/bbolt"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

func squadPrefix(squadID string) []byte {
	return append([]byte(squadID), common.KeySeparator)
}

// History returns a squad's transactions, newest first.
func (s *LedgerService) History(_ context.Context, squadID string, page Page) (*HistoryPage, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}

	limit = min(limit, MaxPageLimit)

	var after []byte

	if page.Cursor != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(page.Cursor)
		if err != nil {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, "malformed cursor")
		}

		after = decoded
	}

	prefix := squadPrefix(squadID)
	if after != nil && !bytes.HasPrefix(after, prefix) {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "cursor belongs to another squad")
	}

	result := &HistoryPage{Transactions: []Transaction{}}

	err := s.DatabaseService.DB.View(func(tx *bolt.Tx) error {
		_, err := LoadSquad(tx, squadID)
		if err != nil {
			return err
		}

		bySquad, err := common.Bucket(tx, common.LedgerBySquadBucket)
		if err != nil {
			return err
		}

		c := bySquad.Cursor()

		var k, v []byte

		if after == nil {
			end := append([]byte(squadID), common.KeySeparator+1)

			k, v = c.Seek(end)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			c.Seek(after)
			k, v = c.Prev()
		}

		var last []byte

		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			if len(result.Transactions) == limit {
				result.NextCursor = base64.RawURLEncoding.EncodeToString(last)

				break
			}

			entry, err := loadTransaction(tx, string(v))
			if err != nil {
				return err
			}

			result.Transactions = append(result.Transactions, *entry)
			last = bytes.Clone(k)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *LedgerService) sumTransactions(tx *bolt.Tx, squadID string) (int64, int, error) {
	bySquad, err := common.Bucket(tx, common.LedgerBySquadBucket)
	if err != nil {
		return 0, 0, err
	}

	prefix := squadPrefix(squadID)

	var (
		sum   int64
		count int
	)

	c := bySquad.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		entry, err := loadTransaction(tx, string(v))
		if err != nil {
			return 0, 0, err
		}

		sum += entry.Delta
		count++
	}

	return sum, count, nil
}

// Reconcile checks that the squad's balance equals the sum of its ledger
// and is never negative. A mismatch freezes the squad and is returned as a
// BALANCE_INVARIANT_VIOLATION; it is never corrected silently.
func (s *LedgerService) Reconcile(ctx context.Context, squadID string) error {
	release, err := s.LockSquads(ctx, squadID)
	if err != nil {
		return err
	}
	defer release()

	var detail string

	err = s.DatabaseService.DB.View(func(tx *bolt.Tx) error {
		squad, err := LoadSquad(tx, squadID)
		if err != nil {
			return err
		}

		sum, count, err := s.sumTransactions(tx, squadID)
		if err != nil {
			return err
		}

		switch {
		case squad.Balance < 0:
			detail = fmt.Sprintf("balance %d is negative", squad.Balance)
		case squad.Balance != sum:
			detail = fmt.Sprintf("balance %d does not match ledger sum %d over %d transactions",
				squad.Balance, sum, count)
		case squad.Balance != squad.TotalEarned-squad.TotalSpent:
			detail = fmt.Sprintf("balance %d does not match earned %d minus spent %d",
				squad.Balance, squad.TotalEarned, squad.TotalSpent)
		case squad.Division != s.Policy.TierFor(squad.Balance):
			detail = fmt.Sprintf("division %s does not match balance %d", squad.Division, squad.Balance)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if detail == "" {
		return nil
	}

	v := &InvariantViolation{SquadID: squadID, Detail: detail}
	s.freeze(v)

	return violation(squadID, "%s", detail)
}

// ReconcileAll reconciles every squad and joins the violations found.
func (s *LedgerService) ReconcileAll(ctx context.Context) error {
	var ids []string

	err := s.DatabaseService.DB.View(func(tx *bolt.Tx) error {
		squads, err := common.Bucket(tx, common.LedgerSquadsBucket)
		if err != nil {
			return err
		}

		return squads.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))

			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to list squads: %w", err)
	}

	var errs []error

	for _, id := range ids {
		err := s.Reconcile(ctx, id)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
