// Package ledger is the only writer of squad balances. Every balance change
// is booked as an append-only transaction, and divisions are recomputed on
// every booking.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/common"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/division"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/keylock"
	"github.com/samber/do/v2"
	bolt "go.etcd.io/bbolt"
)

const maxTagLength = 8

// InvariantViolation identifies the squad whose books no longer add up.
type InvariantViolation struct {
	SquadID string
	Detail  string
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("squad %s: %s", v.SquadID, v.Detail)
}

func violation(squadID, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)

	return apperrors.Wrap(apperrors.CodeBalanceInvariantViolation,
		"balance invariant violated, economic changes for this squad are halted",
		&InvariantViolation{SquadID: squadID, Detail: detail})
}

type LedgerService struct {
	DatabaseService *common.DatabaseService

	Policy division.Policy
	Locks  *keylock.Set
	Logger *slog.Logger

	Now func() time.Time
}

func NewLedgerService(i do.Injector) (*LedgerService, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	policy := do.MustInvokeNamed[division.Policy](i, "division-policy")
	lockWait := do.MustInvokeNamed[time.Duration](i, "lock-wait")
	logger := do.MustInvoke[*slog.Logger](i)

	err := policy.Validate()
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger service: %w", err)
	}

	result := &LedgerService{
		DatabaseService: databaseService,

		Policy: policy,
		Locks:  keylock.New(lockWait),
		Logger: logger.With("component", "ledger"),
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(result.routes)

	return result, nil
}

func (s *LedgerService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}

	return time.Now().UTC()
}

func (s *LedgerService) logger() *slog.Logger {
	if s.Logger == nil {
		return common.DiscardLogger()
	}

	return s.Logger
}

func squadLockKey(squadID string) string {
	return "squad:" + squadID
}

// LockSquads serialises balance mutation per squad. Callers holding a
// challenge lock take squad locks second, never the other way round.
func (s *LedgerService) LockSquads(ctx context.Context, squadIDs ...string) (func(), error) {
	keys := make([]string, 0, len(squadIDs))
	for _, id := range squadIDs {
		if id != "" {
			keys = append(keys, squadLockKey(id))
		}
	}

	return s.Locks.Acquire(ctx, keys...)
}

// Atomically runs fn in one write transaction. When fn fails on a balance
// invariant, the offending squad is frozen in a follow-up transaction.
func (s *LedgerService) Atomically(fn func(tx *bolt.Tx) error) error {
	err := s.DatabaseService.DB.Update(fn)
	if err == nil {
		return nil
	}

	var v *InvariantViolation
	if errors.As(err, &v) {
		s.freeze(v)
	}

	return err
}

// Freeze halts economic changes for a squad until an admin unfreezes it.
func (s *LedgerService) Freeze(squadID, detail string) {
	s.freeze(&InvariantViolation{SquadID: squadID, Detail: detail})
}

func (s *LedgerService) freeze(v *InvariantViolation) {
	err := s.DatabaseService.DB.Update(func(tx *bolt.Tx) error {
		sq, err := LoadSquad(tx, v.SquadID)
		if err != nil {
			return err
		}

		if sq.Frozen {
			return nil
		}

		sq.Frozen = true
		sq.FrozenReason = v.Detail
		sq.UpdatedAt = s.now()

		return putSquad(tx, sq)
	})

	logger := s.logger()
	if err != nil {
		logger.Error("failed to freeze squad after invariant violation",
			"squad", v.SquadID,
			"detail", v.Detail,
			"error", err,
		)

		return
	}

	logger.Error("squad frozen after invariant violation",
		"squad", v.SquadID,
		"detail", v.Detail,
	)
}

// NormalizeTag turns a free-form tag into an upper-case slug.
func NormalizeTag(tag string) string {
	normalized := strings.ToUpper(strings.ReplaceAll(slug.Make(tag), "-", ""))
	if len(normalized) > maxTagLength {
		normalized = normalized[:maxTagLength]
	}

	return normalized
}

func (s *LedgerService) RegisterSquad(ctx context.Context, req RegisterRequest) (*Squad, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "squad name is required")
	}

	if req.LeaderID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "squad leader is required")
	}

	tag := NormalizeTag(req.Tag)
	if tag == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "squad tag is required")
	}

	now := s.now()
	squad := &Squad{
		ID:        uuid.NewString(),
		Name:      name,
		Tag:       tag,
		LeaderID:  req.LeaderID,
		Division:  s.Policy.TierFor(0),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.DatabaseService.DB.Update(func(tx *bolt.Tx) error {
		tags, err := common.Bucket(tx, common.LedgerSquadTagsBucket)
		if err != nil {
			return err
		}

		if tags.Get([]byte(tag)) != nil {
			return apperrors.Newf(apperrors.CodeInvalidArgument, "squad tag %s is already taken", tag)
		}

		err = tags.Put([]byte(tag), []byte(squad.ID))
		if err != nil {
			return fmt.Errorf("failed to reserve tag: %w", err)
		}

		return putSquad(tx, squad)
	})
	if err != nil {
		return nil, err
	}

	s.logger().InfoContext(ctx, "squad registered", "squad", squad.ID, "tag", squad.Tag)

	return squad, nil
}

func (s *LedgerService) GetSquad(_ context.Context, squadID string) (*Squad, error) {
	var squad *Squad

	err := s.DatabaseService.DB.View(func(tx *bolt.Tx) error {
		var err error

		squad, err = LoadSquad(tx, squadID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return squad, nil
}

// AuthorizeLeader fails with NOT_AUTHORIZED unless userID leads the squad.
func (s *LedgerService) AuthorizeLeader(ctx context.Context, squadID, userID string) error {
	squad, err := s.GetSquad(ctx, squadID)
	if err != nil {
		return err
	}

	if userID == "" || squad.LeaderID != userID {
		return apperrors.New(apperrors.CodeNotAuthorized, "only the squad leader can do this")
	}

	return nil
}

// Deactivate soft-deactivates a squad. Squads are never deleted. Guards run
// in the same transaction and can veto the deactivation.
func (s *LedgerService) Deactivate(ctx context.Context, squadID string, guards ...func(tx *bolt.Tx) error) (*Squad, error) {
	release, err := s.LockSquads(ctx, squadID)
	if err != nil {
		return nil, err
	}
	defer release()

	var squad *Squad

	err = s.DatabaseService.DB.Update(func(tx *bolt.Tx) error {
		squad, err = LoadSquad(tx, squadID)
		if err != nil {
			return err
		}

		for _, guard := range guards {
			err = guard(tx)
			if err != nil {
				return err
			}
		}

		squad.Active = false
		squad.UpdatedAt = s.now()

		return putSquad(tx, squad)
	})
	if err != nil {
		return nil, err
	}

	return squad, nil
}

func (s *LedgerService) AdminAdjust(ctx context.Context, squadID string, delta int64, adminID, note string) (*Transaction, error) {
	if delta == 0 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "adjustment must not be zero")
	}

	release, err := s.LockSquads(ctx, squadID)
	if err != nil {
		return nil, err
	}
	defer release()

	var entry *Transaction

	err = s.Atomically(func(tx *bolt.Tx) error {
		squad, err := LoadSquad(tx, squadID)
		if err != nil {
			return err
		}

		if squad.Balance+delta < 0 {
			return apperrors.Newf(apperrors.CodeInvalidArgument,
				"adjustment of %d would make the balance negative (balance %d)", delta, squad.Balance)
		}

		entry, err = s.book(tx, squad, booking{
			delta:  delta,
			reason: ReasonAdminAdjustment,
			note:   strings.TrimSpace(fmt.Sprintf("%s %s", adminID, note)),
		})

		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger().InfoContext(ctx, "admin adjustment booked",
		"squad", squadID,
		"delta", delta,
		"admin", adminID,
	)

	return entry, nil
}

// Purchase books coins bought through the external payment approval flow.
// approvalRef makes the booking idempotent.
func (s *LedgerService) Purchase(ctx context.Context, squadID string, coins int64, approvalRef string) (*PurchaseReceipt, error) {
	if coins <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "coins must be positive")
	}

	approvalRef = strings.TrimSpace(approvalRef)
	if approvalRef == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "approval reference is required")
	}

	release, err := s.LockSquads(ctx, squadID)
	if err != nil {
		return nil, err
	}
	defer release()

	var receipt *PurchaseReceipt

	err = s.Atomically(func(tx *bolt.Tx) error {
		squad, err := LoadSquad(tx, squadID)
		if err != nil {
			return err
		}

		key := common.CompositeKey([]byte("purchase"), []byte(approvalRef))

		err = claimUnique(tx, key)
		if err != nil {
			return err
		}

		price := s.Policy.Quote(squad.Division, coins)

		entry, err := s.book(tx, squad, booking{
			delta:  coins,
			reason: ReasonPurchase,
			note:   approvalRef,
		})
		if err != nil {
			return err
		}

		err = linkUnique(tx, key, entry.ID)
		if err != nil {
			return err
		}

		receipt = &PurchaseReceipt{Transaction: *entry, Price: price}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return receipt, nil
}

// SpendProtection arms one protection charge; the next booked loss deducts
// nothing.
func (s *LedgerService) SpendProtection(ctx context.Context, squadID string) (*Squad, error) {
	release, err := s.LockSquads(ctx, squadID)
	if err != nil {
		return nil, err
	}
	defer release()

	var squad *Squad

	err = s.Atomically(func(tx *bolt.Tx) error {
		squad, err = LoadSquad(tx, squadID)
		if err != nil {
			return err
		}

		if squad.Frozen {
			return apperrors.New(apperrors.CodeBalanceInvariantViolation, "squad economy is frozen")
		}

		if squad.ProtectionArmed {
			return apperrors.New(apperrors.CodeInvalidTransition, "a protection charge is already armed")
		}

		if squad.ProtectionCharges <= 0 {
			return apperrors.ErrNoProtectionCharge
		}

		squad.ProtectionCharges--
		squad.ProtectionArmed = true
		squad.UpdatedAt = s.now()

		return putSquad(tx, squad)
	})
	if err != nil {
		return nil, err
	}

	return squad, nil
}

func (s *LedgerService) Unfreeze(ctx context.Context, squadID, adminID string) (*Squad, error) {
	release, err := s.LockSquads(ctx, squadID)
	if err != nil {
		return nil, err
	}
	defer release()

	var squad *Squad

	err = s.DatabaseService.DB.Update(func(tx *bolt.Tx) error {
		squad, err = LoadSquad(tx, squadID)
		if err != nil {
			return err
		}

		squad.Frozen = false
		squad.FrozenReason = ""
		squad.UpdatedAt = s.now()

		return putSquad(tx, squad)
	})
	if err != nil {
		return nil, err
	}

	s.logger().WarnContext(ctx, "squad unfrozen", "squad", squadID, "admin", adminID)

	return squad, nil
}

// LoadSquad reads a squad inside the caller's transaction.
func LoadSquad(tx *bolt.Tx, squadID string) (*Squad, error) {
	squads, err := common.Bucket(tx, common.LedgerSquadsBucket)
	if err != nil {
		return nil, err
	}

	squad, ok, err := common.GetJSON[Squad](squads, squadID)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "squad %s not found", squadID)
	}

	return squad, nil
}

func putSquad(tx *bolt.Tx, squad *Squad) error {
	squads, err := common.Bucket(tx, common.LedgerSquadsBucket)
	if err != nil {
		return err
	}

	return common.PutJSON(squads, squad.ID, squad)
}
