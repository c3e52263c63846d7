package match

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
	bolt "go.etcd.io/bbolt"
)

const expireBatch = 500

// ExpireDue cancels every challenge whose deadline passed before anyone
// started it. Challenges a user command got to first are skipped.
func (s *MatchService) ExpireDue(ctx context.Context) (int, error) {
	var ids []string

	err := s.DatabaseService.DB.View(func(tx *bolt.Tx) error {
		var err error

		ids, err = s.Challenges.Due(tx, s.now(), expireBatch)

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list due challenges: %w", err)
	}

	expired := 0

	var errs []error

	for _, id := range ids {
		_, err := s.Expire(ctx, id)

		switch {
		case err == nil:
			expired++
		case errors.Is(err, apperrors.ErrInvalidTransition), errors.Is(err, apperrors.ErrContended):
			s.logger().DebugContext(ctx, "challenge not expired", "challenge", id, "error", err)
		default:
			errs = append(errs, err)
		}
	}

	return expired, errors.Join(errs...)
}

func (s *MatchService) sweep() {
	ctx := context.Background()

	n, err := s.ExpireDue(ctx)
	if err != nil {
		s.logger().ErrorContext(ctx, "expiry sweep failed", "expired", n, "error", err)

		return
	}

	if n > 0 {
		s.logger().InfoContext(ctx, "challenges expired", "count", n)
	}
}

func (s *MatchService) reconcile() {
	ctx := context.Background()

	err := s.Ledger.ReconcileAll(ctx)
	if err != nil {
		s.logger().ErrorContext(ctx, "ledger reconciliation failed", "error", err)
	}
}

// Start schedules the expiry sweep and, when configured, periodic ledger
// reconciliation.
func (s *MatchService) Start() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.ExpireInterval),
		gocron.NewTask(s.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}

	if s.ReconcileInterval > 0 {
		_, err = scheduler.NewJob(
			gocron.DurationJob(s.ReconcileInterval),
			gocron.NewTask(s.reconcile),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule reconciliation: %w", err)
		}
	}

	scheduler.Start()

	s.scheduler = scheduler

	return nil
}

func (s *MatchService) Shutdown() error {
	if s.scheduler == nil {
		return nil
	}

	err := s.scheduler.Shutdown()
	if err != nil {
		return fmt.Errorf("failed to stop match scheduler: %w", err)
	}

	return nil
}
