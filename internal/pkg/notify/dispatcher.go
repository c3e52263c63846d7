package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/common"
	"github.com/samber/do/v2"
	bolt "go.etcd.io/bbolt"
)

const DefaultBatchSize = 100

// DispatcherService drains the outbox into the gateway. Events leave the
// outbox only after the gateway accepted them.
type DispatcherService struct {
	DatabaseService *common.DatabaseService

	Outbox  *Outbox
	Gateway Gateway
	Logger  *slog.Logger

	Interval  time.Duration
	BatchSize int

	mu        sync.Mutex
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewDispatcherService(i do.Injector) (*DispatcherService, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	outbox := do.MustInvoke[*Outbox](i)
	gateway := do.MustInvoke[Gateway](i)
	logger := do.MustInvoke[*slog.Logger](i)
	interval := do.MustInvokeNamed[time.Duration](i, "outbox-interval")

	return &DispatcherService{
		DatabaseService: databaseService,

		Outbox:  outbox,
		Gateway: gateway,
		Logger:  logger.With("component", "dispatcher"),

		Interval:  interval,
		BatchSize: DefaultBatchSize,
	}, nil
}

// Flush delivers queued events in order and stops at the first failure, so
// a later event never overtakes an earlier one.
func (s *DispatcherService) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delivered := 0

	for {
		var batch []pending

		err := s.DatabaseService.DB.View(func(tx *bolt.Tx) error {
			var err error

			batch, err = peek(tx, s.BatchSize)

			return err
		})
		if err != nil {
			return delivered, fmt.Errorf("failed to read outbox: %w", err)
		}

		if len(batch) == 0 {
			return delivered, nil
		}

		for _, p := range batch {
			err = s.Gateway.Deliver(ctx, p.event)
			if err != nil {
				return delivered, fmt.Errorf("failed to deliver event %s: %w", p.event.ID, err)
			}

			err = s.DatabaseService.DB.Update(func(tx *bolt.Tx) error {
				outbox, err := common.Bucket(tx, common.EventsOutboxBucket)
				if err != nil {
					return err
				}

				return outbox.Delete(p.key)
			})
			if err != nil {
				return delivered, fmt.Errorf("failed to acknowledge event %s: %w", p.event.ID, err)
			}

			delivered++
		}
	}
}

func (s *DispatcherService) logger() *slog.Logger {
	if s.Logger == nil {
		return common.DiscardLogger()
	}

	return s.Logger
}

func (s *DispatcherService) flush(ctx context.Context) {
	n, err := s.Flush(ctx)
	if err != nil {
		s.logger().WarnContext(ctx, "event delivery stalled, will retry", "delivered", n, "error", err)

		return
	}

	if n > 0 {
		s.logger().DebugContext(ctx, "events delivered", "count", n)
	}
}

// Start runs delivery on every outbox nudge, plus a periodic retry.
func (s *DispatcherService) Start() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.Interval),
		gocron.NewTask(func() { s.flush(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()

		return fmt.Errorf("failed to schedule outbox redelivery: %w", err)
	}

	scheduler.Start()

	s.scheduler = scheduler
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.Outbox.Nudges():
				s.flush(ctx)
			}
		}
	}()

	return nil
}

func (s *DispatcherService) Shutdown() error {
	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done

	err := s.scheduler.Shutdown()
	if err != nil {
		return fmt.Errorf("failed to stop dispatcher scheduler: %w", err)
	}

	// One last attempt so a clean shutdown leaves nothing behind.
	s.flush(context.Background())

	return nil
}
