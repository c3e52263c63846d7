// Package notify carries engine events to the notification gateway. Events
// are written to an outbox in the same transaction as the state change that
// caused them and delivered afterwards, at least once.
package notify

import (
	"fmt"

	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/common"
	"github.com/samber/do/v2"
	bolt "go.etcd.io/bbolt"
)

type Outbox struct {
	nudge chan struct{}
}

func NewOutbox(_ do.Injector) (*Outbox, error) {
	return &Outbox{
		nudge: make(chan struct{}, 1),
	}, nil
}

// Append queues events inside the caller's transaction. They only become
// visible to the dispatcher if that transaction commits.
func (o *Outbox) Append(tx *bolt.Tx, events ...Event) error {
	outbox, err := common.Bucket(tx, common.EventsOutboxBucket)
	if err != nil {
		return err
	}

	for _, event := range events {
		seq, err := outbox.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate outbox sequence: %w", err)
		}

		err = common.PutJSON(outbox, string(common.Uint64ToBytes(seq)), event)
		if err != nil {
			return err
		}
	}

	return nil
}

// Notify wakes the dispatcher after a commit. It never blocks.
func (o *Outbox) Notify() {
	if o == nil {
		return
	}

	select {
	case o.nudge <- struct{}{}:
	default:
	}
}

func (o *Outbox) Nudges() <-chan struct{} {
	return o.nudge
}

type pending struct {
	key   []byte
	event Event
}

func peek(tx *bolt.Tx, limit int) ([]pending, error) {
	outbox, err := common.Bucket(tx, common.EventsOutboxBucket)
	if err != nil {
		return nil, err
	}

	var result []pending

	c := outbox.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		event, _, err := common.GetJSON[Event](outbox, string(k))
		if err != nil {
			return nil, err
		}

		result = append(result, pending{key: append([]byte(nil), k...), event: *event})

		if limit > 0 && len(result) >= limit {
			break
		}
	}

	return result, nil
}

// Pending returns queued events, oldest first. Mostly useful for tests.
func Pending(db *common.DatabaseService) ([]Event, error) {
	var events []Event

	err := db.DB.View(func(tx *bolt.Tx) error {
		queued, err := peek(tx, 0)
		if err != nil {
			return err
		}

		for _, p := range queued {
			events = append(events, p.event)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}

	return events, nil
}
