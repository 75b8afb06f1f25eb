package watcher

import (
	"context"
	"time"
)

type Event interface {
	Timestamp() time.Time
}

type event struct{ timestamp time.Time }

func (e event) Timestamp() time.Time { return e.timestamp }

type pollWakeupEvent struct {
	event
}

type chaseWakeupEvent struct {
	event
	EntityType string
}

const chaseBacklog = 64

type alarmClock struct {
	wakeupInterval time.Duration
	chaseC         chan chaseWakeupEvent
	C              chan Event
}

func NewAlarmClock(wakeupInterval time.Duration) *alarmClock {
	return &alarmClock{
		wakeupInterval: wakeupInterval,
		chaseC:         make(chan chaseWakeupEvent, chaseBacklog),
		C:              make(chan Event),
	}
}

// Start emits an immediate poll wakeup, then one per interval and one per
// chase, until ctx is done. C is closed on exit.
func (a *alarmClock) Start(ctx context.Context) <-chan Event {
	go func() {
		defer close(a.C)

		ticker := time.NewTicker(a.wakeupInterval)
		defer ticker.Stop()

		if !a.emit(ctx, pollWakeupEvent{event{time.Now().UTC()}}) {
			return
		}
		for {
			select {
			case t := <-ticker.C:
				if !a.emit(ctx, pollWakeupEvent{event{t.UTC()}}) {
					return
				}

			case chaseEvent := <-a.chaseC:
				if !a.emit(ctx, chaseEvent) {
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return a.C
}

func (a *alarmClock) emit(ctx context.Context, evt Event) bool {
	select {
	case a.C <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// Chase queues a chase wakeup. It reports false when the backlog is full.
func (a *alarmClock) Chase(entityType string) bool {
	select {
	case a.chaseC <- chaseWakeupEvent{event{time.Now().UTC()}, entityType}:
		return true
	default:
		return false
	}
}
