package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sink struct {
	mu   sync.Mutex
	got  []Event
}

func (s *sink) handler() Handler {
	return func(evt Event) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.got = append(s.got, evt)
	}
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestBusDeliversToTypedSubscriber(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	alerts := &sink{}
	trades := &sink{}
	bus.Subscribe("Alert", alerts.handler())
	bus.Subscribe("TradeOpened", trades.handler())

	bus.Publish(Alert{Base: NewBase(), Level: LevelWarning, Message: "check margin"})

	require.Eventually(t, func() bool { return alerts.count() == 1 },
		time.Second, 5*time.Millisecond)
	require.Equal(t, 0, trades.count(), "typed subscription must not leak across types")
}

func TestBusWildcardSeesEverything(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	all := &sink{}
	bus.SubscribeAll(all.handler())

	bus.Publish(Alert{Base: NewBase(), Level: LevelInfo, Message: "one"})
	bus.Publish(TradeOpened{Base: NewBase(), TradeID: "t1", Symbol: "BTC"})

	require.Eventually(t, func() bool { return all.count() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestBusPreservesPublishOrder(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	all := &sink{}
	bus.SubscribeAll(all.handler())

	for i := 0; i < 20; i++ {
		bus.Publish(Alert{Base: NewBase(), Level: LevelInfo, Message: "n"})
	}
	require.Eventually(t, func() bool { return all.count() == 20 },
		time.Second, 5*time.Millisecond)

	all.mu.Lock()
	defer all.mu.Unlock()
	for i := 1; i < len(all.got); i++ {
		require.False(t, all.got[i].OccurredAt().Before(all.got[i-1].OccurredAt()))
	}
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	bus.Subscribe("Alert", func(Event) { panic("handler bug") })
	healthy := &sink{}
	bus.Subscribe("Alert", healthy.handler())

	bus.Publish(Alert{Base: NewBase(), Level: LevelError, Message: "boom"})
	bus.Publish(Alert{Base: NewBase(), Level: LevelError, Message: "boom"})

	require.Eventually(t, func() bool { return healthy.count() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestBusPublishAfterCloseIsNoOp(t *testing.T) {
	bus := NewBus(16)
	all := &sink{}
	bus.SubscribeAll(all.handler())

	bus.Publish(Alert{Base: NewBase(), Level: LevelInfo, Message: "before"})
	bus.Close()
	bus.Publish(Alert{Base: NewBase(), Level: LevelInfo, Message: "after"})

	// Close drained the queue, so the pre-close event already landed.
	require.Equal(t, 1, all.count())
	bus.Close() // idempotent
}

func TestBusPublishRacingCloseDoesNotPanic(t *testing.T) {
	bus := NewBus(4)
	all := &sink{}
	bus.SubscribeAll(all.handler())

	// Publishers hammering a small queue while Close runs concurrently: no
	// send may ever land on the closed channel.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				bus.Publish(Alert{Base: NewBase(), Level: LevelInfo, Message: "spam"})
			}
		}()
	}
	bus.Close()
	wg.Wait()
	bus.Publish(Alert{Base: NewBase(), Level: LevelInfo, Message: "late"})
}

func TestEventBaseIdentity(t *testing.T) {
	a, b := NewBase(), NewBase()
	require.NotEmpty(t, a.ID)
	require.NotEqual(t, a.ID, b.ID)
	require.False(t, a.Timestamp.IsZero())
}
