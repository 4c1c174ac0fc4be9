// ABOUTME: Tests for the synchronous event hub
// ABOUTME: Covers snapshot delivery, failure isolation, ordering, and unsubscribe

package events

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DeliversToAllSubscribers(t *testing.T) {
	hub := NewHub("agent-a", nil)

	var got1, got2 []Event
	hub.Subscribe(func(ev Event) error { got1 = append(got1, ev); return nil })
	hub.Subscribe(func(ev Event) error { got2 = append(got2, ev); return nil })

	hub.Publish(TypeTurnStarted, map[string]string{"turn_id": "t1"})

	require.Len(t, got1, 1)
	require.Len(t, got2, 1)
	assert.Equal(t, TypeTurnStarted, got1[0].Type)
	assert.Equal(t, "agent-a", got1[0].Source)
	assert.False(t, got1[0].Timestamp.IsZero())
}

func TestHub_NoReplayForLateSubscribers(t *testing.T) {
	hub := NewHub("transcript", nil)
	hub.Publish(TypeTranscriptFinal, "before")

	var got []Event
	hub.Subscribe(func(ev Event) error { got = append(got, ev); return nil })
	hub.Publish(TypeTranscriptFinal, "after")

	require.Len(t, got, 1)
	assert.Equal(t, "after", got[0].Payload)
}

func TestHub_FailingHandlerDoesNotBlockOthers(t *testing.T) {
	hub := NewHub("status", nil)

	var delivered []string
	hub.Subscribe(func(Event) error { delivered = append(delivered, "first"); return nil })
	hub.Subscribe(func(Event) error { return errors.New("boom") })
	hub.Subscribe(func(Event) error { panic("handler exploded") })
	hub.Subscribe(func(Event) error { delivered = append(delivered, "last"); return nil })

	assert.NotPanics(t, func() { hub.Publish(TypeLegJoined, nil) })
	assert.Equal(t, []string{"first", "last"}, delivered)
}

func TestHub_SubscriberAddedDuringDeliveryMissesCurrentEvent(t *testing.T) {
	hub := NewHub("agent-a", nil)

	var lateGot []Event
	var once sync.Once
	hub.Subscribe(func(Event) error {
		once.Do(func() {
			hub.Subscribe(func(ev Event) error { lateGot = append(lateGot, ev); return nil })
		})
		return nil
	})

	hub.Publish(TypeMessage, "one")
	assert.Empty(t, lateGot, "subscriber added mid-delivery must not see that event")

	hub.Publish(TypeMessage, "two")
	require.Len(t, lateGot, 1)
	assert.Equal(t, "two", lateGot[0].Payload)
}

func TestHub_UnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	hub := NewHub("agent-b", nil)

	count := 0
	unsub := hub.Subscribe(func(Event) error { count++; return nil })
	hub.Publish(TypeMessage, nil)

	unsub()
	unsub()
	hub.Publish(TypeMessage, nil)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestHub_PreservesPerProducerOrder(t *testing.T) {
	hub := NewHub("agent-a", nil)

	var mu sync.Mutex
	var got []string
	hub.Subscribe(func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Payload.(string))
		return nil
	})

	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				hub.Publish(TypeMessage, fmt.Sprintf("p%d-%03d", p, i))
			}
		}()
	}
	wg.Wait()

	require.Len(t, got, 200)
	last := map[byte]string{}
	for _, s := range got {
		producer := s[1]
		if prev, ok := last[producer]; ok {
			assert.Less(t, prev, s, "events from one producer arrived out of order")
		}
		last[producer] = s
	}
}
