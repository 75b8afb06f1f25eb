package streaming

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func channels(subs []Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Channel)
	}
	return out
}

func TestRegistryPendingAndConnected(t *testing.T) {
	r := NewRegistry()
	r.Add("/topic/A", func(*Message) {})
	r.Add("/topic/B", func(*Message) {})

	assert.Equal(t, []string{"/topic/A", "/topic/B"}, channels(r.Pending()))

	r.MarkConnected("/topic/A")
	assert.Equal(t, []string{"/topic/B"}, channels(r.Pending()))

	r.MarkAllPending()
	assert.Equal(t, []string{"/topic/A", "/topic/B"}, channels(r.Pending()))
}

func TestRegistryReAddMakesPending(t *testing.T) {
	r := NewRegistry()
	r.Add("/topic/A", nil)
	r.MarkConnected("/topic/A")

	called := false
	r.Add("/topic/A", func(*Message) { called = true })

	assert.Equal(t, 1, r.Len())
	sub, ok := r.Get("/topic/A")
	assert.True(t, ok)
	assert.False(t, sub.Connected)
	sub.Handler(&Message{})
	assert.True(t, called)
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Add("/topic/A", nil)

	r.Remove("/topic/A")
	r.Remove("/topic/A")
	r.Remove("/topic/missing")

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Pending())
}

func TestRegistrySnapshotsAreCopies(t *testing.T) {
	r := NewRegistry()
	r.Add("/topic/A", nil)

	subs := r.Subscriptions()
	subs[0].Connected = true

	assert.Len(t, r.Pending(), 1)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			ch := fmt.Sprintf("/topic/%d", i)
			r.Add(ch, nil)
			r.MarkConnected(ch)
		}(i)
		go func() {
			defer wg.Done()
			r.Pending()
			r.MarkAllPending()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
}
