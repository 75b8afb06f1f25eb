package streaming

import "sync"

type Subscription struct {
	Channel   string
	Handler   Handler
	Connected bool
}

// Registry is the set of subscriptions the application wants, independent of
// whether a transport is currently up.
type Registry struct {
	mu   sync.Mutex
	subs []*Subscription
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers channel as pending. Adding a channel twice replaces its handler.
func (r *Registry) Add(channel string, h Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.subs {
		if s.Channel == channel {
			s.Handler = h
			s.Connected = false
			return *s
		}
	}
	s := &Subscription{Channel: channel, Handler: h}
	r.subs = append(r.subs, s)
	return *s
}

func (r *Registry) Remove(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.subs {
		if s.Channel == channel {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

func (r *Registry) Get(channel string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.subs {
		if s.Channel == channel {
			return *s, true
		}
	}
	return Subscription{}, false
}

func (r *Registry) Pending() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]Subscription, 0)
	for _, s := range r.subs {
		if !s.Connected {
			pending = append(pending, *s)
		}
	}
	return pending
}

func (r *Registry) MarkConnected(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.subs {
		if s.Channel == channel {
			s.Connected = true
			return
		}
	}
}

func (r *Registry) MarkPending(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.subs {
		if s.Channel == channel {
			s.Connected = false
			return
		}
	}
}

// MarkAllPending is called when the transport handle goes away.
func (r *Registry) MarkAllPending() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.subs {
		s.Connected = false
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry) Subscriptions() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, *s)
	}
	return out
}
