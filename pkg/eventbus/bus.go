// Package eventbus is a small synchronous publish/subscribe bus. Each session owns its own Bus.
package eventbus

import (
	"fmt"
	"sync"
	"time"
)

type Kind string

const (
	KindStatus  Kind = "status"
	KindQR      Kind = "qr"
	KindLog     Kind = "log"
	KindMessage Kind = "message"
)

// Kinds lists every kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindStatus, KindQR, KindLog, KindMessage}
}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

type Event struct {
	Kind   Kind        `json:"kind"`
	Tenant string      `json:"tenant_id"`
	Time   time.Time   `json:"time"`
	Data   interface{} `json:"data"`
}

type Handler func(Event)

type subscriber struct {
	id      uint64
	kinds   map[Kind]struct{}
	handler Handler
}

func (s *subscriber) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    []*subscriber
	onPanic func(Event, interface{})
}

func New() *Bus {
	return &Bus{}
}

// OnPanic installs a hook that observes recovered subscriber panics.
func (b *Bus) OnPanic(fn func(Event, interface{})) {
	b.mu.Lock()
	b.onPanic = fn
	b.mu.Unlock()
}

// Subscribe registers handler for the given kinds, or for every kind when none are given.
// The returned function removes the subscription and is safe to call more than once.
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) func() {
	sub := &subscriber{handler: handler}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			subs := make([]*subscriber, 0, len(b.subs)-1)
			subs = append(subs, b.subs[:i]...)
			b.subs = append(subs, b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers evt to matching subscribers in subscription order on the caller's goroutine.
// A panicking subscriber is recovered and does not stop delivery to the rest.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	subs := b.subs
	onPanic := b.onPanic
	b.mu.RUnlock()

	for _, s := range subs {
		if s.wants(evt.Kind) {
			deliver(s.handler, evt, onPanic)
		}
	}
}

func deliver(h Handler, evt Event, onPanic func(Event, interface{})) {
	defer func() {
		if rec := recover(); rec != nil && onPanic != nil {
			onPanic(evt, rec)
		}
	}()
	h(evt)
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
