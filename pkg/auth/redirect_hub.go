package auth

import (
	"context"
	"sync"
)

// RedirectHub hands redirect URLs that arrive as deep links to a native
// sign-in waiting on the matching OAuth state. The browser session may
// report "dismiss" before the OS delivers the redirect, so the waiter listens
// on both.
type RedirectHub struct {
	mu      sync.Mutex
	waiters map[string]chan string
}

func NewRedirectHub() *RedirectHub {
	return &RedirectHub{waiters: make(map[string]chan string)}
}

// Expect registers a waiter for state. Call the returned cancel when done.
func (h *RedirectHub) Expect(state string) (<-chan string, func()) {
	ch := make(chan string, 1)

	h.mu.Lock()
	h.waiters[state] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if h.waiters[state] == ch {
			delete(h.waiters, state)
		}
		h.mu.Unlock()
	}
}

// Deliver routes rawURL to the waiter whose state it carries and reports
// whether one consumed it.
func (h *RedirectHub) Deliver(_ context.Context, rawURL string) bool {
	params, err := redirectParams(rawURL)
	if err != nil {
		return false
	}
	state := params.Get("state")
	if state == "" {
		return false
	}

	h.mu.Lock()
	ch, ok := h.waiters[state]
	if ok {
		delete(h.waiters, state)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	ch <- rawURL
	return true
}

// Pending returns the number of registered waiters.
func (h *RedirectHub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters)
}
