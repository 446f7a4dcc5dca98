package api

import (
	"context"
	"sync"
)

type refreshResult struct {
	token string
	err   error
}

// refreshGate ensures at most one token refresh is in flight per client.
// Callers that arrive while a refresh is running are queued in FIFO order
// and drained together with the same outcome when the refresh settles.
type refreshGate struct {
	mu       sync.Mutex
	inFlight bool
	waiters  []chan refreshResult
}

// do runs fn unless a refresh is already in flight, in which case the
// caller waits for the in-flight outcome. leader reports whether this
// caller executed fn; failure side effects must run on the leader only so
// they happen exactly once per drained queue.
func (g *refreshGate) do(ctx context.Context, fn func() (string, error)) (token string, leader bool, err error) {
	g.mu.Lock()
	if g.inFlight {
		ch := make(chan refreshResult, 1)
		g.waiters = append(g.waiters, ch)
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case res := <-ch:
			return res.token, false, res.err
		}
	}
	g.inFlight = true
	g.mu.Unlock()

	token, err = fn()

	g.mu.Lock()
	waiters := g.waiters
	g.waiters = nil
	g.inFlight = false
	g.mu.Unlock()

	// Drain in submission order.
	for _, ch := range waiters {
		ch <- refreshResult{token: token, err: err}
	}

	return token, true, err
}
