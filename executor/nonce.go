package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// NonceLease is one reserved nonce for a (chain, sender) account. The holder
// must call exactly one of Broadcasted or Release: Broadcasted once the
// transaction reached the mempool, Release when the broadcast itself failed.
// A nonce whose broadcast succeeded is never released, even if confirmation
// later times out or the transaction reverts, because the chain may still
// include it.
type NonceLease struct {
	Nonce uint64

	allocator *NonceAllocator
	key       string
	settled   bool
	mu        sync.Mutex
}

// AwaitTurn blocks until every earlier reserved nonce for the account has
// broadcast or been released. Broadcasts therefore leave the process in
// strict nonce order; a later nonce never reaches the mempool ahead of an
// earlier one still in flight.
func (l *NonceLease) AwaitTurn(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.allocator.awaitTurn(ctx, l.key, l.Nonce)
}

// Broadcasted marks the lease consumed. The nonce stays allocated.
func (l *NonceLease) Broadcasted() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return
	}
	l.settled = true
	l.allocator.broadcasted(l.key, l.Nonce)
}

// Release returns the nonce to the allocator so a later reservation reuses
// it. Only valid before Broadcasted.
func (l *NonceLease) Release() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return
	}
	l.settled = true
	l.allocator.release(l.key, l.Nonce)
}

type accountState struct {
	next uint64
	// free holds released nonces below next, awaiting reuse.
	free map[uint64]struct{}
	// inflight holds reserved nonces whose broadcast outcome is unknown.
	inflight map[uint64]struct{}
	turn     *sync.Cond
}

// NonceAllocator hands out nonces per (chain, sender). Reserve returns the
// lowest free nonce, so a released nonce is reused before the sequence is
// extended and successful broadcasts form a gap-free sequence.
type NonceAllocator struct {
	mu       sync.Mutex
	accounts map[string]*accountState
}

// NewNonceAllocator constructs an empty allocator.
func NewNonceAllocator() *NonceAllocator {
	return &NonceAllocator{accounts: make(map[string]*accountState)}
}

func accountKey(chain, sender string) string {
	return strings.ToLower(strings.TrimSpace(chain)) + "/" + strings.ToLower(strings.TrimSpace(sender))
}

// account returns the state for key, creating it when absent. Callers hold
// a.mu.
func (a *NonceAllocator) account(key string) *accountState {
	state, ok := a.accounts[key]
	if !ok {
		state = &accountState{
			free:     make(map[uint64]struct{}),
			inflight: make(map[uint64]struct{}),
			turn:     sync.NewCond(&a.mu),
		}
		a.accounts[key] = state
	}
	return state
}

// Seed initialises the next nonce for an account, typically from the chain's
// pending transaction count. Seeding below the current position is ignored.
func (a *NonceAllocator) Seed(chain, sender string, next uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state := a.account(accountKey(chain, sender))
	if next > state.next {
		state.next = next
	}
}

// Reserve allocates the lowest free nonce for the account: a previously
// released nonce when one exists, otherwise the next in sequence.
func (a *NonceAllocator) Reserve(chain, sender string) (*NonceLease, error) {
	if strings.TrimSpace(chain) == "" || strings.TrimSpace(sender) == "" {
		return nil, fmt.Errorf("executor: chain and sender required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := accountKey(chain, sender)
	state := a.account(key)
	nonce, ok := lowestFree(state)
	if ok {
		delete(state.free, nonce)
	} else {
		nonce = state.next
		state.next++
	}
	state.inflight[nonce] = struct{}{}
	return &NonceLease{Nonce: nonce, allocator: a, key: key}, nil
}

func lowestFree(state *accountState) (uint64, bool) {
	var min uint64
	found := false
	for nonce := range state.free {
		if !found || nonce < min {
			min = nonce
			found = true
		}
	}
	return min, found
}

func (a *NonceAllocator) release(key string, nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.accounts[key]
	if !ok {
		return
	}
	delete(state.inflight, nonce)
	state.free[nonce] = struct{}{}
	// Shrink the frontier over any contiguous run of freed nonces so the
	// sequence never grows past what will actually be broadcast.
	for state.next > 0 {
		if _, freed := state.free[state.next-1]; !freed {
			break
		}
		delete(state.free, state.next-1)
		state.next--
	}
	state.turn.Broadcast()
}

func (a *NonceAllocator) broadcasted(key string, nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.accounts[key]
	if !ok {
		return
	}
	delete(state.inflight, nonce)
	state.turn.Broadcast()
}

func (a *NonceAllocator) awaitTurn(ctx context.Context, key string, nonce uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.accounts[key]
	if !ok {
		return fmt.Errorf("executor: unknown account %q", key)
	}
	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		state.turn.Broadcast()
		a.mu.Unlock()
	})
	defer stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, reserved := state.inflight[nonce]; !reserved {
			return nil
		}
		earlier := false
		for pending := range state.inflight {
			if pending < nonce {
				earlier = true
				break
			}
		}
		if !earlier {
			return nil
		}
		state.turn.Wait()
	}
}
