// Package portpool hands out exclusive local TCP ports to probe
// sessions. A port is considered free only after a real bind/close
// probe succeeds, so a stale engine process can never be handed to two
// workers by accident.
package portpool

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted is returned when no port in the configured range can be
// acquired. It is a per-node failure, not fatal to the run.
var ErrExhausted = errors.New("port pool exhausted")

// Pool allocates ports from a half-open range [start, end).
type Pool struct {
	mu     sync.Mutex
	start  int
	end    int
	next   int
	inUse  map[int]struct{}
	// bindProbe is replaced in tests.
	bindProbe func(port int) bool
}

// New builds a pool over [start, end). The range is validated by the
// caller's config layer; New only normalizes a reversed range.
func New(start, end int) *Pool {
	if end < start {
		start, end = end, start
	}
	return &Pool{
		start:     start,
		end:       end,
		next:      start,
		inUse:     make(map[int]struct{}),
		bindProbe: bindProbe,
	}
}

// Acquire reserves an unused port. It sweeps the range at most once
// and fails with ErrExhausted rather than blocking.
func (p *Pool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.end - p.start
	for i := 0; i < size; i++ {
		port := p.next
		p.next++
		if p.next >= p.end {
			p.next = p.start
		}

		if _, taken := p.inUse[port]; taken {
			continue
		}
		if !p.bindProbe(port) {
			continue
		}
		p.inUse[port] = struct{}{}
		return port, nil
	}
	return 0, ErrExhausted
}

// Release returns a port to the pool. Releasing a port that is not
// held is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

// Active reports how many ports are currently held.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

func bindProbe(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
