package portpool

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	p := New(21800, 21810)

	port, err := p.Acquire()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 21800)
	assert.Less(t, port, 21810)
	assert.Equal(t, 1, p.Active())

	p.Release(port)
	assert.Equal(t, 0, p.Active())
}

func TestAcquire_ExhaustedRangeFailsFast(t *testing.T) {
	p := New(21820, 21822)

	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = p.Acquire()
	require.ErrorIs(t, err, ErrExhausted)

	p.Release(a)
	c, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestAcquire_SkipsPortsBoundByOthers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:21830")
	require.NoError(t, err)
	defer ln.Close()

	p := New(21830, 21832)

	port, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 21831, port)

	_, err = p.Acquire()
	require.ErrorIs(t, err, ErrExhausted)
}

// No two concurrently held sessions may ever see the same port.
func TestAcquire_NoDuplicateUnderConcurrency(t *testing.T) {
	p := New(0, 64)
	// Skip the real bind so the property holds regardless of what is
	// listening on this machine.
	p.bindProbe = func(int) bool { return true }

	var mu sync.Mutex
	held := make(map[int]int)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				port, err := p.Acquire()
				if err != nil {
					continue
				}

				mu.Lock()
				held[port]++
				if held[port] > 1 {
					mu.Unlock()
					t.Errorf("port %d held by more than one session", port)
					return
				}
				mu.Unlock()

				mu.Lock()
				held[port]--
				mu.Unlock()
				p.Release(port)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, p.Active())
}

func TestRelease_UnheldPortIsNoop(t *testing.T) {
	p := New(21840, 21842)
	p.Release(21840)
	assert.Equal(t, 0, p.Active())
}
