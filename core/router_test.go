package core

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/noderoute/metrics"
)

type testMailbox struct {
	mu        sync.Mutex
	delivered []*Message
	stops     int32
}

func (m *testMailbox) Deliver(msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, msg)
	return nil
}

func (m *testMailbox) Stop() {
	atomic.AddInt32(&m.stops, 1)
}

func (m *testMailbox) stopped() bool {
	return atomic.LoadInt32(&m.stops) > 0
}

func newTestRouter(t *testing.T, opts ...RouterOption) *Router {
	t.Helper()
	r := NewRouter(opts...)
	t.Cleanup(func() { _ = r.Shutdown() })
	return r
}

func TestRouterRegisterResolve(t *testing.T) {
	r := newTestRouter(t)
	mb := &testMailbox{}

	require.NoError(t, r.Register(NewAddressSet("worker", "alias.1", "alias.2"), mb))

	for _, addr := range []Address{"worker", "alias.1", "alias.2"} {
		rec, err := r.Resolve(addr)
		require.NoError(t, err, addr)
		assert.Equal(t, Address("worker"), rec.Primary())
		assert.Same(t, mb, rec.Mailbox)
	}

	_, err := r.Resolve("unknown")
	require.ErrorIs(t, err, ErrNoSuchAddress)
	assert.True(t, IsNoSuchAddress(err))

	var addrErr *AddressError
	require.ErrorAs(t, err, &addrErr)
	assert.Equal(t, Address("unknown"), addrErr.Address)
}

func TestRouterRegisterValidation(t *testing.T) {
	r := newTestRouter(t)

	err := r.Register(nil, &testMailbox{})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	err = r.Register(AddressSet{"ok", ""}, &testMailbox{})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	err = r.Register(NewAddressSet("ok"), nil)
	assert.ErrorIs(t, err, ErrNilWorker)

	addrs, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, addrs)
}

func TestRouterDuplicateRegistration(t *testing.T) {
	r := newTestRouter(t)
	first := &testMailbox{}
	second := &testMailbox{}

	require.NoError(t, r.Register(NewAddressSet("worker"), first))

	err := r.Register(NewAddressSet("worker"), second)
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	rec, err := r.Resolve("worker")
	require.NoError(t, err)
	assert.Same(t, first, rec.Mailbox)
	assert.False(t, first.stopped())
}

func TestRouterAliasConflict(t *testing.T) {
	r := newTestRouter(t)

	require.NoError(t, r.Register(NewAddressSet("a", "shared"), &testMailbox{}))

	err := r.Register(NewAddressSet("b", "shared"), &testMailbox{})
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	// Nothing of the rejected record may be bound.
	_, err = r.Resolve("b")
	assert.ErrorIs(t, err, ErrNoSuchAddress)

	// An alias cannot be claimed as a primary either.
	err = r.Register(NewAddressSet("shared"), &testMailbox{})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	require.NoError(t, r.CheckInvariants())
}

func TestRouterStopUnknownAddress(t *testing.T) {
	r := newTestRouter(t)
	mb := &testMailbox{}
	require.NoError(t, r.Register(NewAddressSet("worker", "alias"), mb))

	err := r.StopWorker("never-registered")
	require.ErrorIs(t, err, ErrNoSuchAddress)

	addrs, err := r.List()
	require.NoError(t, err)
	assert.Equal(t, []Address{"worker"}, addrs)
	assert.False(t, mb.stopped())
	require.NoError(t, r.CheckInvariants())
}

func TestRouterStopRemovesAliases(t *testing.T) {
	r := newTestRouter(t)
	mb := &testMailbox{}
	require.NoError(t, r.Register(NewAddressSet("worker", "alias.1", "alias.2"), mb))

	// Stopping through an alias removes the whole record.
	require.NoError(t, r.StopWorker("alias.2"))
	assert.True(t, mb.stopped())

	for _, addr := range []Address{"worker", "alias.1", "alias.2"} {
		_, err := r.Resolve(addr)
		assert.ErrorIs(t, err, ErrNoSuchAddress, addr)
	}
	require.NoError(t, r.CheckInvariants())

	// Freed addresses can be bound again.
	require.NoError(t, r.Register(NewAddressSet("alias.1"), &testMailbox{}))
}

func TestRouterConcurrentStopSameAddress(t *testing.T) {
	r := newTestRouter(t)
	mb := &testMailbox{}
	require.NoError(t, r.Register(NewAddressSet("worker", "alias"), mb))

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, addr := range []Address{"worker", "alias"} {
		wg.Add(1)
		go func(addr Address) {
			defer wg.Done()
			results <- r.StopWorker(addr)
		}(addr)
	}
	wg.Wait()
	close(results)

	var ok, missing int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case IsNoSuchAddress(err):
			missing++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, missing)
	assert.Equal(t, int32(1), atomic.LoadInt32(&mb.stops))
}

func TestRouterAliasWithoutPrimaryDegrades(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.Register(NewAddressSet("healthy"), &testMailbox{}))

	// Corrupt the table the only way possible: from the router goroutine.
	require.NoError(t, r.exec(func(tbl *addressTable) {
		tbl.aliases["orphan"] = "missing-primary"
	}))

	err := r.StopWorker("orphan")
	require.ErrorIs(t, err, ErrNoSuchAddress)

	_, err = r.Resolve("orphan")
	require.ErrorIs(t, err, ErrNoSuchAddress)

	// The router keeps serving unrelated callers.
	rec, err := r.Resolve("healthy")
	require.NoError(t, err)
	assert.Equal(t, Address("healthy"), rec.Primary())

	// No mutation happened: the inconsistency is still visible.
	assert.Error(t, r.CheckInvariants())
}

func TestRouterConcurrentInvariants(t *testing.T) {
	r := newTestRouter(t)

	const (
		goroutines = 16
		operations = 200
		space      = 24
	)

	var g errgroup.Group
	for i := 0; i < goroutines; i++ {
		seed := int64(i)
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(seed))
			for j := 0; j < operations; j++ {
				primary := Address(fmt.Sprintf("w%d", rnd.Intn(space)))
				alias := Address(fmt.Sprintf("w%d", rnd.Intn(space)))

				var err error
				if rnd.Intn(2) == 0 {
					err = r.Register(NewAddressSet(primary, alias), &testMailbox{})
					if err != nil && !errors.Is(err, ErrAlreadyRegistered) {
						return err
					}
				} else {
					err = r.StopWorker(primary)
					if err != nil && !IsNoSuchAddress(err) {
						return err
					}
				}

				if err := r.CheckInvariants(); err != nil {
					return fmt.Errorf("after op %d of goroutine %d: %w", j, seed, err)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, r.CheckInvariants())
}

func TestRouterShutdown(t *testing.T) {
	r := NewRouter()
	mbs := []*testMailbox{{}, {}, {}}
	for i, mb := range mbs {
		require.NoError(t, r.Register(NewAddressSet(Address(fmt.Sprintf("w%d", i))), mb))
	}

	require.NoError(t, r.Shutdown())
	<-r.Done()

	for _, mb := range mbs {
		assert.True(t, mb.stopped())
	}

	err := r.Register(NewAddressSet("late"), &testMailbox{})
	assert.ErrorIs(t, err, ErrRouterShutdown)

	_, err = r.Resolve("w0")
	assert.ErrorIs(t, err, ErrRouterShutdown)

	assert.ErrorIs(t, r.StopWorker("w0"), ErrRouterShutdown)
	assert.ErrorIs(t, r.CheckInvariants(), ErrRouterShutdown)
	assert.ErrorIs(t, r.Shutdown(), ErrRouterShutdown)
}

func TestRouterMetrics(t *testing.T) {
	m := metrics.New("test")
	r := newTestRouter(t, WithRouterMetrics(m))

	require.NoError(t, r.Register(NewAddressSet("a"), &testMailbox{}))
	require.NoError(t, r.Register(NewAddressSet("b"), &testMailbox{}))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RegisteredWorkers))

	require.Error(t, r.Register(NewAddressSet("a"), &testMailbox{}))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.RouterCommands.WithLabelValues("register", "already_registered")))

	require.NoError(t, r.StopWorker("a"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RegisteredWorkers))
}
