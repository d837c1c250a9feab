package nat

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"liuproxy_tunnel/internal/core/session"
)

type mockPacketConn struct {
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	written   atomic.Int64
}

func newMockPacketConn() *mockPacketConn {
	return &mockPacketConn{incoming: make(chan []byte, 8), closed: make(chan struct{})}
}

func (m *mockPacketConn) WriteToDestination(p []byte, _ session.Destination) (int, error) {
	select {
	case <-m.closed:
		return 0, net.ErrClosed
	default:
	}
	m.written.Add(int64(len(p)))
	return len(p), nil
}

func (m *mockPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case data := <-m.incoming:
		return copy(p, data), &net.UDPAddr{IP: net.IPv4(8, 8, 8, 8), Port: 53}, nil
	case <-m.closed:
		return 0, nil, net.ErrClosed
	}
}

func (m *mockPacketConn) SetReadDeadline(time.Time) error { return nil }
func (m *mockPacketConn) LocalAddr() net.Addr             { return &net.UDPAddr{IP: net.IPv4zero} }
func (m *mockPacketConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockPacketConn) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func testKey(port uint16) Key {
	return Key{Source: netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port), InboundTag: "tunnel"}
}

func TestGetOrCreateAtMostOnce(t *testing.T) {
	table := NewTable(time.Minute, time.Minute)
	defer table.Close()

	var calls atomic.Int32
	factory := func(ctx context.Context) (*Binding, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return NewBinding(testKey(1000), "Direct", newMockPacketConn()), nil
	}

	const callers = 100
	results := make([]*Binding, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := table.GetOrCreate(context.Background(), testKey(1000), factory)
			require.NoError(t, err)
			results[i] = b
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, 1, table.Len())
	for _, b := range results {
		require.Same(t, results[0], b)
	}
	require.Equal(t, Stats{Active: 1, Created: 1}, table.Stats())
}

func TestGetOrCreateFactoryError(t *testing.T) {
	table := NewTable(time.Minute, time.Minute)
	defer table.Close()

	boom := errors.New("dial failed")
	var calls atomic.Int32
	failing := func(ctx context.Context) (*Binding, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return nil, boom
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := table.GetOrCreate(context.Background(), testKey(2000), failing)
			require.ErrorIs(t, err, boom)
		}()
	}
	wg.Wait()
	require.Zero(t, table.Len())

	// 失败不会留下记录，下一次重新创建
	b, err := table.GetOrCreate(context.Background(), testKey(2000), func(ctx context.Context) (*Binding, error) {
		return NewBinding(testKey(2000), "Direct", newMockPacketConn()), nil
	})
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, 1, table.Len())
}

func TestDistinctKeys(t *testing.T) {
	table := NewTable(time.Minute, time.Minute)
	defer table.Close()

	newFactory := func(k Key) Factory {
		return func(ctx context.Context) (*Binding, error) {
			return NewBinding(k, "Direct", newMockPacketConn()), nil
		}
	}
	a, err := table.GetOrCreate(context.Background(), testKey(1), newFactory(testKey(1)))
	require.NoError(t, err)
	other := Key{Source: testKey(1).Source, InboundTag: "socks"}
	b, err := table.GetOrCreate(context.Background(), other, newFactory(other))
	require.NoError(t, err)
	require.NotSame(t, a, b)
	require.Equal(t, 2, table.Len())
}

func TestSweepEvictsIdle(t *testing.T) {
	table := NewTable(time.Minute, time.Hour)
	defer table.Close()

	idleConn, busyConn := newMockPacketConn(), newMockPacketConn()
	idle, err := table.GetOrCreate(context.Background(), testKey(1), func(ctx context.Context) (*Binding, error) {
		return NewBinding(testKey(1), "Direct", idleConn), nil
	})
	require.NoError(t, err)
	_, err = table.GetOrCreate(context.Background(), testKey(2), func(ctx context.Context) (*Binding, error) {
		return NewBinding(testKey(2), "Direct", busyConn), nil
	})
	require.NoError(t, err)

	// 一个阻塞在读上的返回路径
	readErr := make(chan error, 1)
	go func() {
		_, _, err := idle.ReadFrom(make([]byte, 64))
		readErr <- err
	}()

	now := monotonic()
	idle.lastActivity.Store(int64(now - 2*time.Minute))
	table.Touch(testKey(2))

	require.Equal(t, 1, table.sweep(now))
	require.Equal(t, 1, table.Len())
	_, ok := table.Get(testKey(1))
	require.False(t, ok)
	require.True(t, idleConn.isClosed())
	require.False(t, busyConn.isClosed())
	require.ErrorIs(t, <-readErr, net.ErrClosed)
	require.EqualValues(t, 1, table.Stats().Evicted)
}

func TestSweepLoop(t *testing.T) {
	table := NewTable(30*time.Millisecond, 10*time.Millisecond)
	table.Start()
	defer table.Close()

	conn := newMockPacketConn()
	_, err := table.GetOrCreate(context.Background(), testKey(9), func(ctx context.Context) (*Binding, error) {
		return NewBinding(testKey(9), "Direct", conn), nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return table.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, conn.isClosed())
}

func TestBindingTraffic(t *testing.T) {
	conn := newMockPacketConn()
	b := NewBinding(testKey(3), "Direct", conn)
	before := b.lastActivity.Load()
	time.Sleep(2 * time.Millisecond)

	n, err := b.WriteTo([]byte("hello"), session.NewDestination("8.8.8.8", 53))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Greater(t, b.lastActivity.Load(), before)

	conn.incoming <- []byte("reply!")
	buf := make([]byte, 64)
	n, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "reply!", string(buf[:n]))
	require.Equal(t, "8.8.8.8:53", from.String())

	info := b.Info()
	require.EqualValues(t, 5, info.Uplink)
	require.EqualValues(t, 6, info.Downlink)
	require.Equal(t, "Direct", info.Outbound)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, err = b.WriteTo([]byte("x"), session.NewDestination("8.8.8.8", 53))
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestRemoveBindingConditional(t *testing.T) {
	table := NewTable(time.Minute, time.Minute)
	defer table.Close()

	stale := NewBinding(testKey(4), "Direct", newMockPacketConn())
	current, err := table.GetOrCreate(context.Background(), testKey(4), func(ctx context.Context) (*Binding, error) {
		return NewBinding(testKey(4), "Direct", newMockPacketConn()), nil
	})
	require.NoError(t, err)

	table.RemoveBinding(stale)
	got, ok := table.Get(testKey(4))
	require.True(t, ok)
	require.Same(t, current, got)

	table.RemoveBinding(current)
	require.Zero(t, table.Len())

	_, err = table.GetOrCreate(context.Background(), testKey(4), func(ctx context.Context) (*Binding, error) {
		b := NewBinding(testKey(4), "Direct", newMockPacketConn())
		_ = b.Close()
		return b, nil
	})
	require.ErrorIs(t, err, ErrBindingClosed)
	require.Zero(t, table.Len())
}

func TestClose(t *testing.T) {
	table := NewTable(time.Minute, time.Minute)
	table.Start()

	conns := make([]*mockPacketConn, 3)
	for i := range conns {
		conns[i] = newMockPacketConn()
		k, c := testKey(uint16(5000+i)), conns[i]
		_, err := table.GetOrCreate(context.Background(), k, func(ctx context.Context) (*Binding, error) {
			return NewBinding(k, "Direct", c), nil
		})
		require.NoError(t, err)
	}
	table.Close()
	table.Close()

	require.Zero(t, table.Len())
	for _, c := range conns {
		require.True(t, c.isClosed())
	}
	_, err := table.GetOrCreate(context.Background(), testKey(1), func(ctx context.Context) (*Binding, error) {
		t.Fatal("factory must not run after close")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrTableClosed)
}

func TestSnapshot(t *testing.T) {
	table := NewTable(time.Minute, time.Minute)
	defer table.Close()
	_, err := table.GetOrCreate(context.Background(), testKey(7), func(ctx context.Context) (*Binding, error) {
		return NewBinding(testKey(7), "Upstream", newMockPacketConn()), nil
	})
	require.NoError(t, err)

	snap := table.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "127.0.0.1:7", snap[0].Source)
	require.Equal(t, "tunnel", snap[0].Inbound)
	require.Equal(t, "Upstream", snap[0].Outbound)
}
