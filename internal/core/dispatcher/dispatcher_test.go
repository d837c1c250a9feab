package dispatcher

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"liuproxy_tunnel/internal/core/nat"
	"liuproxy_tunnel/internal/core/session"
	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/types"
)

// --- Mocks ---

type mockSelector struct {
	tag   string
	err   error
	calls atomic.Int32
}

func (m *mockSelector) Select(context.Context, *session.Session) (string, error) {
	m.calls.Add(1)
	return m.tag, m.err
}

type mockOutbound struct {
	tag        string
	dialTCP    func(ctx context.Context, dst session.Destination) (net.Conn, error)
	dialPacket func(ctx context.Context, dst session.Destination) (types.PacketConn, error)
	tcpDials   atomic.Int32
	udpDials   atomic.Int32
}

func (m *mockOutbound) Tag() string                      { return m.tag }
func (m *mockOutbound) Type() string                     { return "mock" }
func (m *mockOutbound) TrafficStats() types.TrafficStats { return types.TrafficStats{} }

func (m *mockOutbound) DialTCP(ctx context.Context, dst session.Destination) (net.Conn, error) {
	m.tcpDials.Add(1)
	return m.dialTCP(ctx, dst)
}

func (m *mockOutbound) DialPacket(ctx context.Context, dst session.Destination) (types.PacketConn, error) {
	m.udpDials.Add(1)
	return m.dialPacket(ctx, dst)
}

type mockProvider map[string]types.Outbound

func (m mockProvider) Outbound(tag string) (types.Outbound, bool) {
	ob, ok := m[tag]
	return ob, ok
}

type mockPacketConn struct {
	incoming  chan []byte
	writes    chan []byte
	writeErr  error
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockPacketConn() *mockPacketConn {
	return &mockPacketConn{incoming: make(chan []byte, 16), writes: make(chan []byte, 256), closed: make(chan struct{})}
}

func (m *mockPacketConn) WriteToDestination(p []byte, _ session.Destination) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.writes <- append([]byte(nil), p...)
	return len(p), nil
}

func (m *mockPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case data := <-m.incoming:
		return copy(p, data), &net.UDPAddr{IP: net.IPv4(9, 9, 9, 9), Port: 53}, nil
	case <-m.closed:
		return 0, nil, net.ErrClosed
	}
}

func (m *mockPacketConn) SetReadDeadline(time.Time) error { return nil }
func (m *mockPacketConn) LocalAddr() net.Addr             { return &net.UDPAddr{} }
func (m *mockPacketConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

type recordingObserver struct {
	mu      sync.Mutex
	records []types.FlowRecord
}

func (r *recordingObserver) ObserveFlow(rec types.FlowRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingObserver) all() []types.FlowRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.FlowRecord(nil), r.records...)
}

// --- Helpers ---

// tcpPair 返回一对已连接的 loopback TCP 连接 (客户端, 服务端)
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func testSession(network session.Network, src string) *session.Session {
	return session.New("socks", network, netip.MustParseAddrPort(src), session.NewDestination("remote.test", 443))
}

func runAsync(r Runner) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r() }()
	return done
}

// --- TCP ---

func TestDispatchTCPHalfClose(t *testing.T) {
	clientSide, inbound := tcpPair(t)
	remoteSide, outboundConn := tcpPair(t)

	ob := &mockOutbound{tag: "Direct", dialTCP: func(context.Context, session.Destination) (net.Conn, error) {
		return outboundConn, nil
	}}
	observer := &recordingObserver{}
	d := New(&mockSelector{tag: "Direct"}, mockProvider{"Direct": ob}, nat.NewTable(time.Minute, time.Minute),
		Options{TCPIdleTimeout: 5 * time.Second, Observer: observer})

	done := runAsync(d.DispatchTCP(context.Background(), testSession(session.TCP, "127.0.0.1:40001"), inbound, nil))

	// 远端: 读到 EOF 之后才回复，证明半关闭被传递
	remoteDone := make(chan string, 1)
	go func() {
		req, _ := io.ReadAll(remoteSide)
		_, _ = remoteSide.Write([]byte("response"))
		_ = remoteSide.Close()
		remoteDone <- string(req)
	}()

	_, err := clientSide.Write([]byte("request"))
	require.NoError(t, err)
	require.NoError(t, clientSide.(*net.TCPConn).CloseWrite())

	require.Equal(t, "request", <-remoteDone)
	resp, err := io.ReadAll(clientSide)
	require.NoError(t, err)
	require.Equal(t, "response", string(resp))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not finish")
	}
	require.EqualValues(t, 1, ob.tcpDials.Load())
	require.Equal(t, Stats{TotalFlows: 1}, d.Stats())

	recs := observer.all()
	require.Len(t, recs, 1)
	require.Equal(t, "Direct", recs[0].Outbound)
	require.Equal(t, "remote.test:443", recs[0].Target)
}

func TestDispatchTCPRouteFailure(t *testing.T) {
	clientSide, inbound := tcpPair(t)
	ob := &mockOutbound{tag: "Direct"}
	boom := errorx.Config("no rules")
	d := New(&mockSelector{err: boom}, mockProvider{"Direct": ob}, nat.NewTable(time.Minute, time.Minute), Options{})

	err := d.DispatchTCP(context.Background(), testSession(session.TCP, "127.0.0.1:40002"), inbound, nil)()
	require.ErrorIs(t, err, errorx.ErrConfig)
	require.Zero(t, ob.tcpDials.Load())

	// inbound 已被关闭
	_, err = clientSide.Read(make([]byte, 1))
	require.Error(t, err)
	require.EqualValues(t, 1, d.Stats().FailedFlows)
}

func TestDispatchTCPUnknownOutbound(t *testing.T) {
	_, inbound := tcpPair(t)
	d := New(&mockSelector{tag: "Ghost"}, mockProvider{}, nat.NewTable(time.Minute, time.Minute), Options{})
	err := d.DispatchTCP(context.Background(), testSession(session.TCP, "127.0.0.1:40003"), inbound, nil)()
	require.ErrorIs(t, err, errorx.ErrConfig)
}

func TestDispatchTCPDialFailure(t *testing.T) {
	clientSide, inbound := tcpPair(t)
	ob := &mockOutbound{tag: "Direct", dialTCP: func(ctx context.Context, dst session.Destination) (net.Conn, error) {
		return nil, errorx.Dial(dst.String(), errors.New("connection refused"))
	}}
	observer := &recordingObserver{}
	d := New(&mockSelector{tag: "Direct"}, mockProvider{"Direct": ob}, nat.NewTable(time.Minute, time.Minute), Options{Observer: observer})

	err := d.DispatchTCP(context.Background(), testSession(session.TCP, "127.0.0.1:40004"), inbound, nil)()
	require.ErrorIs(t, err, errorx.ErrDial)

	_, err = clientSide.Read(make([]byte, 1))
	require.Error(t, err)
	recs := observer.all()
	require.Len(t, recs, 1)
	require.NotEmpty(t, recs[0].Error)
}

func TestDispatchTCPReply(t *testing.T) {
	t.Run("after successful dial", func(t *testing.T) {
		_, inbound := tcpPair(t)
		_, outboundConn := tcpPair(t)
		ob := &mockOutbound{tag: "Direct", dialTCP: func(context.Context, session.Destination) (net.Conn, error) {
			return outboundConn, nil
		}}
		d := New(&mockSelector{tag: "Direct"}, mockProvider{"Direct": ob}, nat.NewTable(time.Minute, time.Minute), Options{})

		var replies []error
		var dialsAtReply int32
		reply := func(err error) error {
			replies = append(replies, err)
			dialsAtReply = ob.tcpDials.Load()
			// 客户端已经离开，放弃这条流
			return io.ErrClosedPipe
		}
		err := d.DispatchTCP(context.Background(), testSession(session.TCP, "127.0.0.1:40010"), inbound, reply)()
		require.ErrorIs(t, err, errorx.ErrRelay)
		require.Equal(t, []error{nil}, replies)
		require.EqualValues(t, 1, dialsAtReply)

		// 出站连接随之关闭
		_, err = outboundConn.Write([]byte("x"))
		require.Error(t, err)
	})

	t.Run("dial failure", func(t *testing.T) {
		_, inbound := tcpPair(t)
		ob := &mockOutbound{tag: "Direct", dialTCP: func(ctx context.Context, dst session.Destination) (net.Conn, error) {
			return nil, errorx.Dial(dst.String(), errors.New("connection refused"))
		}}
		d := New(&mockSelector{tag: "Direct"}, mockProvider{"Direct": ob}, nat.NewTable(time.Minute, time.Minute), Options{})

		var replies []error
		reply := func(err error) error {
			replies = append(replies, err)
			return nil
		}
		err := d.DispatchTCP(context.Background(), testSession(session.TCP, "127.0.0.1:40011"), inbound, reply)()
		require.ErrorIs(t, err, errorx.ErrDial)
		require.Len(t, replies, 1)
		require.ErrorIs(t, replies[0], errorx.ErrDial)
	})

	t.Run("route failure", func(t *testing.T) {
		_, inbound := tcpPair(t)
		d := New(&mockSelector{err: errorx.Config("no rules")}, mockProvider{}, nat.NewTable(time.Minute, time.Minute), Options{})

		var replies []error
		reply := func(err error) error {
			replies = append(replies, err)
			return nil
		}
		err := d.DispatchTCP(context.Background(), testSession(session.TCP, "127.0.0.1:40012"), inbound, reply)()
		require.ErrorIs(t, err, errorx.ErrConfig)
		require.Len(t, replies, 1)
		require.ErrorIs(t, replies[0], errorx.ErrConfig)
	})
}

func TestDispatchTCPConnectTimeout(t *testing.T) {
	_, inbound := tcpPair(t)
	ob := &mockOutbound{tag: "Slow", dialTCP: func(ctx context.Context, dst session.Destination) (net.Conn, error) {
		<-ctx.Done()
		return nil, errorx.Dial(dst.String(), ctx.Err())
	}}
	d := New(&mockSelector{tag: "Slow"}, mockProvider{"Slow": ob}, nat.NewTable(time.Minute, time.Minute),
		Options{ConnectTimeout: 50 * time.Millisecond})

	start := time.Now()
	err := d.DispatchTCP(context.Background(), testSession(session.TCP, "127.0.0.1:40005"), inbound, nil)()
	require.ErrorIs(t, err, errorx.ErrDial)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestDispatchTCPIdleTimeout(t *testing.T) {
	_, inbound := tcpPair(t)
	remoteSide, outboundConn := tcpPair(t)
	ob := &mockOutbound{tag: "Direct", dialTCP: func(context.Context, session.Destination) (net.Conn, error) {
		return outboundConn, nil
	}}
	d := New(&mockSelector{tag: "Direct"}, mockProvider{"Direct": ob}, nat.NewTable(time.Minute, time.Minute),
		Options{TCPIdleTimeout: 100 * time.Millisecond})

	done := runAsync(d.DispatchTCP(context.Background(), testSession(session.TCP, "127.0.0.1:40006"), inbound, nil))
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrIdleTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("idle flow was not torn down")
	}
	// 出站一侧也被关闭
	_, err := remoteSide.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestDispatchTCPShutdown(t *testing.T) {
	_, inbound := tcpPair(t)
	_, outboundConn := tcpPair(t)
	ob := &mockOutbound{tag: "Direct", dialTCP: func(context.Context, session.Destination) (net.Conn, error) {
		return outboundConn, nil
	}}
	d := New(&mockSelector{tag: "Direct"}, mockProvider{"Direct": ob}, nat.NewTable(time.Minute, time.Minute), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(d.DispatchTCP(ctx, testSession(session.TCP, "127.0.0.1:40007"), inbound, nil))
	require.Eventually(t, func() bool { return d.Stats().ActiveFlows == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("relay ignored shutdown")
	}
	require.Zero(t, d.Stats().ActiveFlows)
}

func TestDispatchTCPMaxConnections(t *testing.T) {
	_, inbound1 := tcpPair(t)
	_, out1 := tcpPair(t)
	_, inbound2 := tcpPair(t)

	ob := &mockOutbound{tag: "Direct", dialTCP: func(context.Context, session.Destination) (net.Conn, error) {
		return out1, nil
	}}
	d := New(&mockSelector{tag: "Direct"}, mockProvider{"Direct": ob}, nat.NewTable(time.Minute, time.Minute),
		Options{MaxConnections: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := runAsync(d.DispatchTCP(ctx, testSession(session.TCP, "127.0.0.1:40008"), inbound1, nil))
	require.Eventually(t, func() bool { return d.Stats().ActiveFlows == 1 }, time.Second, 5*time.Millisecond)

	// 第二条流在名额释放前一直等待
	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	err := d.DispatchTCP(ctx2, testSession(session.TCP, "127.0.0.1:40009"), inbound2, nil)()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 1, ob.tcpDials.Load())

	cancel()
	<-first
}

// --- UDP ---

func TestDispatchUDPSingleBinding(t *testing.T) {
	pc := newMockPacketConn()
	ob := &mockOutbound{tag: "Direct", dialPacket: func(context.Context, session.Destination) (types.PacketConn, error) {
		time.Sleep(10 * time.Millisecond)
		return pc, nil
	}}
	table := nat.NewTable(time.Minute, time.Minute)
	sel := &mockSelector{tag: "Direct"}
	d := New(sel, mockProvider{"Direct": ob}, table, Options{})

	replies := make(chan string, 8)
	reply := func(p []byte, from net.Addr) error {
		replies <- from.String() + "|" + string(p)
		return nil
	}

	const packets = 50
	var wg sync.WaitGroup
	for i := 0; i < packets; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.DispatchUDP(context.Background(), testSession(session.UDP, "127.0.0.1:5300"), []byte("q"), reply)()
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, ob.udpDials.Load())
	require.EqualValues(t, 1, sel.calls.Load())
	require.Equal(t, 1, table.Len())
	require.Len(t, pc.writes, packets)

	pc.incoming <- []byte("answer")
	select {
	case got := <-replies:
		require.Equal(t, "9.9.9.9:53|answer", got)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
	}

	// 关闭 NAT 表会结束返回路径
	table.Close()
	d.Wait()
	require.Zero(t, d.Stats().ActiveFlows)
}

func TestDispatchUDPWriteErrorRemovesBinding(t *testing.T) {
	pc := newMockPacketConn()
	pc.writeErr = errors.New("network unreachable")
	ob := &mockOutbound{tag: "Direct", dialPacket: func(context.Context, session.Destination) (types.PacketConn, error) {
		return pc, nil
	}}
	table := nat.NewTable(time.Minute, time.Minute)
	d := New(&mockSelector{tag: "Direct"}, mockProvider{"Direct": ob}, table, Options{})

	err := d.DispatchUDP(context.Background(), testSession(session.UDP, "127.0.0.1:5301"), []byte("q"), func([]byte, net.Addr) error { return nil })()
	require.ErrorIs(t, err, errorx.ErrRelay)
	require.Zero(t, table.Len())
	d.Wait()
}

func TestDispatchUDPReplyFailureRemovesBinding(t *testing.T) {
	pc := newMockPacketConn()
	ob := &mockOutbound{tag: "Direct", dialPacket: func(context.Context, session.Destination) (types.PacketConn, error) {
		return pc, nil
	}}
	table := nat.NewTable(time.Minute, time.Minute)
	d := New(&mockSelector{tag: "Direct"}, mockProvider{"Direct": ob}, table, Options{})

	reply := func([]byte, net.Addr) error { return net.ErrClosed }
	require.NoError(t, d.DispatchUDP(context.Background(), testSession(session.UDP, "127.0.0.1:5302"), []byte("q"), reply)())
	require.Equal(t, 1, table.Len())

	pc.incoming <- []byte("late answer")
	require.Eventually(t, func() bool { return table.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	d.Wait()
}

func TestDispatchUDPDialFailure(t *testing.T) {
	ob := &mockOutbound{tag: "Direct", dialPacket: func(ctx context.Context, dst session.Destination) (types.PacketConn, error) {
		return nil, errorx.Dial(dst.String(), errors.New("no udp"))
	}}
	table := nat.NewTable(time.Minute, time.Minute)
	d := New(&mockSelector{tag: "Direct"}, mockProvider{"Direct": ob}, table, Options{})

	err := d.DispatchUDP(context.Background(), testSession(session.UDP, "127.0.0.1:5303"), []byte("q"), nil)()
	require.ErrorIs(t, err, errorx.ErrDial)
	require.Zero(t, table.Len())

	// 下一个数据报重新尝试
	err = d.DispatchUDP(context.Background(), testSession(session.UDP, "127.0.0.1:5303"), []byte("q"), nil)()
	require.ErrorIs(t, err, errorx.ErrDial)
	require.EqualValues(t, 2, ob.udpDials.Load())
}

func TestDispatchUDPAfterWait(t *testing.T) {
	pc := newMockPacketConn()
	ob := &mockOutbound{tag: "Direct", dialPacket: func(context.Context, session.Destination) (types.PacketConn, error) {
		return pc, nil
	}}
	table := nat.NewTable(time.Minute, time.Minute)
	d := New(&mockSelector{tag: "Direct"}, mockProvider{"Direct": ob}, table, Options{})
	d.Wait()

	err := d.DispatchUDP(context.Background(), testSession(session.UDP, "127.0.0.1:5310"), []byte("q"), func([]byte, net.Addr) error { return nil })()
	require.ErrorIs(t, err, ErrStopped)
	require.Zero(t, table.Len())
	require.Zero(t, d.Stats().ActiveFlows)

	// 拨出的套接字没有泄漏
	select {
	case <-pc.closed:
	default:
		t.Fatal("packet conn left open")
	}
	d.Wait()
}

func TestRecentTargets(t *testing.T) {
	d := New(&mockSelector{}, mockProvider{}, nat.NewTable(time.Minute, time.Minute), Options{})
	d.recordTarget("a.example:443")
	d.recordTarget("a.example:80")
	d.recordTarget("a.example:443")
	d.recordTarget("b.example:443")
	d.recordTarget("10.0.0.1:22")

	require.Equal(t, []string{"a.example", "10.0.0.1"}, d.RecentTargets([]string{"b.example"}))

	for i := 0; i < maxRecentTargets+5; i++ {
		d.recordTarget(net.JoinHostPort("host.example", string(rune('a'+i))))
	}
	d.recentTargetsMutex.Lock()
	n := len(d.recentTargets)
	d.recentTargetsMutex.Unlock()
	require.Equal(t, maxRecentTargets, n)
}
