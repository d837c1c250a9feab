package dispatcher

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"liuproxy_tunnel/internal/shared/errorx"
)

// ErrIdleTimeout 表示两个方向在空闲期内都没有数据
var ErrIdleTimeout = errors.New("relay idle timeout")

const (
	relayBufferSize  = 32 * 1024
	packetBufferSize = 64 * 1024
)

var relayBufPool = sync.Pool{New: func() any { b := make([]byte, relayBufferSize); return &b }}
var packetBufPool = sync.Pool{New: func() any { b := make([]byte, packetBufferSize); return &b }}

func getPacketBuffer() *[]byte  { return packetBufPool.Get().(*[]byte) }
func putPacketBuffer(b *[]byte) { packetBufPool.Put(b) }

type RelayStats struct {
	Uplink   uint64
	Downlink uint64
}

// Relay 在 inbound 与 outbound 之间双向复制，直到两个方向都结束。
//   - 一个方向读到 EOF: 对另一侧 CloseWrite，反方向继续。
//   - 任一方向出错、ctx 结束或空闲超时: 两侧都关闭。
//
// 返回时 outbound 一定已关闭，inbound 由调用方关闭。
func Relay(ctx context.Context, inbound, outbound net.Conn, idleTimeout time.Duration) (RelayStats, error) {
	var uplink, downlink atomic.Uint64
	var lastActive atomic.Int64
	touch := func() { lastActive.Store(time.Now().UnixNano()) }
	touch()

	errCh := make(chan error, 2)
	go copyHalf(outbound, inbound, &uplink, touch, errCh)
	go copyHalf(inbound, outbound, &downlink, touch, errCh)

	var tick <-chan time.Time
	if idleTimeout > 0 {
		interval := idleTimeout / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var result error
	tornDown := false
	teardown := func(reason error) {
		if result == nil {
			result = reason
		}
		if !tornDown {
			tornDown = true
			_ = inbound.Close()
			_ = outbound.Close()
		}
	}

	done := ctx.Done()
	for remaining := 2; remaining > 0; {
		select {
		case err := <-errCh:
			remaining--
			if err != nil && !tornDown {
				teardown(errorx.Relay(err))
			}
		case <-done:
			done = nil
			teardown(ctx.Err())
		case <-tick:
			if time.Since(time.Unix(0, lastActive.Load())) >= idleTimeout {
				tick = nil
				teardown(ErrIdleTimeout)
			}
		}
	}
	_ = outbound.Close()
	return RelayStats{Uplink: uplink.Load(), Downlink: downlink.Load()}, result
}

// copyHalf 从 src 复制到 dst。src 正常结束时对 dst 半关闭，并返回 nil。
func copyHalf(dst, src net.Conn, counter *atomic.Uint64, touch func(), errCh chan<- error) {
	bufp := relayBufPool.Get().(*[]byte)
	defer relayBufPool.Put(bufp)
	buf := *bufp

	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			touch()
			nw, ew := dst.Write(buf[:nr])
			if nw > 0 {
				counter.Add(uint64(nw))
			}
			if ew != nil {
				errCh <- ew
				return
			}
			if nw != nr {
				errCh <- io.ErrShortWrite
				return
			}
		}
		if er != nil {
			if errors.Is(er, io.EOF) {
				errCh <- closeWrite(dst)
				return
			}
			errCh <- er
			return
		}
	}
}

func closeWrite(conn net.Conn) error {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	}
	return conn.Close()
}
