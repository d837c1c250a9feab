// Package gateway 包含本地入站：统一的 SOCKS5/HTTP 代理端口和透明隧道端口。
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"liuproxy_tunnel/internal/core/dispatcher"
	"liuproxy_tunnel/internal/core/session"
	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/logger"
	"liuproxy_tunnel/internal/shared/types"
)

// accept 遇到临时错误 (如文件描述符耗尽) 后的等待时间
const acceptBackoff = 50 * time.Millisecond

// TCPDispatcher 由 dispatcher.Dispatcher 实现
type TCPDispatcher interface {
	DispatchTCP(ctx context.Context, sess *session.Session, inbound net.Conn, reply dispatcher.ReplyFunc) dispatcher.Runner
}

// Gateway 在同一个端口上接受 SOCKS5 和 HTTP 代理请求。
type Gateway struct {
	tag        string
	listenAddr string
	listener   net.Listener
	dispatcher TCPDispatcher
	logger     zerolog.Logger
	closeOnce  sync.Once
	waitGroup  sync.WaitGroup
}

func New(tag, listenAddr string, d TCPDispatcher) *Gateway {
	return &Gateway{
		tag:        tag,
		listenAddr: listenAddr,
		dispatcher: d,
		logger:     logger.WithComponent("gateway").With().Str("inbound", tag).Logger(),
	}
}

// InitializeListener 负责监听端口，但不阻塞。返回实际监听地址。
func (g *Gateway) InitializeListener() (net.Addr, error) {
	listener, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("gateway failed to listen on %s: %w", g.listenAddr, err)
	}
	g.listener = listener
	g.logger.Info().Str("listen_addr", listener.Addr().String()).Msg(">>> Gateway is listening on unified port.")
	return listener.Addr(), nil
}

func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Serve 启动阻塞的 accept 循环，监听器关闭后返回 nil。必须在 InitializeListener 之后调用。
func (g *Gateway) Serve(ctx context.Context) error {
	if g.listener == nil {
		return errors.New("gateway: Serve called before InitializeListener")
	}
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				g.logger.Info().Msg("Gateway listener is closing.")
				return nil
			}
			if !errorx.IsTemporary(err) {
				g.logger.Error().Err(err).Msg("Gateway accept loop stopped")
				return err
			}
			g.logger.Warn().Err(err).Msg("Gateway failed to accept connection")
			time.Sleep(acceptBackoff)
			continue
		}
		g.waitGroup.Add(1)
		go g.handleConnection(ctx, conn)
	}
}

func (g *Gateway) handleConnection(ctx context.Context, conn net.Conn) {
	defer g.waitGroup.Done()

	reader := bufio.NewReaderSize(conn, 4096)
	dst, reply, err := g.readTarget(conn, reader)
	if err != nil {
		g.logger.Warn().Err(err).Str("client_ip", conn.RemoteAddr().String()).Msg("Could not determine target")
		conn.Close()
		return
	}

	sess := session.New(g.tag, session.TCP, session.AddrPortOf(conn.RemoteAddr()), dst)
	ctx = session.ContextWithSession(ctx, sess)
	runner := g.dispatcher.DispatchTCP(ctx, sess, newBufferedConn(conn, reader), reply)
	if err := runner(); err != nil {
		session.Logger(ctx).Debug().Err(err).Msg("Gateway: flow ended with error")
	}
}

// readTarget 完成代理协议握手。返回的 reply 在出站拨号结束后回复客户端，
// 成功之后的字节属于目标流。
func (g *Gateway) readTarget(conn net.Conn, reader *bufio.Reader) (session.Destination, dispatcher.ReplyFunc, error) {
	proto, err := detectProtocol(conn, reader, sniffTimeout)
	if err != nil {
		return session.Destination{}, nil, err
	}
	switch proto {
	case types.ProtoSOCKS5:
		dst, err := readSocks5Request(conn, reader)
		if err != nil {
			return dst, nil, err
		}
		return dst, func(dialErr error) error {
			if dialErr != nil {
				_, _ = conn.Write(socks5Failure(dialErr))
				return nil
			}
			if _, err := conn.Write(socks5Success); err != nil {
				return fmt.Errorf("failed to write SOCKS5 success reply: %w", err)
			}
			return nil
		}, nil
	case types.ProtoHTTP:
		dst, req, err := readHTTPRequest(conn, reader)
		if err != nil {
			return dst, nil, err
		}
		connect := req.Method == http.MethodConnect
		return dst, func(dialErr error) error {
			if dialErr != nil {
				_, _ = conn.Write(httpBadGateway)
				return nil
			}
			// 普通的 HTTP GET/POST 请求不需要回复，请求本身原样转发
			if !connect {
				return nil
			}
			if _, err := conn.Write(httpConnectOK); err != nil {
				return fmt.Errorf("failed to write HTTP CONNECT reply: %w", err)
			}
			return nil
		}, nil
	}
	return session.Destination{}, nil, fmt.Errorf("unsupported protocol %s", proto)
}

// Close 关闭监听器。已建立的流由 ctx 取消结束，用 Wait 等待它们退出。
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		if g.listener != nil {
			err = g.listener.Close()
		}
	})
	return err
}

func (g *Gateway) Wait() {
	g.waitGroup.Wait()
}
