package httpproxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"liuproxy_tunnel/internal/core/session"
	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/types"
)

// connectServer 是一个最小的 CONNECT 代理，目标一律连到 backend；
// wantAuth 不为空时校验 Proxy-Authorization。
func connectServer(t *testing.T, backend, wantAuth string, seen chan<- string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				req, err := http.ReadRequest(r)
				if err != nil {
					return
				}
				seen <- req.Host
				if wantAuth != "" && req.Header.Get("Proxy-Authorization") != wantAuth {
					c.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
					return
				}
				up, err := net.Dial("tcp", backend)
				if err != nil {
					c.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
					return
				}
				defer up.Close()
				c.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
				go io.Copy(up, r)
				io.Copy(c, up)
			}(c)
		}
	}()
	return ln.Addr().String()
}

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func proxyConf(t *testing.T, addr, user, pass string) types.ProxyConf {
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return types.ProxyConf{Tag: "Upstream", Type: "http", Host: host, Port: port, Username: user, Password: pass}
}

func TestDialTCPThroughConnect(t *testing.T) {
	seen := make(chan string, 1)
	addr := connectServer(t, echoServer(t), "Basic dXNlcjpwYXNz", seen)
	o := New(proxyConf(t, addr, "user", "pass"), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := o.DialTCP(ctx, session.NewDestination("hidden.example", 443))
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, "hidden.example:443", <-seen)

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	stats := o.TrafficStats()
	require.EqualValues(t, 5, stats.Uplink)
	require.EqualValues(t, 5, stats.Downlink)
}

func TestDialTCPRefused(t *testing.T) {
	seen := make(chan string, 1)
	addr := connectServer(t, echoServer(t), "Basic c29tZW9uZTplbHNl", seen)
	o := New(proxyConf(t, addr, "user", "pass"), time.Second)

	_, err := o.DialTCP(context.Background(), session.NewDestination("example.com", 80))
	require.ErrorIs(t, err, errorx.ErrDial)
	require.Contains(t, err.Error(), "407")
}

func TestDialPacketUnsupported(t *testing.T) {
	o := New(types.ProxyConf{Tag: "Upstream", Host: "127.0.0.1", Port: 1}, time.Second)
	_, err := o.DialPacket(context.Background(), session.NewDestination("8.8.8.8", 53))
	require.ErrorIs(t, err, errorx.ErrDial)
	require.ErrorIs(t, err, ErrUDPUnsupported)
}
