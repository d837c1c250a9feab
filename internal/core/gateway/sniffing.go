package gateway

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"liuproxy_tunnel/internal/core/session"
	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/types"
)

const (
	socks5Version    = 0x05
	socks5CmdConnect = 0x01

	sniffTimeout = 2 * time.Second
)

var (
	socks5Success        = []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	socks5CmdUnsupported = []byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	httpConnectOK        = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")
	httpBadGateway       = []byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
)

// SOCKS5 REP 字段
const (
	socks5RepGeneralFailure  = 0x01
	socks5RepHostUnreachable = 0x04
	socks5RepConnRefused     = 0x05
)

// socks5Failure 按失败类型生成 SOCKS5 错误回复
func socks5Failure(err error) []byte {
	rep := byte(socks5RepGeneralFailure)
	switch {
	case errors.Is(err, errorx.ErrResolution):
		rep = socks5RepHostUnreachable
	case errors.Is(err, errorx.ErrDial):
		rep = socks5RepConnRefused
	}
	return []byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
}

// detectProtocol 根据第一个字节判断入站协议
func detectProtocol(conn net.Conn, reader *bufio.Reader, timeout time.Duration) (types.Protocol, error) {
	if err := fillBuffer(conn, reader, 1, timeout); err != nil {
		return types.ProtoUnknown, fmt.Errorf("failed to read initial byte: %w", err)
	}
	firstByte, _ := reader.Peek(1)
	switch {
	case firstByte[0] == socks5Version:
		return types.ProtoSOCKS5, nil
	case firstByte[0] == 0x16:
		return types.ProtoTLS, nil
	case firstByte[0] >= 'A' && firstByte[0] <= 'Z':
		return types.ProtoHTTP, nil
	}
	return types.ProtoUnknown, fmt.Errorf("could not determine protocol, initial byte: 0x%02x", firstByte[0])
}

// readSocks5Request 完成无认证握手并读出 CONNECT 请求，请求字节全部被消费。
func readSocks5Request(conn net.Conn, reader *bufio.Reader) (session.Destination, error) {
	if err := handleSocks5ClientHandshake(conn, reader); err != nil {
		return session.Destination{}, err
	}

	conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	defer conn.SetReadDeadline(time.Time{})

	reqHeader := make([]byte, 4)
	if _, err := io.ReadFull(reader, reqHeader); err != nil {
		return session.Destination{}, err
	}
	if reqHeader[0] != socks5Version {
		return session.Destination{}, fmt.Errorf("unexpected SOCKS version %d", reqHeader[0])
	}
	if reqHeader[1] != socks5CmdConnect {
		conn.Write(socks5CmdUnsupported)
		return session.Destination{}, fmt.Errorf("unsupported SOCKS5 command %d", reqHeader[1])
	}

	var host string
	switch reqHeader[3] {
	case 0x01: // IPv4
		ip := make([]byte, 4)
		if _, err := io.ReadFull(reader, ip); err != nil {
			return session.Destination{}, err
		}
		host = net.IP(ip).String()
	case 0x03: // Domain
		l, err := reader.ReadByte()
		if err != nil {
			return session.Destination{}, err
		}
		name := make([]byte, l)
		if _, err := io.ReadFull(reader, name); err != nil {
			return session.Destination{}, err
		}
		host = string(name)
	case 0x04: // IPv6
		ip := make([]byte, 16)
		if _, err := io.ReadFull(reader, ip); err != nil {
			return session.Destination{}, err
		}
		host = net.IP(ip).String()
	default:
		return session.Destination{}, fmt.Errorf("unsupported SOCKS5 address type: %d", reqHeader[3])
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(reader, portBytes); err != nil {
		return session.Destination{}, err
	}
	return session.NewDestination(host, binary.BigEndian.Uint16(portBytes)), nil
}

// handleSocks5ClientHandshake 处理 SOCKS5 的客户端握手阶段。
func handleSocks5ClientHandshake(conn net.Conn, reader *bufio.Reader) error {
	conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	defer conn.SetReadDeadline(time.Time{})

	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return err
	}
	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(reader, methods); err != nil {
		return err
	}
	_, err := conn.Write([]byte{socks5Version, 0x00})
	return err
}

// readHTTPRequest 解析代理请求的目标。CONNECT 的请求头被消费掉；
// 普通请求保留在缓冲区中，原样转发给目标。
func readHTTPRequest(conn net.Conn, reader *bufio.Reader) (session.Destination, *http.Request, error) {
	headerLen, err := peekHTTPHeader(conn, reader)
	if err != nil {
		return session.Destination{}, nil, err
	}
	data, _ := reader.Peek(headerLen)
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return session.Destination{}, nil, fmt.Errorf("could not parse HTTP request: %w", err)
	}

	host := req.Host
	if host == "" {
		return session.Destination{}, req, fmt.Errorf("HTTP request host is empty")
	}
	// Host 没有端口时按协议补充默认端口
	if _, _, err := net.SplitHostPort(host); err != nil {
		if req.Method == http.MethodConnect {
			host = net.JoinHostPort(host, "443")
		} else {
			host = net.JoinHostPort(strings.Trim(host, "[]"), "80")
		}
	}
	dst, err := session.ParseDestination(host)
	if err != nil {
		return session.Destination{}, req, err
	}
	if req.Method == http.MethodConnect {
		if _, err := reader.Discard(headerLen); err != nil {
			return session.Destination{}, req, err
		}
	}
	return dst, req, nil
}

// peekHTTPHeader 等到完整的请求头进入缓冲区，返回请求头长度。
func peekHTTPHeader(conn net.Conn, reader *bufio.Reader) (int, error) {
	conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		data, _ := reader.Peek(reader.Buffered())
		if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
			return idx + 4, nil
		}
		if reader.Buffered() >= reader.Size() {
			return 0, fmt.Errorf("HTTP request header exceeds %d bytes", reader.Size())
		}
		if _, err := reader.Peek(reader.Buffered() + 1); err != nil {
			return 0, err
		}
	}
}

// sniffHost 被动嗅探 TLS SNI 或 HTTP Host，不消费任何数据。失败时返回空字符串。
func sniffHost(conn net.Conn, reader *bufio.Reader, timeout time.Duration) string {
	proto, err := detectProtocol(conn, reader, timeout)
	if err != nil {
		return ""
	}
	switch proto {
	case types.ProtoTLS:
		host, _ := sniffTargetTLS(conn, reader)
		return host
	case types.ProtoHTTP:
		if _, err := peekHTTPHeader(conn, reader); err != nil {
			return ""
		}
		data, _ := reader.Peek(reader.Buffered())
		req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
		if err != nil {
			return ""
		}
		if h, _, err := net.SplitHostPort(req.Host); err == nil {
			return h
		}
		return req.Host
	}
	return ""
}

// sniffTargetTLS 被动嗅探 TLS ClientHello 中的 SNI (Server Name Indication)
func sniffTargetTLS(conn net.Conn, reader *bufio.Reader) (string, error) {
	// 确保缓冲区至少有5个字节 (TLS Record Header)
	if err := fillBuffer(conn, reader, 5, sniffTimeout); err != nil {
		return "", err
	}
	header, _ := reader.Peek(5)
	if header[0] != 0x16 {
		return "", fmt.Errorf("not a TLS handshake record")
	}
	if header[1] != 0x03 {
		return "", fmt.Errorf("unexpected TLS major version: %d", header[1])
	}

	totalHelloLen := 5 + int(binary.BigEndian.Uint16(header[3:5]))
	if totalHelloLen > reader.Size() {
		return "", fmt.Errorf("ClientHello larger than sniff buffer")
	}
	if err := fillBuffer(conn, reader, totalHelloLen, sniffTimeout); err != nil {
		return "", fmt.Errorf("buffer does not contain full TLS ClientHello")
	}

	data, _ := reader.Peek(totalHelloLen)
	return parseServerName(data[5:])
}

func parseServerName(data []byte) (string, error) {
	if len(data) < 42 {
		return "", fmt.Errorf("invalid ClientHello: too short")
	}
	if data[0] != 0x01 {
		return "", fmt.Errorf("not a ClientHello message")
	}

	// handshake header (4) + client_version (2) + random (32)
	offset := 38
	sessionIDLen := int(data[offset])
	offset += 1 + sessionIDLen
	if offset+2 > len(data) {
		return "", fmt.Errorf("invalid ClientHello: session ID parsing error")
	}

	cipherSuitesLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2 + cipherSuitesLen
	if offset+1 > len(data) {
		return "", fmt.Errorf("invalid ClientHello: cipher suites parsing error")
	}

	compressionMethodsLen := int(data[offset])
	offset += 1 + compressionMethodsLen
	if offset+2 > len(data) {
		return "", fmt.Errorf("no extensions found")
	}

	extensionsLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if offset+extensionsLen > len(data) {
		return "", fmt.Errorf("invalid ClientHello: extensions length mismatch")
	}
	ext := data[offset : offset+extensionsLen]

	for len(ext) >= 4 {
		extType := binary.BigEndian.Uint16(ext[0:2])
		extLen := int(binary.BigEndian.Uint16(ext[2:4]))
		ext = ext[4:]
		if len(ext) < extLen {
			return "", fmt.Errorf("invalid extension length")
		}
		if extType == 0x0000 { // SNI
			sni := ext[:extLen]
			if len(sni) < 5 {
				return "", fmt.Errorf("invalid SNI data")
			}
			sni = sni[2:]
			if sni[0] != 0x00 {
				return "", fmt.Errorf("unsupported SNI name type: %d", sni[0])
			}
			nameLen := int(binary.BigEndian.Uint16(sni[1:3]))
			sni = sni[3:]
			if len(sni) < nameLen {
				return "", fmt.Errorf("invalid SNI name length")
			}
			return string(sni[:nameLen]), nil
		}
		ext = ext[extLen:]
	}
	return "", fmt.Errorf("SNI not found")
}

// fillBuffer 确保 reader 的缓冲区至少有 n 个字节，带超时。
func fillBuffer(conn net.Conn, reader *bufio.Reader, n int, timeout time.Duration) error {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})
	_, err := reader.Peek(n)
	return err
}
