//go:build linux

package tproxy

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SO_ORIGINAL_DST 与 IP6T_SO_ORIGINAL_DST 的值相同
const SO_ORIGINAL_DST = 80

// GetOriginalDst 从一个被 iptables REDIRECT 的 TCP 连接中获取其原始目标地址
func GetOriginalDst(conn net.Conn) (netip.AddrPort, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("not a TCP connection")
	}
	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to get raw connection: %w", err)
	}

	var dst netip.AddrPort
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		// sockaddr_in 被装在 ipv6_mreq 的前 8 个字节里:
		// sin_family (2), sin_port (2, 网络字节序), sin_addr (4)
		mreq, err4 := unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, SO_ORIGINAL_DST)
		if err4 == nil {
			addr := netip.AddrFrom4([4]byte(mreq.Multiaddr[4:8]))
			dst = netip.AddrPortFrom(addr, binary.BigEndian.Uint16(mreq.Multiaddr[2:4]))
			return
		}
		info, err6 := unix.GetsockoptIPv6MTUInfo(int(fd), unix.IPPROTO_IPV6, SO_ORIGINAL_DST)
		if err6 != nil {
			sockErr = fmt.Errorf("getsockopt(SO_ORIGINAL_DST) failed: %w", err4)
			return
		}
		// RawSockaddrInet6.Port 在内存中是网络字节序
		port := binary.BigEndian.Uint16((*[2]byte)(unsafe.Pointer(&info.Addr.Port))[:])
		dst = netip.AddrPortFrom(netip.AddrFrom16(info.Addr.Addr).Unmap(), port)
	})
	if err != nil {
		return netip.AddrPort{}, err
	}
	return dst, sockErr
}
