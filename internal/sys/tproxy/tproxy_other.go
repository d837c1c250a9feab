//go:build !linux

package tproxy

import (
	"fmt"
	"net"
	"net/netip"
)

// GetOriginalDst 在非Linux系统上的存根实现
func GetOriginalDst(conn net.Conn) (netip.AddrPort, error) {
	return netip.AddrPort{}, fmt.Errorf("transparent redirect is not supported on this platform")
}
