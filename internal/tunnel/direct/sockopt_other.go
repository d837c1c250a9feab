//go:build !linux

package direct

import "syscall"

// 非 Linux 平台不支持 SO_MARK 和 SO_BINDTODEVICE
func controlFunc(string, int) func(network, address string, c syscall.RawConn) error {
	return nil
}
