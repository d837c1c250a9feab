//go:build linux

package direct

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func controlFunc(iface string, mark int) func(network, address string, c syscall.RawConn) error {
	if iface == "" && mark == 0 {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if mark != 0 {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark); sockErr != nil {
					return
				}
			}
			if iface != "" {
				sockErr = unix.BindToDevice(int(fd), iface)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
