//go:build unix

package announce

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocket включает SO_REUSEADDR, чтобы перезапущенный процесс мог сразу
// занять хорошо известный порт сигнализации
func controlSocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
