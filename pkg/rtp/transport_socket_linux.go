//go:build linux

package rtp

import (
	"net"

	"golang.org/x/sys/unix"
)

// DSCPAssuredForwarding AF41 для интерактивного видео (RFC 4594)
const DSCPAssuredForwarding = 34

// setSockOptForMedia выставляет приоритет сокета и DSCP маркировку.
// Ошибки установки игнорируются: в контейнерах опции могут быть недоступны.
func setSockOptForMedia(conn *net.UDPConn) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	return rawConn.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 5)
		// DSCP находится в старших 6 битах TOS
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, DSCPAssuredForwarding<<2)
	})
}
