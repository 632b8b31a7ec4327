//go:build !unix

package announce

import "syscall"

func controlSocket(network, address string, c syscall.RawConn) error {
	return nil
}
