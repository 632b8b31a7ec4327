//go:build !linux

package rtp

import "net"

func setSockOptForMedia(conn *net.UDPConn) error {
	return nil
}
