//go:build linux

package transport

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/YaoZengzeng/pgm/internal/pgmerr"
)

// multicastSocket is a non-blocking UDP socket joined to a multicast group,
// built directly on golang.org/x/sys/unix: IP_ADD_MEMBERSHIP,
// IP_MULTICAST_TTL and IP_MULTICAST_LOOP all need setting explicitly,
// which net.ListenMulticastUDP's narrower option surface cannot do.
type multicastSocket struct {
	fd   int
	file *os.File
}

// BindConfig describes the local endpoint and multicast group a transport
// binds to.
type BindConfig struct {
	Group         net.IP
	Port          int
	InterfaceAddr net.IP
	Hops          int
	MulticastLoop bool
}

func newMulticastSocket(cfg BindConfig) (*multicastSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, pgmerr.ErrSocket
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, pgmerr.ErrSocket
	}

	sa := &unix.SockaddrInet4{Port: cfg.Port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, pgmerr.ErrSocket
	}

	mreq := &unix.IPMreq{}
	copy(mreq.Multiaddr[:], cfg.Group.To4())
	if cfg.InterfaceAddr != nil {
		copy(mreq.Interface[:], cfg.InterfaceAddr.To4())
	}
	if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		unix.Close(fd)
		return nil, pgmerr.ErrAddressResolution
	}

	if err := unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, byte(cfg.Hops)); err != nil {
		unix.Close(fd)
		return nil, pgmerr.ErrSocket
	}

	loop := byte(0)
	if cfg.MulticastLoop {
		loop = 1
	}
	if err := unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, loop); err != nil {
		unix.Close(fd)
		return nil, pgmerr.ErrSocket
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, pgmerr.ErrSocket
	}

	return &multicastSocket{fd: fd, file: os.NewFile(uintptr(fd), "pgm-socket")}, nil
}

func (s *multicastSocket) WriteTo(b []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, pgmerr.ErrAddressResolution
	}
	sa := &unix.SockaddrInet4{Port: udpAddr.Port}
	copy(sa.Addr[:], udpAddr.IP.To4())
	if err := unix.Sendto(s.fd, b, 0, sa); err != nil {
		if err == unix.EAGAIN {
			return 0, pgmerr.ErrSocket
		}
		return 0, pgmerr.ErrSocket
	}
	return len(b), nil
}

func (s *multicastSocket) ReadFrom(b []byte) (int, net.Addr, error) {
	n, from, err := unix.Recvfrom(s.fd, b, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil, errWouldBlock
		}
		return 0, nil, pgmerr.ErrSocket
	}
	var addr *net.UDPAddr
	if sa4, ok := from.(*unix.SockaddrInet4); ok {
		addr = &net.UDPAddr{IP: net.IP(sa4.Addr[:]), Port: sa4.Port}
	}
	return n, addr, nil
}

func (s *multicastSocket) Fd() int {
	return s.fd
}

func (s *multicastSocket) Close() error {
	return unix.Close(s.fd)
}
