//go:build linux
// +build linux

package node

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

func isFDValid(fd int) bool {
	// Try to get the flags of the file descriptor
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// IsTemporaryError checks if the error is temporary, e.g., EAGAIN or EWOULDBLOCK.
func IsTemporaryError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// CloseFd closes fd unless it is already closed.
func CloseFd(fd int) error {
	if isFDValid(fd) {
		if err := unix.Close(fd); err != nil {
			return err
		}
	}
	return nil
}

// NewEndpoint adopts an open socket fd. The fd is switched to non-blocking mode
// and its addresses are looked up.
func NewEndpoint(fd int, kind Kind) (*Endpoint, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock error for fd %d: %w", fd, err)
	}
	ep := &Endpoint{fd: fd, kind: kind}
	if sa, err := unix.Getsockname(fd); err == nil {
		ep.local = sockaddrToAddr(sa, kind)
	}
	if kind != KindListener {
		if sa, err := unix.Getpeername(fd); err == nil {
			ep.remote = sockaddrToAddr(sa, kind)
		}
	}
	return ep, nil
}

// listen opens a bound non-blocking socket. tcp networks give a listener, udp
// networks a datagram endpoint.
func listen(network, address string) (*Endpoint, error) {
	var (
		ip    net.IP
		port  int
		zone  string
		kind  Kind
		typ   int
		proto int
	)

	switch {
	case strings.HasPrefix(network, "tcp"):
		addr, err := net.ResolveTCPAddr(network, address)
		if err != nil {
			return nil, err
		}
		ip, port, zone = addr.IP, addr.Port, addr.Zone
		kind, typ, proto = KindListener, unix.SOCK_STREAM, unix.IPPROTO_TCP
	case strings.HasPrefix(network, "udp"):
		addr, err := net.ResolveUDPAddr(network, address)
		if err != nil {
			return nil, err
		}
		ip, port, zone = addr.IP, addr.Port, addr.Zone
		kind, typ, proto = KindDatagram, unix.SOCK_DGRAM, unix.IPPROTO_UDP
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}

	domain, sa, err := ipToSockaddr(network, ip, port, zone)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	if kind == KindListener {
		if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("listen %s: %w", address, err)
		}
	}

	ep := &Endpoint{fd: fd, kind: kind}
	if bound, err := unix.Getsockname(fd); err == nil {
		ep.local = sockaddrToAddr(bound, kind)
	}
	return ep, nil
}

func ipToSockaddr(network string, ip net.IP, port int, zone string) (int, unix.Sockaddr, error) {
	if ip4 := ip.To4(); ip4 != nil && !strings.HasSuffix(network, "6") {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa, nil
	}
	if ip == nil && !strings.HasSuffix(network, "6") {
		return unix.AF_INET, &unix.SockaddrInet4{Port: port}, nil
	}
	if ip == nil {
		ip = net.IPv6unspecified
	}
	ip6 := ip.To16()
	if ip6 == nil {
		return 0, nil, fmt.Errorf("invalid address %v", ip)
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip6)
	if zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return unix.AF_INET6, sa, nil
}

func sockaddrToAddr(sa unix.Sockaddr, kind Kind) net.Addr {
	var (
		ip   net.IP
		port int
	)
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip = net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3])
		port = addr.Port
	case *unix.SockaddrInet6:
		ip = net.IP(append([]byte(nil), addr.Addr[:]...))
		port = addr.Port
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: addr.Name, Net: "unix"}
	default:
		return nil
	}
	if kind == KindDatagram {
		return &net.UDPAddr{IP: ip, Port: port}
	}
	return &net.TCPAddr{IP: ip, Port: port}
}

func addrToSockaddr(addr net.Addr) (unix.Sockaddr, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		_, sa, err := ipToSockaddr("udp", a.IP, a.Port, a.Zone)
		return sa, err
	case *net.TCPAddr:
		_, sa, err := ipToSockaddr("tcp", a.IP, a.Port, a.Zone)
		return sa, err
	}
	return nil, fmt.Errorf("unsupported address %v", addr)
}
