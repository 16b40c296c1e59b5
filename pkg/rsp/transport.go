package rsp

import (
	"fmt"
	"net"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// transport owns the multicast UDP socket and feeds a chanReactor from a
// dedicated read goroutine.
type transport struct {
	conn    *net.UDPConn
	group   *net.UDPAddr
	mtu     int
	reactor *chanReactor
}

// transportConfig carries the tunables newTransport needs from Config
// without importing the config package (kept dependency-free in this
// direction; internal/config imports rsp, not the other way around).
type transportConfig struct {
	GroupAddress string
	Interface    string
	MTU          int
	TTL          int
}

func newTransport(cfg transportConfig) (*transport, error) {
	group, err := net.ResolveUDPAddr("udp", cfg.GroupAddress)
	if err != nil {
		return nil, fmt.Errorf("rsp: resolve multicast group: %w", err)
	}

	var iface *net.Interface
	if cfg.Interface != "" {
		iface, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("rsp: lookup interface %q: %w", cfg.Interface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp", iface, group)
	if err != nil {
		return nil, fmt.Errorf("rsp: listen multicast udp: %w", err)
	}

	if err := tuneSocket(conn, cfg.TTL); err != nil {
		conn.Close()
		return nil, err
	}

	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = defaultMTU
	}

	t := &transport{
		conn:    conn,
		group:   group,
		mtu:     mtu,
		reactor: newChanReactor(),
	}
	go t.readLoop()
	return t, nil
}

// tuneSocket reaches past net.UDPConn's portable surface for
// SO_REUSEADDR/SO_REUSEPORT (so several group members can share one port on
// a single test host) and the multicast TTL, extracting the raw descriptor
// with netfd the way a Prometheus exporter extracts a socket's fd to read
// its TCP_INFO.
func tuneSocket(conn *net.UDPConn, ttl int) error {
	fd := netfd.GetFdFromConn(conn)
	if fd <= 0 {
		return fmt.Errorf("rsp: could not extract socket descriptor")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("rsp: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("rsp: SO_REUSEPORT: %w", err)
	}
	if ttl > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl); err != nil {
			return fmt.Errorf("rsp: IP_MULTICAST_TTL: %w", err)
		}
	}
	// DATA datagrams are self-delivered explicitly in Connection.sendData,
	// so the kernel's own multicast loopback would only hand us a second,
	// redundant copy of everything we send.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, 0); err != nil {
		return fmt.Errorf("rsp: IP_MULTICAST_LOOP: %w", err)
	}
	return nil
}

func (t *transport) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.reactor.close()
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		t.reactor.deliver(data, addr{ip: src.IP.String(), port: src.Port})
	}
}

func (t *transport) send(b []byte) error {
	_, err := t.conn.WriteToUDP(b, t.group)
	return err
}

func (t *transport) close() error {
	t.reactor.close()
	return t.conn.Close()
}
