// Package netutil resolves the local addresses partisan advertises to
// the rest of the cluster, adapted from ctrliq-beskar's pkg/netutil.
// The route-table lookup helper that depended on
// vishvananda/netlink has been dropped: partisan nodes advertise their
// configured listen addresses rather than discovering a default route,
// so only the local-interface enumeration survives.
package netutil

import "net"

// LocalIPs returns every non-loopback IP address bound to a local
// network interface.
func LocalIPs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() {
			continue
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

// LocalOutboundIPs returns the local address(es) the OS would select to
// reach each of the given remote hosts, by dialing a UDP socket and
// inspecting the bound local address without sending any packets.
func LocalOutboundIPs(remotes []string) ([]net.IP, error) {
	var ips []net.IP
	for _, remote := range remotes {
		conn, err := net.Dial("udp", remote)
		if err != nil {
			return nil, err
		}
		if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			ips = append(ips, local.IP)
		}
		conn.Close()
	}
	return ips, nil
}

// HasPort reports whether addr already carries an explicit port
// suffix, so callers can avoid double-appending one.
func HasPort(addr string) bool {
	_, _, err := net.SplitHostPort(addr)
	return err == nil
}
