package main

import (
	"fmt"
	"io"
	"net"
	"strconv"
)

// defaultPort matches config.DefaultAddr.
const defaultPort = 8080

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d (must be 1-65535)", port)
	}
	return nil
}

// resolveAddrCandidates returns the addresses a local CLI command should try,
// in order. An explicit --addr wins over --port.
func resolveAddrCandidates(addr string, port int, explicitPort bool, stderr io.Writer) []string {
	if addr != "" {
		if explicitPort {
			fmt.Fprintf(stderr, "Warning: --addr overrides --port; using %s\n", addr)
		}
		return []string{addr}
	}

	portStr := strconv.Itoa(port)
	addrs := []string{net.JoinHostPort("127.0.0.1", portStr)}
	if ip := GetPreferredOutboundIP(); ip != "" {
		addrs = append(addrs, net.JoinHostPort(ip, portStr))
	}
	return addrs
}

// GetPreferredOutboundIP returns the machine's preferred outbound IPv4 address.
// It dials UDP (no packets are sent) and reads the local address the OS
// routing table picked. Returns "" if detection fails.
func GetPreferredOutboundIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return localAddr.IP.String()
}

// displayHost picks a LAN-reachable host for addresses bound to every
// interface, so printed URLs work from other machines.
func displayHost(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if ip := GetPreferredOutboundIP(); ip != "" {
			host = ip
		} else {
			host = "127.0.0.1"
		}
	}
	return net.JoinHostPort(host, port)
}
