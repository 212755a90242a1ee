// Package netinfo answers the tracker's network-quality query.
package netinfo

import (
	"net"
	"strings"
)

// Monitor reports whether a wireless LAN link is available.
type Monitor interface {
	WifiEnabled() bool
}

// DefaultWirelessPrefixes matches the interface names Linux and BSD assign to
// wireless adapters.
var DefaultWirelessPrefixes = []string{"wl", "wlan", "wifi", "ath", "iwn", "iwm"}

// InterfaceMonitor inspects the host's network interfaces.
type InterfaceMonitor struct {
	prefixes   []string
	interfaces func() ([]net.Interface, error)
}

func NewInterfaceMonitor(prefixes ...string) *InterfaceMonitor {
	if len(prefixes) == 0 {
		prefixes = DefaultWirelessPrefixes
	}
	return &InterfaceMonitor{prefixes: prefixes, interfaces: net.Interfaces}
}

func (m *InterfaceMonitor) WifiEnabled() bool {
	ifaces, err := m.interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		for _, prefix := range m.prefixes {
			if strings.HasPrefix(iface.Name, prefix) {
				return true
			}
		}
	}
	return false
}

// Static is a Monitor with a fixed answer.
type Static bool

func (s Static) WifiEnabled() bool { return bool(s) }
