// Package netmon classifies host connectivity and recommends batch
// settings for it.
package netmon

import (
	"context"
	"net"
	"strings"

	"github.com/tinytelemetry/outpost/internal/model"
)

// ConnectionType is the kind of link the host is using.
type ConnectionType string

const (
	ConnEthernet  ConnectionType = "ethernet"
	ConnWiFi      ConnectionType = "wifi"
	ConnMobile    ConnectionType = "mobile"
	ConnVPN       ConnectionType = "vpn"
	ConnBluetooth ConnectionType = "bluetooth"
	ConnOther     ConnectionType = "other"
	ConnNone      ConnectionType = "none"
)

// Class is the bandwidth class derived from a ConnectionType.
type Class string

const (
	ClassUnrestricted  Class = "unrestricted"
	ClassHighBandwidth Class = "high-bandwidth"
	ClassConstrained   Class = "constrained"
	ClassOffline       Class = "offline"
)

// Classify maps a connection type to its bandwidth class.
func Classify(t ConnectionType) Class {
	switch t {
	case ConnEthernet:
		return ClassUnrestricted
	case ConnWiFi, ConnVPN:
		return ClassHighBandwidth
	case ConnMobile, ConnBluetooth, ConnOther:
		return ClassConstrained
	default:
		return ClassOffline
	}
}

// RecommendedConfig returns the batch preset for a class.
func RecommendedConfig(c Class) model.BatchConfig {
	switch c {
	case ClassUnrestricted, ClassHighBandwidth:
		return model.HighBandwidthConfig()
	case ClassConstrained:
		return model.ConstrainedBandwidthConfig()
	default:
		return model.OfflineConfig()
	}
}

// Prober reports the current connection type.
type Prober interface {
	Probe(ctx context.Context) (ConnectionType, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (ConnectionType, error)

func (f ProberFunc) Probe(ctx context.Context) (ConnectionType, error) { return f(ctx) }

// Static always reports the same connection type.
type Static ConnectionType

func (s Static) Probe(context.Context) (ConnectionType, error) { return ConnectionType(s), nil }

// InterfaceProber inspects the host's network interfaces and reports the
// best link that is up, not loopback and has an address.
type InterfaceProber struct {
	// list overrides net.Interfaces in tests.
	list func() ([]iface, error)
}

type iface struct {
	name  string
	up    bool
	loop  bool
	addrs int
}

func systemInterfaces() ([]iface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]iface, 0, len(ifs))
	for _, i := range ifs {
		addrs, _ := i.Addrs()
		out = append(out, iface{
			name:  i.Name,
			up:    i.Flags&net.FlagUp != 0,
			loop:  i.Flags&net.FlagLoopback != 0,
			addrs: len(addrs),
		})
	}
	return out, nil
}

// rank orders link types by preference when several are up.
var rank = map[ConnectionType]int{
	ConnEthernet:  6,
	ConnWiFi:      5,
	ConnVPN:       4,
	ConnMobile:    3,
	ConnBluetooth: 2,
	ConnOther:     1,
	ConnNone:      0,
}

func (p InterfaceProber) Probe(ctx context.Context) (ConnectionType, error) {
	if err := ctx.Err(); err != nil {
		return ConnNone, err
	}
	list := p.list
	if list == nil {
		list = systemInterfaces
	}
	ifs, err := list()
	if err != nil {
		return ConnNone, err
	}
	best := ConnNone
	for _, i := range ifs {
		if !i.up || i.loop || i.addrs == 0 {
			continue
		}
		if t := TypeForInterface(i.name); rank[t] > rank[best] {
			best = t
		}
	}
	return best, nil
}

// TypeForInterface guesses the link type from an interface name.
func TypeForInterface(name string) ConnectionType {
	n := strings.ToLower(name)
	switch {
	case hasAnyPrefix(n, "wlan", "wlp", "wl", "wifi", "ath"):
		return ConnWiFi
	case hasAnyPrefix(n, "eth", "enp", "eno", "ens", "enx", "em", "en"):
		return ConnEthernet
	case hasAnyPrefix(n, "wwan", "rmnet", "ppp", "cdc", "usb", "pdp_ip", "ccmni"):
		return ConnMobile
	case hasAnyPrefix(n, "tun", "tap", "wg", "utun", "ipsec", "tailscale", "zt"):
		return ConnVPN
	case hasAnyPrefix(n, "bnep", "bt", "pan"):
		return ConnBluetooth
	default:
		return ConnOther
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
