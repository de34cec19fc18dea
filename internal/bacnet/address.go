package bacnet

import (
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// Bind address defaults.
const (
	// DefaultPort is the BACnet/IP UDP port (0xBAC0).
	DefaultPort = 47808

	// DefaultPrefix is the subnet prefix assumed when none is given.
	DefaultPrefix = 24

	maxPrefix = 32
	maxPort   = 65535
)

var bindAddrRe = regexp.MustCompile(`^\s*(\d{1,3}(?:\.\d{1,3}){3})(?:/(\d{1,2}))?(?::(\d{1,5}))?\s*$`)

// BindAddress is the local device's BACnet/IP address.
//
// Format: IPv4[/prefix][:port]
//   - IPv4:   dotted quad, every octet 0-255
//   - prefix: 0-32 (default 24)
//   - port:   1-65535 (default 47808)
type BindAddress struct {
	IP     netip.Addr
	Prefix int
	Port   int
}

// ParseBindAddress parses an address of the form IPv4[/prefix][:port].
//
// Parameters:
//   - s: Address string, e.g. "192.168.1.10/24:47808"
//
// Returns:
//   - BindAddress: Parsed address with defaults applied
//   - error: ErrInvalidAddress if parsing fails
func ParseBindAddress(s string) (BindAddress, error) {
	m := bindAddrRe.FindStringSubmatch(s)
	if m == nil {
		return BindAddress{}, fmt.Errorf("%w: expected IPv4[/prefix][:port], got %q", ErrInvalidAddress, s)
	}

	ip, err := netip.ParseAddr(m[1])
	if err != nil || !ip.Is4() {
		return BindAddress{}, fmt.Errorf("%w: invalid IPv4 address %q", ErrInvalidAddress, m[1])
	}

	addr := BindAddress{IP: ip, Prefix: DefaultPrefix, Port: DefaultPort}

	if m[2] != "" {
		prefix, convErr := strconv.Atoi(m[2])
		if convErr != nil || prefix > maxPrefix {
			return BindAddress{}, fmt.Errorf("%w: prefix must be 0-%d, got %q", ErrInvalidAddress, maxPrefix, m[2])
		}
		addr.Prefix = prefix
	}

	if m[3] != "" {
		port, convErr := strconv.Atoi(m[3])
		if convErr != nil || port < 1 || port > maxPort {
			return BindAddress{}, fmt.Errorf("%w: port must be 1-%d, got %q", ErrInvalidAddress, maxPort, m[3])
		}
		addr.Port = port
	}

	return addr, nil
}

// String returns the canonical "ip/prefix:port" form.
func (a BindAddress) String() string {
	return fmt.Sprintf("%s/%d:%d", a.IP, a.Prefix, a.Port)
}

// UDPAddr returns the address as a UDP endpoint.
func (a BindAddress) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(a.IP, uint16(a.Port))) //nolint:gosec // port validated 1-65535
}

// Broadcast returns the directed broadcast address of the subnet.
func (a BindAddress) Broadcast() netip.Addr {
	b := a.IP.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if a.Prefix < maxPrefix {
		v |= (1 << uint(maxPrefix-a.Prefix)) - 1
	}
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// ResolveBindAddress parses s, or detects the primary local IPv4 when s is empty.
func ResolveBindAddress(s string) (BindAddress, error) {
	if strings.TrimSpace(s) != "" {
		return ParseBindAddress(s)
	}
	ip, err := detectLocalIPv4()
	if err != nil {
		return BindAddress{}, fmt.Errorf("%w: no address given and detection failed: %w", ErrInvalidAddress, err)
	}
	return BindAddress{IP: ip, Prefix: DefaultPrefix, Port: DefaultPort}, nil
}

// detectLocalIPv4 returns the first non-loopback IPv4 interface address.
func detectLocalIPv4() (netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("listing interface addresses: %w", err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is4() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			return ip, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("no non-loopback IPv4 address found")
}

// ValidateInstance checks a device or object instance number.
func ValidateInstance(instance int) error {
	if instance < 0 || instance > MaxInstance {
		return fmt.Errorf("%w: must be 0-%d, got %d", ErrInvalidInstance, MaxInstance, instance)
	}
	return nil
}
