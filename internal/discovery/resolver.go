package discovery

import (
	"net"

	"github.com/bitsperity/homegrow-core/internal/infrastructure/logging"
)

// LoopbackIP is advertised when no usable interface address exists.
const LoopbackIP = "127.0.0.1"

// DefaultInterfacePriority lists wired names, then wireless, then the
// platform default names.
var DefaultInterfacePriority = []string{"eth0", "en0", "wlan0", "Wi-Fi", "Ethernet"}

// NetInterface is one row of the host interface table.
type NetInterface struct {
	Name  string
	Addrs []NetAddr
}

// NetAddr is an address bound to an interface. Internal marks loopback.
type NetAddr struct {
	IP       net.IP
	Internal bool
}

// InterfaceSource enumerates host interfaces in a stable order.
type InterfaceSource interface {
	Interfaces() ([]NetInterface, error)
}

// InterfaceSourceFunc adapts a function to InterfaceSource.
type InterfaceSourceFunc func() ([]NetInterface, error)

// Interfaces calls f.
func (f InterfaceSourceFunc) Interfaces() ([]NetInterface, error) { return f() }

// SystemInterfaces reads the table from the operating system. Interfaces that
// are down are skipped.
var SystemInterfaces InterfaceSource = InterfaceSourceFunc(systemInterfaces)

func systemInterfaces() ([]NetInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	table := make([]NetInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		row := NetInterface{Name: iface.Name}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			row.Addrs = append(row.Addrs, NetAddr{
				IP:       ipNet.IP,
				Internal: iface.Flags&net.FlagLoopback != 0 || ipNet.IP.IsLoopback(),
			})
		}
		table = append(table, row)
	}
	return table, nil
}

// InterfaceResolver picks the IPv4 address this node advertises.
//
// It holds no state between calls: the same interface table always yields
// the same address.
type InterfaceResolver struct {
	priority []string
	source   InterfaceSource
	logger   *logging.Logger
}

// NewInterfaceResolver creates a resolver. An empty priority list uses
// DefaultInterfacePriority; a nil source uses SystemInterfaces.
func NewInterfaceResolver(priority []string, source InterfaceSource, logger *logging.Logger) *InterfaceResolver {
	if len(priority) == 0 {
		priority = DefaultInterfacePriority
	}
	if source == nil {
		source = SystemInterfaces
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &InterfaceResolver{
		priority: append([]string(nil), priority...),
		source:   source,
		logger:   logger.With("component", "discovery.resolver"),
	}
}

// Resolve returns the advertised IPv4 address. It never fails; an unreadable
// interface table is treated as empty and resolves to LoopbackIP.
func (r *InterfaceResolver) Resolve() string {
	table, err := r.source.Interfaces()
	if err != nil {
		r.logger.Warn("listing network interfaces failed", "error", err)
		table = nil
	}

	for _, name := range r.priority {
		for _, iface := range table {
			if iface.Name != name {
				continue
			}
			if ip, ok := firstExternalIPv4(iface); ok {
				r.logger.Debug("advertising on priority interface", "interface", name, "ip", ip)
				return ip
			}
		}
	}

	for _, iface := range table {
		if ip, ok := firstExternalIPv4(iface); ok {
			r.logger.Debug("advertising on first usable interface", "interface", iface.Name, "ip", ip)
			return ip
		}
	}

	r.logger.Warn("no non-loopback IPv4 address found, advertising loopback", "ip", LoopbackIP)
	return LoopbackIP
}

func firstExternalIPv4(iface NetInterface) (string, bool) {
	for _, a := range iface.Addrs {
		if a.Internal {
			continue
		}
		if v4 := a.IP.To4(); v4 != nil {
			return v4.String(), true
		}
	}
	return "", false
}
