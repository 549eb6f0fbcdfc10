package discovery

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/bitsperity/homegrow-core/internal/infrastructure/logging"
)

// hashicorpQueryWindow is used when the browse context has no deadline.
const hashicorpQueryWindow = 5 * time.Second

func init() {
	RegisterBackend("hashicorp", newHashicorpBackend)
}

// hashicorpBackend publishes through hashicorp/mdns, one server per zone.
type hashicorpBackend struct {
	slot   arena
	logger *logging.Logger
}

func newHashicorpBackend(logger *logging.Logger) (Backend, error) {
	return &hashicorpBackend{logger: logger}, nil
}

func (b *hashicorpBackend) Name() string { return "hashicorp" }

func (b *hashicorpBackend) Acquire() (Responder, error) {
	if err := b.slot.claim(); err != nil {
		return nil, err
	}
	return &hashicorpResponder{
		backend: b,
		servers: newHandleSet[*mdns.Server]("hashicorp"),
	}, nil
}

func (b *hashicorpBackend) Browse(ctx context.Context, serviceType string, found func(Peer)) error {
	service := ServiceTypeFor(serviceType)
	window := hashicorpQueryWindow
	if deadline, ok := ctx.Deadline(); ok {
		window = time.Until(deadline)
	}

	// Query drops answers when the channel is full, so keep it drained.
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			found(peerFromHashicorp(entry, service))
		}
	}()

	err := mdns.QueryContext(ctx, &mdns.QueryParam{
		Service:     service,
		Domain:      strings.TrimSuffix(Domain, "."),
		Timeout:     window,
		Entries:     entries,
		DisableIPv6: true,
	})
	close(entries)
	<-done
	return err
}

type hashicorpResponder struct {
	backend *hashicorpBackend
	servers *handleSet[*mdns.Server]
}

func (r *hashicorpResponder) Publish(ctx context.Context, desc ServiceDescriptor, ip string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.servers.isClosed() {
		return "", ErrResponderClosed
	}

	var ips []net.IP
	if parsed := net.ParseIP(ip); parsed != nil {
		ips = []net.IP{parsed}
	}

	zone, err := mdns.NewMDNSService(desc.Name, desc.ServiceType(), "", "", int(desc.Port), ips, desc.TXTRecords())
	if err != nil {
		return "", err
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return "", err
	}

	h, err := r.servers.add(desc.Name, server)
	if err != nil {
		_ = server.Shutdown()
		return "", err
	}
	r.backend.logger.Debug("zone served", "name", desc.Name, "service", desc.ServiceType(), "port", desc.Port, "ip", ip)
	return h, nil
}

func (r *hashicorpResponder) Unpublish(h Handle) error {
	server, err := r.servers.take(h)
	if err != nil {
		return err
	}
	return server.Shutdown()
}

func (r *hashicorpResponder) Close() error {
	rest, ok := r.servers.closeAll()
	if !ok {
		return nil
	}
	var firstErr error
	for _, server := range rest {
		if err := server.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.backend.slot.release()
	return firstErr
}

func peerFromHashicorp(entry *mdns.ServiceEntry, service string) Peer {
	var addrs []string
	if entry.AddrV4 != nil {
		addrs = append(addrs, entry.AddrV4.String())
	}
	if entry.AddrV6 != nil {
		addrs = append(addrs, entry.AddrV6.String())
	}

	// Entry names are fully qualified: "<instance>.<service>.local."
	name := strings.TrimSuffix(entry.Name, "."+service+"."+Domain)
	name = strings.ReplaceAll(name, `\ `, " ")

	return Peer{
		Name:      name,
		Host:      entry.Host,
		Port:      entry.Port,
		Addresses: addrs,
		TXT:       parseTXT(entry.InfoFields),
	}
}
