package discovery

import (
	"context"
	"os"

	"github.com/grandcat/zeroconf"

	"github.com/bitsperity/homegrow-core/internal/infrastructure/logging"
)

func init() {
	RegisterBackend("zeroconf", newZeroconfBackend)
}

// zeroconfBackend publishes through grandcat/zeroconf, one proxy server per
// record so each can be retracted on its own.
type zeroconfBackend struct {
	slot     arena
	hostname string
	logger   *logging.Logger
}

func newZeroconfBackend(logger *logging.Logger) (Backend, error) {
	return &zeroconfBackend{hostname: localHostname(), logger: logger}, nil
}

func (b *zeroconfBackend) Name() string { return "zeroconf" }

func (b *zeroconfBackend) Acquire() (Responder, error) {
	if err := b.slot.claim(); err != nil {
		return nil, err
	}
	return &zeroconfResponder{
		backend: b,
		servers: newHandleSet[*zeroconf.Server]("zeroconf"),
	}, nil
}

func (b *zeroconfBackend) Browse(ctx context.Context, serviceType string, found func(Peer)) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		// The resolver closes entries once ctx is done.
		for entry := range entries {
			found(peerFromZeroconf(entry))
		}
	}()

	if err := resolver.Browse(ctx, ServiceTypeFor(serviceType), Domain, entries); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

type zeroconfResponder struct {
	backend *zeroconfBackend
	servers *handleSet[*zeroconf.Server]
}

func (r *zeroconfResponder) Publish(ctx context.Context, desc ServiceDescriptor, ip string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.servers.isClosed() {
		return "", ErrResponderClosed
	}

	server, err := zeroconf.RegisterProxy(
		desc.Name,
		desc.ServiceType(),
		Domain,
		int(desc.Port),
		r.backend.hostname,
		[]string{ip},
		desc.TXTRecords(),
		nil,
	)
	if err != nil {
		return "", err
	}

	h, err := r.servers.add(desc.Name, server)
	if err != nil {
		server.Shutdown()
		return "", err
	}
	r.backend.logger.Debug("record registered",
		"name", desc.Name, "service", desc.ServiceType(), "port", desc.Port, "ip", ip, "host", r.backend.hostname)
	return h, nil
}

func (r *zeroconfResponder) Unpublish(h Handle) error {
	server, err := r.servers.take(h)
	if err != nil {
		return err
	}
	server.Shutdown()
	return nil
}

func (r *zeroconfResponder) Close() error {
	rest, ok := r.servers.closeAll()
	if !ok {
		return nil
	}
	for _, server := range rest {
		server.Shutdown()
	}
	r.backend.slot.release()
	return nil
}

func peerFromZeroconf(entry *zeroconf.ServiceEntry) Peer {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return Peer{
		Name:      entry.Instance,
		Host:      entry.HostName,
		Port:      entry.Port,
		Addresses: addrs,
		TXT:       parseTXT(entry.Text),
	}
}

func localHostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "homegrow"
	}
	return host
}
