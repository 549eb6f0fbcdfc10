// Package discovery announces this HomeGrow node on the local network over
// multicast DNS and finds other HomeGrow nodes.
//
// The package is built from four parts:
//
//   - InterfaceResolver picks the single IPv4 address the node advertises,
//     walking a priority list of interface names and falling back to the first
//     non-loopback address, then to 127.0.0.1.
//   - Announcer owns the published records. Start publishes the fixed
//     API/MQTT/WebSocket triad in order and stops at the first failure without
//     rolling back. Stop always clears every record, even when individual
//     unpublish calls fail.
//   - Browser runs a time-boxed scan and returns every peer whose instance
//     name carries the product marker, in arrival order.
//   - Announcer.Status is a lock-protected snapshot for health checks.
//
// # Responder ownership
//
// The multicast responder is a process-wide resource. A Backend hands out at
// most one live Responder at a time: Acquire fails with ErrResponderInUse
// until the previous Responder has been closed. Only the Announcer acquires
// and closes it; the Browser uses the backend's read-only Scanner side.
//
// # Backends
//
// Two backends are registered by name:
//
//	zeroconf   github.com/grandcat/zeroconf (default)
//	hashicorp  github.com/hashicorp/mdns
//
// # Usage
//
//	backend, err := discovery.NewBackend(cfg.Discovery.Backend, logger)
//	if err != nil {
//	    return err
//	}
//	resolver := discovery.NewInterfaceResolver(cfg.Discovery.InterfacePriority, discovery.SystemInterfaces, logger)
//	announcer := discovery.NewAnnouncer(backend, resolver, announcerCfg, logger)
//	if err := announcer.Start(ctx); err != nil {
//	    var se *discovery.StartupError
//	    if errors.As(err, &se) {
//	        logger.Warn("partial announcement", "failed_service", se.ServiceName())
//	    }
//	}
//	defer announcer.Stop()
package discovery
