package main

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bitsperity/homegrow-core/internal/discovery"
	"github.com/bitsperity/homegrow-core/internal/infrastructure/config"
	"github.com/bitsperity/homegrow-core/internal/infrastructure/logging"
	"github.com/bitsperity/homegrow-core/internal/infrastructure/mqtt"
)

// discoveryNode groups the announcer and browser sharing one backend.
type discoveryNode struct {
	announcer *discovery.Announcer
	browser   *discovery.Browser
	logger    *logging.Logger
}

func newDiscoveryNode(cfg *config.Config, log *logging.Logger) (*discoveryNode, error) {
	backend, err := discovery.NewBackend(cfg.Discovery.Backend, log)
	if err != nil {
		return nil, err
	}

	resolver := discovery.NewInterfaceResolver(cfg.Discovery.InterfacePriority, discovery.SystemInterfaces, log)

	return &discoveryNode{
		announcer: discovery.NewAnnouncer(backend, resolver, announcerConfig(cfg), log),
		browser: discovery.NewBrowser(backend, discovery.BrowserConfig{
			Marker:             cfg.Discovery.Marker,
			DefaultTimeout:     cfg.Discovery.BrowseTimeout(),
			MaxConcurrentScans: cfg.Discovery.MaxConcurrentScans,
		}, log),
		logger: log,
	}, nil
}

// announcerConfig maps node configuration onto the announcer. The MQTT
// record always advertises the broker port and device topic filters, even
// when this node does not connect to the broker.
func announcerConfig(cfg *config.Config) discovery.AnnouncerConfig {
	return discovery.AnnouncerConfig{
		Enabled:        cfg.Discovery.Enabled,
		Product:        cfg.Discovery.Product,
		Version:        cfg.Discovery.Version,
		APIPort:        cfg.API.Port,
		MQTTPort:       cfg.MQTT.Broker.Port,
		WebSocketPath:  cfg.WebSocket.Path,
		MQTTTopics:     mqtt.Topics{}.Advertised(),
		PublishTimeout: cfg.Discovery.PublishTimeout(),
	}
}

// startInBackground starts the announcer, retrying with exponential backoff
// for up to maxElapsed. The returned channel closes when starting is over,
// successfully or not. A start failure is logged; the node keeps running.
func (n *discoveryNode) startInBackground(ctx context.Context, maxElapsed time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := startWithRetry(ctx, n.announcer, maxElapsed, n.logger); err != nil && ctx.Err() == nil {
			n.logger.Error("discovery unavailable, continuing without announcements", "error", err)
		}
	}()
	return done
}

// starter is the part of the announcer startWithRetry drives.
type starter interface {
	Start(ctx context.Context) error
}

// startWithRetry calls Start until it succeeds, ctx ends or maxElapsed
// passes. maxElapsed <= 0 means a single attempt. ErrAlreadyRunning is not
// retried.
func startWithRetry(ctx context.Context, a starter, maxElapsed time.Duration, log *logging.Logger) error {
	if maxElapsed <= 0 {
		return a.Start(ctx)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		err := a.Start(ctx)
		if errors.Is(err, discovery.ErrAlreadyRunning) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Warn("discovery start failed, will retry", "attempt", attempt, "error", err)
		}
		return err
	}

	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}
