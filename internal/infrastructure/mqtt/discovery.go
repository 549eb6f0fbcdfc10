package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitsperity/homegrow-core/internal/discovery"
	"github.com/bitsperity/homegrow-core/internal/infrastructure/logging"
)

// Scan request bounds, in milliseconds.
const (
	minScanTimeoutMS = 100
	maxScanTimeoutMS = 30000
)

// Broker is the part of Client the discovery relay needs.
type Broker interface {
	PublishJSON(topic string, v any, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topic string) error
}

// BrowseFunc runs one peer scan. It is expected to enforce its own
// concurrency limit and report discovery.ErrScanBusy when full, as
// discovery.Browser.Browse does.
type BrowseFunc func(ctx context.Context, timeout time.Duration) discovery.BrowseResult

// PeersMessage is published on the discovery peers topic.
type PeersMessage struct {
	ScanID     string           `json:"scan_id,omitempty"`
	Peers      []discovery.Peer `json:"peers"`
	Count      int              `json:"count"`
	DurationMS int64            `json:"duration_ms"`
	Error      string           `json:"error,omitempty"`
	Timestamp  string           `json:"timestamp"`
}

// NewPeersMessage converts a browse result into its wire form.
func NewPeersMessage(scanID string, res discovery.BrowseResult) PeersMessage {
	msg := PeersMessage{
		ScanID:     scanID,
		Peers:      res.Peers,
		Count:      len(res.Peers),
		DurationMS: res.Duration.Milliseconds(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if msg.Peers == nil {
		msg.Peers = []discovery.Peer{}
	}
	if res.Err != nil {
		msg.Error = res.Err.Error()
	}
	return msg
}

// scanRequest is the payload accepted on the scan request topic. An empty
// payload uses the browser default.
type scanRequest struct {
	ScanID    string `json:"scan_id"`
	TimeoutMS int    `json:"timeout_ms"`
}

// DiscoveryPublisher mirrors discovery state onto the broker.
type DiscoveryPublisher struct {
	broker Broker
	qos    byte
	logger *logging.Logger

	mu      sync.Mutex
	serving bool
}

// NewDiscoveryPublisher creates a relay publishing at qos.
func NewDiscoveryPublisher(broker Broker, qos byte, logger *logging.Logger) *DiscoveryPublisher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DiscoveryPublisher{
		broker: broker,
		qos:    qos,
		logger: logger.With("component", "mqtt.discovery"),
	}
}

// PublishStatus publishes st as the retained discovery status.
func (p *DiscoveryPublisher) PublishStatus(st discovery.Status) error {
	return p.publishJSON(Topics{}.Discovery(), st)
}

// PublishPeers publishes a scan result as the retained peer list.
func (p *DiscoveryPublisher) PublishPeers(scanID string, res discovery.BrowseResult) error {
	return p.publishJSON(Topics{}.DiscoveryPeers(), NewPeersMessage(scanID, res))
}

func (p *DiscoveryPublisher) publishJSON(topic string, v any) error {
	return p.broker.PublishJSON(topic, v, p.qos, true)
}

// ServeScanRequests subscribes to scan requests. Each request runs browse on
// its own goroutine, bounded by ctx, and publishes the result. Requests that
// browse turns away with discovery.ErrScanBusy are dropped without a reply.
func (p *DiscoveryPublisher) ServeScanRequests(ctx context.Context, browse BrowseFunc) error {
	err := p.broker.Subscribe(Topics{}.DiscoveryScanRequest(), p.qos, func(_ string, payload []byte) error {
		req, err := parseScanRequest(payload)
		if err != nil {
			return err
		}
		go p.runScan(ctx, browse, req)
		return nil
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.serving = true
	p.mu.Unlock()
	return nil
}

// Close stops serving scan requests. Scans already running finish on their
// own context.
func (p *DiscoveryPublisher) Close() error {
	p.mu.Lock()
	serving := p.serving
	p.serving = false
	p.mu.Unlock()
	if !serving {
		return nil
	}
	return p.broker.Unsubscribe(Topics{}.DiscoveryScanRequest())
}

func (p *DiscoveryPublisher) runScan(ctx context.Context, browse BrowseFunc, req scanRequest) {
	res := browse(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
	if errors.Is(res.Err, discovery.ErrScanBusy) {
		p.logger.Info("peer scan request dropped, scan already in progress", "scan_id", req.ScanID)
		return
	}
	if err := p.PublishPeers(req.ScanID, res); err != nil {
		p.logger.Warn("publishing peer scan failed", "scan_id", req.ScanID, "error", err)
		return
	}
	p.logger.Info("peer scan published", "scan_id", req.ScanID, "peers", len(res.Peers))
}

func parseScanRequest(payload []byte) (scanRequest, error) {
	var req scanRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return req, fmt.Errorf("invalid scan request: %w", err)
		}
	}
	switch {
	case req.TimeoutMS == 0:
		// Browser default.
	case req.TimeoutMS < minScanTimeoutMS:
		req.TimeoutMS = minScanTimeoutMS
	case req.TimeoutMS > maxScanTimeoutMS:
		req.TimeoutMS = maxScanTimeoutMS
	}
	return req, nil
}
