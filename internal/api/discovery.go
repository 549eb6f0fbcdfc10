package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bitsperity/homegrow-core/internal/discovery"
)

// Peer scan bounds accepted on the timeout_ms query parameter.
const (
	minPeerScanTimeout = 100 * time.Millisecond
	maxPeerScanTimeout = 30 * time.Second
)

// healthCheckTimeout bounds the backing-service checks of one health request.
const healthCheckTimeout = 2 * time.Second

// WebSocket channels carrying discovery events.
const (
	ChannelDiscoveryStatus = "discovery.status"
	ChannelDiscoveryPeers  = "discovery.peers"
)

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	Discovery discovery.Status `json:"discovery"`
	MQTT      ServiceHealth    `json:"mqtt"`
	InfluxDB  ServiceHealth    `json:"influxdb"`
}

// ServiceHealth is the state of one optional backing service.
type ServiceHealth struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// PeersResponse is returned by GET /api/v1/discovery/peers.
type PeersResponse struct {
	ScanID     string           `json:"scan_id"`
	Peers      []discovery.Peer `json:"peers"`
	Count      int              `json:"count"`
	DurationMS int64            `json:"duration_ms"`
	Error      string           `json:"error,omitempty"`
}

// handleHealth always answers 200. Status is "degraded" when the announcer
// failed to start or an enabled backing service fails its health check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	st := s.discovery.Status()
	resp := HealthResponse{
		Status:    "ok",
		Version:   s.version,
		Discovery: st,
		MQTT:      checkService(ctx, s.mqtt),
		InfluxDB:  checkService(ctx, s.influx),
	}
	if st.State == discovery.StateFailed {
		resp.Status = "degraded"
	}
	for _, svc := range []ServiceHealth{resp.MQTT, resp.InfluxDB} {
		if svc.Enabled && !svc.Connected {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func checkService(ctx context.Context, c ConnectionChecker) ServiceHealth {
	if c == nil {
		return ServiceHealth{}
	}
	h := ServiceHealth{Enabled: true, Connected: true}
	if err := c.HealthCheck(ctx); err != nil {
		h.Connected = false
		h.Error = err.Error()
	}
	return h
}

func (s *Server) handleDiscoveryStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.discovery.Status())
}

// handleDiscoveryPeers runs a scan for the requested window and answers
// once the window closes. The result is also relayed to the peer sink and
// to WebSocket subscribers.
func (s *Server) handleDiscoveryPeers(w http.ResponseWriter, r *http.Request) {
	if s.browser == nil {
		writeUnavailable(w, "peer browsing not available")
		return
	}

	timeout, err := parseScanTimeout(r.URL.Query().Get("timeout_ms"), s.browser.DefaultTimeout())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	scanID := uuid.NewString()
	res := s.browser.Browse(r.Context(), timeout)
	if errors.Is(res.Err, discovery.ErrScanBusy) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, ErrCodeScanBusy, "a peer scan is already in progress")
		return
	}

	resp := PeersResponse{
		ScanID:     scanID,
		Peers:      res.Peers,
		Count:      len(res.Peers),
		DurationMS: res.Duration.Milliseconds(),
	}
	if resp.Peers == nil {
		resp.Peers = []discovery.Peer{}
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}

	if s.peers != nil {
		if err := s.peers.PublishPeers(scanID, res); err != nil {
			s.logger.Warn("relaying peer scan failed", "scan_id", scanID, "error", err)
		}
	}
	s.hub.Broadcast(ChannelDiscoveryPeers, resp)

	writeJSON(w, http.StatusOK, resp)
}

// parseScanTimeout reads timeout_ms. Empty means def.
func parseScanTimeout(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("timeout_ms must be an integer")
	}
	timeout := time.Duration(ms) * time.Millisecond
	if timeout < minPeerScanTimeout || timeout > maxPeerScanTimeout {
		return 0, fmt.Errorf("timeout_ms must be between %d and %d",
			minPeerScanTimeout.Milliseconds(), maxPeerScanTimeout.Milliseconds())
	}
	return timeout, nil
}

// BroadcastStatus relays an announcer status change to WebSocket clients.
// It has the signature expected by Announcer.SetOnStatusChange.
func (s *Server) BroadcastStatus(st discovery.Status) {
	s.hub.Broadcast(ChannelDiscoveryStatus, st)
}

// channelSnapshot supplies the current announcer status to new subscribers.
func (s *Server) channelSnapshot(channel string) (any, bool) {
	if channel == ChannelDiscoveryStatus {
		return s.discovery.Status(), true
	}
	return nil, false
}
