package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bitsperity/homegrow-core/internal/discovery"
)

// Measurement names.
const (
	measurementDiscoveryScan   = "discovery_scan"
	measurementDiscoveryStatus = "discovery_status"
)

// RecordScan writes one discovery_scan point. It satisfies
// discovery.ScanRecorder and does nothing while disconnected.
//
// Parameters:
//   - serviceType: browsed service, stored as the service_type tag
//   - peers: number of matching peers found
//   - elapsed: how long the scan window lasted
//   - failed: whether the scan reported an error
//
// The write is asynchronous; errors surface through SetOnError.
func (c *Client) RecordScan(serviceType string, peers int, elapsed time.Duration, failed bool) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(scanPoint(serviceType, peers, elapsed, failed, time.Now()))
}

func scanPoint(serviceType string, peers int, elapsed time.Duration, failed bool, at time.Time) *write.Point {
	return write.NewPoint(
		measurementDiscoveryScan,
		map[string]string{"service_type": serviceType},
		map[string]interface{}{
			"peers":       peers,
			"duration_ms": elapsed.Milliseconds(),
			"failed":      failed,
		},
		at,
	)
}

// RecordStatus writes the announcer state as a discovery_status point.
func (c *Client) RecordStatus(st discovery.Status) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(statusPoint(st, time.Now()))
}

func statusPoint(st discovery.Status, at time.Time) *write.Point {
	return write.NewPoint(
		measurementDiscoveryStatus,
		map[string]string{"mode": st.Mode},
		map[string]interface{}{
			"running":   st.IsRunning,
			"published": st.PublishedServices,
			"state":     string(st.State),
		},
		at,
	)
}
