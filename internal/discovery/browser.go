package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bitsperity/homegrow-core/internal/infrastructure/logging"
)

// Browser defaults.
const (
	DefaultBrowseTimeout = 5 * time.Second
	DefaultBrowseType    = "http"
	DefaultPeerMarker    = "HomeGrow"

	// DefaultMaxConcurrentScans is the number of browses allowed in flight.
	DefaultMaxConcurrentScans = 1
)

// ScanRecorder receives one sample per completed browse.
type ScanRecorder interface {
	RecordScan(serviceType string, peers int, elapsed time.Duration, failed bool)
}

// BrowserConfig configures a Browser. Zero values use the package defaults.
type BrowserConfig struct {
	ServiceType    string
	Marker         string
	DefaultTimeout time.Duration

	// MaxConcurrentScans caps overlapping Browse calls across every caller
	// sharing the Browser.
	MaxConcurrentScans int
}

// BrowseResult is the outcome of one scan.
//
// Peers is never nil. Err is set when the scan itself failed or the caller
// cancelled early; Peers then holds whatever arrived before that. An empty
// Peers with a nil Err means no peers answered.
type BrowseResult struct {
	Peers    []Peer
	Err      error
	Duration time.Duration
}

// Browser finds other HomeGrow nodes. It never publishes.
type Browser struct {
	scanner  Scanner
	cfg      BrowserConfig
	slots    chan struct{}
	recorder ScanRecorder
	logger   *logging.Logger
}

// NewBrowser creates a Browser over scanner.
func NewBrowser(scanner Scanner, cfg BrowserConfig, logger *logging.Logger) *Browser {
	if cfg.ServiceType == "" {
		cfg.ServiceType = DefaultBrowseType
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultPeerMarker
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultBrowseTimeout
	}
	if cfg.MaxConcurrentScans <= 0 {
		cfg.MaxConcurrentScans = DefaultMaxConcurrentScans
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Browser{
		scanner: scanner,
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.MaxConcurrentScans),
		logger:  logger.With("component", "discovery.browser"),
	}
}

// SetRecorder attaches a recorder. Not safe to call concurrently with Browse.
func (b *Browser) SetRecorder(r ScanRecorder) {
	b.recorder = r
}

// DefaultTimeout returns the scan window used when Browse gets timeout <= 0.
func (b *Browser) DefaultTimeout() time.Duration {
	return b.cfg.DefaultTimeout
}

// Browse scans for timeout (DefaultTimeout when <= 0) and returns matching
// peers in arrival order. It does not return on the first answer: the call
// lasts the whole window unless ctx is cancelled first. Answers arriving
// after the window are dropped.
//
// When MaxConcurrentScans browses are already running, Browse returns at
// once with ErrScanBusy and no peers. Rejected calls are not recorded.
func (b *Browser) Browse(ctx context.Context, timeout time.Duration) BrowseResult {
	select {
	case b.slots <- struct{}{}:
		defer func() { <-b.slots }()
	default:
		b.logger.Debug("browse rejected, scan already in progress")
		return BrowseResult{Peers: []Peer{}, Err: ErrScanBusy}
	}

	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}
	started := time.Now()

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		peers  = []Peer{}
		closed bool
	)
	found := func(p Peer) {
		if !strings.Contains(p.Name, b.cfg.Marker) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		peers = append(peers, p)
	}

	scanErr := make(chan error, 1)
	go func() {
		scanErr <- b.scanner.Browse(scanCtx, b.cfg.ServiceType, found)
	}()

	var (
		err      error
		returned bool
	)
	select {
	case err = <-scanErr:
		returned = true
		if err != nil && scanCtx.Err() != nil {
			// Ended by the window, not a scan failure.
			err = nil
		}
		<-scanCtx.Done()
	case <-scanCtx.Done():
	}

	mu.Lock()
	closed = true
	result := BrowseResult{Peers: peers, Err: err, Duration: time.Since(started)}
	mu.Unlock()

	if !returned {
		// The scan slot stays held until the scanner has let go.
		<-scanErr
	}

	if result.Err == nil && ctx.Err() != nil && !errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
		result.Err = ctx.Err()
	}

	if result.Err != nil {
		b.logger.Warn("browse ended with error", "error", result.Err, "peers", len(result.Peers))
	} else {
		b.logger.Debug("browse complete", "peers", len(result.Peers), "duration", result.Duration)
	}
	if b.recorder != nil {
		b.recorder.RecordScan(b.cfg.ServiceType, len(result.Peers), result.Duration, result.Err != nil)
	}
	return result
}
