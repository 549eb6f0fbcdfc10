package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordedScan struct {
	serviceType string
	peers       int
	elapsed     time.Duration
	failed      bool
}

type fakeRecorder struct {
	mu    sync.Mutex
	scans []recordedScan
}

func (r *fakeRecorder) RecordScan(serviceType string, peers int, elapsed time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans = append(r.scans, recordedScan{serviceType, peers, elapsed, failed})
}

func peer(name, host string, port int) Peer {
	return Peer{Name: name, Host: host, Port: port, Addresses: []string{"192.168.1.30"}, TXT: map[string]string{"version": "3.0.0"}}
}

func TestBrowser_CollectsMatchingPeersForWholeWindow(t *testing.T) {
	backend := newFakeBackend()
	backend.browseEvents = []scheduledPeer{
		{At: 10 * time.Millisecond, Peer: peer("HomeGrow-v3-API", "greenhouse.local.", 4000)},
		{At: 20 * time.Millisecond, Peer: peer("Printer", "printer.local.", 631)},
		{At: 50 * time.Millisecond, Peer: peer("HomeGrow-v3-API (2)", "cellar.local.", 4000)},
	}
	b := NewBrowser(backend, BrowserConfig{}, nil)

	started := time.Now()
	res := b.Browse(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(started)

	if res.Err != nil {
		t.Fatalf("Browse() error = %v", res.Err)
	}
	if len(res.Peers) != 2 {
		t.Fatalf("peers = %d, want 2", len(res.Peers))
	}
	if res.Peers[0].Name != "HomeGrow-v3-API" || res.Peers[1].Name != "HomeGrow-v3-API (2)" {
		t.Errorf("peers = %q, %q; want arrival order", res.Peers[0].Name, res.Peers[1].Name)
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("Browse() returned after %v, before the window closed", elapsed)
	}
	if elapsed >= 300*time.Millisecond {
		t.Errorf("Browse() returned after %v, long after the window closed", elapsed)
	}
	if res.Duration < 100*time.Millisecond {
		t.Errorf("Duration = %v, want at least the window", res.Duration)
	}

	backend.mu.Lock()
	if backend.browseService != "http" {
		t.Errorf("browsed service type = %q, want http", backend.browseService)
	}
	backend.mu.Unlock()
}

func TestBrowser_NoPeersIsEmptyNotNil(t *testing.T) {
	b := NewBrowser(newFakeBackend(), BrowserConfig{}, nil)

	res := b.Browse(context.Background(), 30*time.Millisecond)
	if res.Err != nil {
		t.Errorf("Browse() error = %v", res.Err)
	}
	if res.Peers == nil || len(res.Peers) != 0 {
		t.Errorf("Peers = %#v, want empty non-nil slice", res.Peers)
	}
}

func TestBrowser_DuplicatesKept(t *testing.T) {
	backend := newFakeBackend()
	p := peer("HomeGrow-v3-API", "greenhouse.local.", 4000)
	backend.browseEvents = []scheduledPeer{{At: 5 * time.Millisecond, Peer: p}, {At: 10 * time.Millisecond, Peer: p}}
	b := NewBrowser(backend, BrowserConfig{}, nil)

	res := b.Browse(context.Background(), 40*time.Millisecond)
	if len(res.Peers) != 2 {
		t.Errorf("peers = %d, want 2 (duplicates kept)", len(res.Peers))
	}
}

func TestBrowser_ScanFailureSurfacedAfterFullWindow(t *testing.T) {
	backend := newFakeBackend()
	backend.browseEvents = []scheduledPeer{
		{At: 5 * time.Millisecond, Peer: peer("HomeGrow-v3-API", "greenhouse.local.", 4000)},
	}
	backend.browseErr = errBoom
	backend.browseErrAt = 15 * time.Millisecond
	recorder := &fakeRecorder{}
	b := NewBrowser(backend, BrowserConfig{}, nil)
	b.SetRecorder(recorder)

	started := time.Now()
	res := b.Browse(context.Background(), 80*time.Millisecond)

	if elapsed := time.Since(started); elapsed < 80*time.Millisecond {
		t.Errorf("Browse() returned after %v, want the full window", elapsed)
	}
	if !errors.Is(res.Err, errBoom) {
		t.Errorf("Browse() error = %v, want errBoom", res.Err)
	}
	if len(res.Peers) != 1 {
		t.Errorf("peers = %d, want 1 found before the failure", len(res.Peers))
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.scans) != 1 {
		t.Fatalf("recorded scans = %d, want 1", len(recorder.scans))
	}
	if !recorder.scans[0].failed || recorder.scans[0].peers != 1 {
		t.Errorf("recorded scan = %+v, want failed with 1 peer", recorder.scans[0])
	}
}

func TestBrowser_CallerCancelEndsEarly(t *testing.T) {
	backend := newFakeBackend()
	backend.browseEvents = []scheduledPeer{
		{At: 5 * time.Millisecond, Peer: peer("HomeGrow-v3-API", "greenhouse.local.", 4000)},
	}
	b := NewBrowser(backend, BrowserConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	started := time.Now()
	res := b.Browse(ctx, 5*time.Second)

	if elapsed := time.Since(started); elapsed >= time.Second {
		t.Errorf("Browse() took %v after cancel", elapsed)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Browse() error = %v, want context.Canceled", res.Err)
	}
	if len(res.Peers) != 1 {
		t.Errorf("peers = %d, want 1", len(res.Peers))
	}
}

func TestBrowser_DefaultTimeout(t *testing.T) {
	b := NewBrowser(newFakeBackend(), BrowserConfig{DefaultTimeout: 40 * time.Millisecond}, nil)
	if got := b.DefaultTimeout(); got != 40*time.Millisecond {
		t.Errorf("DefaultTimeout() = %v, want 40ms", got)
	}

	started := time.Now()
	res := b.Browse(context.Background(), 0)
	elapsed := time.Since(started)

	if res.Err != nil {
		t.Errorf("Browse() error = %v", res.Err)
	}
	if elapsed < 40*time.Millisecond || elapsed >= time.Second {
		t.Errorf("Browse(0) took %v, want the 40ms default window", elapsed)
	}

	if got := NewBrowser(newFakeBackend(), BrowserConfig{}, nil).DefaultTimeout(); got != DefaultBrowseTimeout {
		t.Errorf("DefaultTimeout() = %v, want %v", got, DefaultBrowseTimeout)
	}
}

func TestBrowser_CustomMarkerAndRecorder(t *testing.T) {
	backend := newFakeBackend()
	backend.browseEvents = []scheduledPeer{
		{At: 5 * time.Millisecond, Peer: peer("HomeGrow-v3-API", "a.local.", 4000)},
		{At: 10 * time.Millisecond, Peer: peer("Lab-node", "b.local.", 4000)},
	}
	recorder := &fakeRecorder{}
	b := NewBrowser(backend, BrowserConfig{ServiceType: "mqtt", Marker: "Lab"}, nil)
	b.SetRecorder(recorder)

	res := b.Browse(context.Background(), 40*time.Millisecond)
	if len(res.Peers) != 1 || res.Peers[0].Name != "Lab-node" {
		t.Fatalf("peers = %+v, want only Lab-node", res.Peers)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.scans) != 1 {
		t.Fatalf("recorded scans = %d, want 1", len(recorder.scans))
	}
	if rec := recorder.scans[0]; rec.serviceType != "mqtt" || rec.failed {
		t.Errorf("recorded scan = %+v, want mqtt, not failed", rec)
	}
}

func TestBrowser_RejectsScansBeyondLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
	}{
		{"default single slot", 0},
		{"two slots", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			recorder := &fakeRecorder{}
			b := NewBrowser(backend, BrowserConfig{MaxConcurrentScans: tt.limit}, nil)
			b.SetRecorder(recorder)
			want := tt.limit
			if want == 0 {
				want = DefaultMaxConcurrentScans
			}

			const callers = 50
			results := make(chan BrowseResult, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results <- b.Browse(context.Background(), 150*time.Millisecond)
				}()
			}
			wg.Wait()
			close(results)

			var busy, ran int
			for res := range results {
				if errors.Is(res.Err, ErrScanBusy) {
					busy++
					if res.Peers == nil {
						t.Error("rejected scan returned nil Peers")
					}
					continue
				}
				if res.Err != nil {
					t.Errorf("Browse() error = %v", res.Err)
				}
				ran++
			}

			calls, maxInFlight := backend.browseStats()
			if maxInFlight > want {
				t.Errorf("concurrent scans = %d, want at most %d", maxInFlight, want)
			}
			if calls != ran {
				t.Errorf("backend browses = %d, want %d", calls, ran)
			}
			if busy+ran != callers {
				t.Errorf("busy+ran = %d, want %d", busy+ran, callers)
			}
			if busy < callers-want*2 {
				t.Errorf("busy = %d, want most callers turned away", busy)
			}

			recorder.mu.Lock()
			if len(recorder.scans) != ran {
				t.Errorf("recorded scans = %d, want %d (rejected scans not recorded)", len(recorder.scans), ran)
			}
			recorder.mu.Unlock()
		})
	}
}

func TestBrowser_SlotFreedAfterScan(t *testing.T) {
	backend := newFakeBackend()
	b := NewBrowser(backend, BrowserConfig{}, nil)

	for i := 0; i < 3; i++ {
		if res := b.Browse(context.Background(), 10*time.Millisecond); res.Err != nil {
			t.Fatalf("Browse() error = %v", res.Err)
		}
	}
	calls, maxInFlight := backend.browseStats()
	if calls != 3 || maxInFlight != 1 {
		t.Errorf("calls/maxInFlight = %d/%d, want 3/1", calls, maxInFlight)
	}
}
