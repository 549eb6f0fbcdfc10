package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bitsperity/homegrow-core/internal/discovery"
)

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakeBroker struct {
	mu           sync.Mutex
	published    []published
	handlers     map[string]MessageHandler
	unsubscribed []string
	publishErr   error
	notify       chan struct{}
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]MessageHandler{}, notify: make(chan struct{}, 8)}
}

func (b *fakeBroker) PublishJSON(topic string, v any, qos byte, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, published{topic, payload, qos, retained})
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *fakeBroker) Subscribe(topic string, _ byte, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	b.unsubscribed = append(b.unsubscribed, topic)
	return nil
}

func (b *fakeBroker) handler(topic string) MessageHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[topic]
}

func (b *fakeBroker) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *fakeBroker) last() published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[len(b.published)-1]
}

func TestDiscoveryPublisher_PublishStatus(t *testing.T) {
	broker := newFakeBroker()
	p := NewDiscoveryPublisher(broker, 1, nil)

	st := discovery.Status{IsRunning: true, PublishedServices: 3, Mode: discovery.ModeEnabled, State: discovery.StateRunning}
	if err := p.PublishStatus(st); err != nil {
		t.Fatalf("PublishStatus() error = %v", err)
	}

	msg := broker.last()
	if msg.topic != "homegrow/system/discovery" {
		t.Errorf("topic = %q", msg.topic)
	}
	if !msg.retained || msg.qos != 1 {
		t.Errorf("retained = %v, qos = %d; want retained qos 1", msg.retained, msg.qos)
	}

	var got map[string]any
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got["isRunning"] != true || got["publishedServices"] != float64(3) || got["mode"] != "enabled" {
		t.Errorf("payload = %v", got)
	}
}

func TestDiscoveryPublisher_PublishPeers(t *testing.T) {
	broker := newFakeBroker()
	p := NewDiscoveryPublisher(broker, 0, nil)

	res := discovery.BrowseResult{
		Peers:    []discovery.Peer{{Name: "HomeGrow-v3-API", Host: "greenhouse.local.", Port: 4000}},
		Err:      errors.New("socket closed"),
		Duration: 1500 * time.Millisecond,
	}
	if err := p.PublishPeers("scan-1", res); err != nil {
		t.Fatalf("PublishPeers() error = %v", err)
	}

	var msg PeersMessage
	if err := json.Unmarshal(broker.last().payload, &msg); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if msg.ScanID != "scan-1" || msg.Count != 1 || msg.DurationMS != 1500 || msg.Error != "socket closed" {
		t.Errorf("message = %+v", msg)
	}
	if broker.last().topic != "homegrow/system/discovery/peers" {
		t.Errorf("topic = %q", broker.last().topic)
	}
}

func TestNewPeersMessage_EmptyPeersEncodedAsArray(t *testing.T) {
	data, err := json.Marshal(NewPeersMessage("", discovery.BrowseResult{}))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if string(raw["peers"]) != "[]" {
		t.Errorf("peers = %s, want []", raw["peers"])
	}
	if _, ok := raw["error"]; ok {
		t.Error("error should be omitted when the scan succeeded")
	}
}

func TestDiscoveryPublisher_ServeScanRequests(t *testing.T) {
	broker := newFakeBroker()
	p := NewDiscoveryPublisher(broker, 1, nil)

	var gotTimeout time.Duration
	var mu sync.Mutex
	browse := func(_ context.Context, timeout time.Duration) discovery.BrowseResult {
		mu.Lock()
		gotTimeout = timeout
		mu.Unlock()
		return discovery.BrowseResult{Peers: []discovery.Peer{{Name: "HomeGrow-v3-API"}}}
	}

	if err := p.ServeScanRequests(context.Background(), browse); err != nil {
		t.Fatalf("ServeScanRequests() error = %v", err)
	}

	broker.mu.Lock()
	handler := broker.handlers["homegrow/system/discovery/scan"]
	broker.mu.Unlock()
	if handler == nil {
		t.Fatal("scan request topic not subscribed")
	}

	if err := handler("homegrow/system/discovery/scan", []byte(`{"scan_id":"abc","timeout_ms":250}`)); err != nil {
		t.Fatalf("handler() error = %v", err)
	}

	select {
	case <-broker.notify:
	case <-time.After(time.Second):
		t.Fatal("peer list not published")
	}

	var msg PeersMessage
	if err := json.Unmarshal(broker.last().payload, &msg); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if msg.ScanID != "abc" || msg.Count != 1 {
		t.Errorf("message = %+v", msg)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotTimeout != 250*time.Millisecond {
		t.Errorf("browse timeout = %v, want 250ms", gotTimeout)
	}

	if err := handler("homegrow/system/discovery/scan", []byte(`{not json`)); err == nil {
		t.Error("handler() accepted invalid JSON")
	}
}

func TestParseScanRequest(t *testing.T) {
	tests := []struct {
		payload string
		want    int
	}{
		{"", 0},
		{`{}`, 0},
		{`{"timeout_ms":5}`, minScanTimeoutMS},
		{`{"timeout_ms":2000}`, 2000},
		{`{"timeout_ms":999999}`, maxScanTimeoutMS},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			req, err := parseScanRequest([]byte(tt.payload))
			if err != nil {
				t.Fatalf("parseScanRequest() error = %v", err)
			}
			if req.TimeoutMS != tt.want {
				t.Errorf("TimeoutMS = %d, want %d", req.TimeoutMS, tt.want)
			}
		})
	}
}

// blockingScanner holds every browse open until its context ends and tracks
// how many run at once.
type blockingScanner struct {
	mu          sync.Mutex
	calls       int
	inFlight    int
	maxInFlight int
	started     chan struct{}
}

func (s *blockingScanner) Browse(ctx context.Context, _ string, _ func(discovery.Peer)) error {
	s.mu.Lock()
	s.calls++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()
	select {
	case s.started <- struct{}{}:
	default:
	}

	<-ctx.Done()

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	return nil
}

func (s *blockingScanner) stats() (calls, maxInFlight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.maxInFlight
}

func TestDiscoveryPublisher_ScanRequestsShareBrowserLimit(t *testing.T) {
	scanner := &blockingScanner{started: make(chan struct{}, 1)}
	browser := discovery.NewBrowser(scanner, discovery.BrowserConfig{MaxConcurrentScans: 1}, nil)
	broker := newFakeBroker()
	p := NewDiscoveryPublisher(broker, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.ServeScanRequests(ctx, browser.Browse); err != nil {
		t.Fatalf("ServeScanRequests() error = %v", err)
	}
	handler := broker.handler(Topics{}.DiscoveryScanRequest())

	// Hold one scan open, then flood the topic.
	if err := handler(Topics{}.DiscoveryScanRequest(), []byte(`{"scan_id":"first","timeout_ms":30000}`)); err != nil {
		t.Fatalf("handler() error = %v", err)
	}
	select {
	case <-scanner.started:
	case <-time.After(time.Second):
		t.Fatal("first scan did not start")
	}
	for i := 0; i < 200; i++ {
		if err := handler(Topics{}.DiscoveryScanRequest(), []byte(`{"timeout_ms":30000}`)); err != nil {
			t.Fatalf("handler() error = %v", err)
		}
	}

	// An HTTP caller sharing the browser is turned away too.
	if res := browser.Browse(context.Background(), time.Second); !errors.Is(res.Err, discovery.ErrScanBusy) {
		t.Errorf("Browse() while busy error = %v, want ErrScanBusy", res.Err)
	}

	time.Sleep(100 * time.Millisecond)
	calls, maxInFlight := scanner.stats()
	if calls != 1 || maxInFlight != 1 {
		t.Errorf("scans started = %d, max in flight = %d; want 1 and 1", calls, maxInFlight)
	}
	if n := broker.publishCount(); n != 0 {
		t.Errorf("published %d replies for rejected requests, want 0", n)
	}

	cancel()
	select {
	case <-broker.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled scan result not published")
	}
	if n := broker.publishCount(); n != 1 {
		t.Errorf("published = %d, want 1", n)
	}
}

func TestDiscoveryPublisher_CloseUnsubscribes(t *testing.T) {
	broker := newFakeBroker()
	p := NewDiscoveryPublisher(broker, 1, nil)

	if err := p.Close(); err != nil {
		t.Fatalf("Close() before serving error = %v", err)
	}
	if err := p.ServeScanRequests(context.Background(), nil); err != nil {
		t.Fatalf("ServeScanRequests() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.unsubscribed) != 1 || broker.unsubscribed[0] != "homegrow/system/discovery/scan" {
		t.Errorf("unsubscribed = %v, want the scan request topic once", broker.unsubscribed)
	}
	if _, ok := broker.handlers["homegrow/system/discovery/scan"]; ok {
		t.Error("scan request handler still registered")
	}
}
