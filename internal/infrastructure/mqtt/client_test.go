package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitsperity/homegrow-core/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "homegrow-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// =============================================================================
// Options
// =============================================================================

func TestBrokerURL(t *testing.T) {
	cfg := testConfig()
	if got := brokerURL(cfg); got != "tcp://127.0.0.1:1883" {
		t.Errorf("brokerURL() = %q, want tcp://127.0.0.1:1883", got)
	}

	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883
	if got := brokerURL(cfg); got != "ssl://127.0.0.1:8883" {
		t.Errorf("brokerURL() = %q, want ssl://127.0.0.1:8883", got)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "grower"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if opts.ClientID != "homegrow-test" {
		t.Errorf("ClientID = %q, want homegrow-test", opts.ClientID)
	}
	if opts.Username != "grower" {
		t.Errorf("Username = %q, want grower", opts.Username)
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if !opts.ConnectRetry {
		t.Error("ConnectRetry = false, want true")
	}
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, "homegrow-test")

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false, want true")
	}
	wantTopic := Topics{}.SystemStatus()
	if opts.WillTopic != wantTopic {
		t.Errorf("WillTopic = %q, want %q", opts.WillTopic, wantTopic)
	}
	if !opts.WillRetained {
		t.Error("WillRetained = false, want true")
	}

	var payload statusPayload
	if err := json.Unmarshal(opts.WillPayload, &payload); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if payload.Status != "offline" || payload.Reason != "unexpected_disconnect" {
		t.Errorf("will payload = %+v", payload)
	}
}

func TestBuildStatusPayload(t *testing.T) {
	var payload statusPayload
	if err := json.Unmarshal(buildStatusPayload("online", "node-1", ""), &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload.Status != "online" || payload.ClientID != "node-1" || payload.Timestamp == "" {
		t.Errorf("payload = %+v", payload)
	}
	if strings.Contains(string(buildStatusPayload("online", "node-1", "")), "reason") {
		t.Error("empty reason should be omitted")
	}
}

// =============================================================================
// Client without a broker
// =============================================================================

func TestIsConnected_InitialState(t *testing.T) {
	var nilClient *Client
	if nilClient.IsConnected() {
		t.Error("nil client IsConnected() = true")
	}
	if (&Client{}).IsConnected() {
		t.Error("zero client IsConnected() = true")
	}
}

func TestCloseNil(t *testing.T) {
	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
	if err := (&Client{}).Close(); err != nil {
		t.Errorf("Close() on zero client error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	c := &Client{}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestPublishValidation(t *testing.T) {
	c := &Client{cfg: testConfig(), subscriptions: map[string]subscription{}}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "homegrow/test", []byte("x"), 3, ErrInvalidQoS},
		{"oversized payload", "homegrow/test", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"disconnected", "homegrow/test", []byte("x"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := c.PublishJSON("homegrow/test", func() {}, 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("PublishJSON(unencodable) error = %v, want ErrPublishFailed", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := &Client{subscriptions: map[string]subscription{}}
	handler := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("homegrow/#", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("homegrow/#", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrSubscribeFailed", err)
	}
	if tracked(c, "homegrow/#") {
		t.Error("rejected subscription should not be tracked")
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
}

func TestSubscribe_DisconnectedIsDeferred(t *testing.T) {
	c := &Client{subscriptions: map[string]subscription{}}
	handler := func(string, []byte) error { return nil }

	if err := c.Subscribe("homegrow/#", 1, handler); err != nil {
		t.Fatalf("Subscribe(disconnected) error = %v", err)
	}
	if !tracked(c, "homegrow/#") {
		t.Error("deferred subscription not tracked")
	}
	if err := c.Unsubscribe("homegrow/#"); err != nil {
		t.Fatalf("Unsubscribe(disconnected) error = %v", err)
	}
	if tracked(c, "homegrow/#") {
		t.Error("unsubscribed topic still tracked")
	}
}

func TestConnect_UnreachableBrokerKeepsRetrying(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	prev := connectWait
	connectWait = 200 * time.Millisecond
	t.Cleanup(func() { connectWait = prev })

	cfg := testConfig()
	cfg.Broker.Port = port
	c, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionPending) {
		t.Fatalf("Connect() error = %v, want ErrConnectionPending", err)
	}
	if c == nil {
		t.Fatal("Connect() returned nil client for a pending connection")
	}
	defer c.Close()

	if c.IsConnected() {
		t.Error("IsConnected() = true before the broker answered")
	}
	if err := c.Subscribe(Topics{}.DiscoveryScanRequest(), 1, func(string, []byte) error { return nil }); err != nil {
		t.Errorf("Subscribe() while pending error = %v", err)
	}
	if !tracked(c, Topics{}.DiscoveryScanRequest()) {
		t.Error("subscription made while pending not tracked")
	}
}

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
	errs  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errs = append(l.errs, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Info(string, ...any) {}

func TestDispatch_RecoversAndLogs(t *testing.T) {
	logger := &recordingLogger{}
	c := &Client{}
	c.SetLogger(logger)

	c.dispatch(func(string, []byte) error { panic("bad handler") }, "homegrow/test", nil)
	c.dispatch(func(string, []byte) error { return errors.New("bad payload") }, "homegrow/test", nil)

	if len(logger.errs) != 1 {
		t.Errorf("panic logs = %d, want 1", len(logger.errs))
	}
	if len(logger.warns) != 1 {
		t.Errorf("error logs = %d, want 1", len(logger.warns))
	}
}

// =============================================================================
// Topics
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"SystemStatus", topics.SystemStatus(), "homegrow/system/status"},
		{"Discovery", topics.Discovery(), "homegrow/system/discovery"},
		{"DiscoveryPeers", topics.DiscoveryPeers(), "homegrow/system/discovery/peers"},
		{"DiscoveryScanRequest", topics.DiscoveryScanRequest(), "homegrow/system/discovery/scan"},
		{"AllDeviceSensors", topics.AllDeviceSensors(), "homegrow/devices/+/sensors/+"},
		{"AllDeviceStatus", topics.AllDeviceStatus(), "homegrow/devices/+/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestTopics_Advertised(t *testing.T) {
	got := Topics{}.Advertised()
	want := []string{"homegrow/devices/+/sensors/+", "homegrow/devices/+/status"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Advertised() = %v, want %v", got, want)
	}
}

// tracked reports whether topic is in c's restore set.
func tracked(c *Client, topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[topic]
	return ok
}
