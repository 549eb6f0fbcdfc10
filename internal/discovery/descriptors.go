package discovery

import (
	"strings"
	"time"
)

// Defaults applied when AnnouncerConfig leaves a field empty.
const (
	DefaultProduct       = "HomeGrow-v3"
	DefaultVersion       = "3.0.0"
	DefaultAPIPort       = 4000
	DefaultMQTTPort      = 1883
	DefaultWebSocketPath = "/ws"
)

const apiFeatures = "sensors,automation,mqtt,websocket"

// AnnouncerConfig carries everything Start needs to build the service triad.
type AnnouncerConfig struct {
	// Enabled false puts the announcer in disabled mode: Start is a no-op and
	// Status reports mode "disabled".
	Enabled bool

	Product       string
	Version       string
	APIPort       int
	MQTTPort      int
	WebSocketPath string

	// MQTTTopics are the topic filters advertised in the MQTT record's
	// "topics" TXT key. The key is left out when empty.
	MQTTTopics []string

	// PublishTimeout bounds each publish call. Zero means unbounded.
	PublishTimeout time.Duration
}

// BuildDescriptors returns the API, MQTT and WebSocket descriptors in publish
// order. Missing values fall back to the package defaults.
func BuildDescriptors(cfg AnnouncerConfig) []ServiceDescriptor {
	product := orDefault(cfg.Product, DefaultProduct)
	version := orDefault(cfg.Version, DefaultVersion)
	apiPort := portOrDefault(cfg.APIPort, DefaultAPIPort)
	mqttPort := portOrDefault(cfg.MQTTPort, DefaultMQTTPort)
	wsPath := orDefault(cfg.WebSocketPath, DefaultWebSocketPath)

	mqttTXT := map[string]string{
		"version":  version,
		"protocol": "mqtt",
	}
	if len(cfg.MQTTTopics) > 0 {
		mqttTXT["topics"] = strings.Join(cfg.MQTTTopics, ",")
	}

	return []ServiceDescriptor{
		{
			Name: product + "-API",
			Type: "http",
			Port: apiPort,
			TXT: map[string]string{
				"version":  version,
				"api":      "rest",
				"features": apiFeatures,
			},
		},
		{
			Name: product + "-MQTT",
			Type: "mqtt",
			Port: mqttPort,
			TXT:  mqttTXT,
		},
		{
			Name: product + "-WebSocket",
			Type: "ws",
			Port: apiPort,
			TXT: map[string]string{
				"version":  version,
				"protocol": "websocket",
				"path":     wsPath,
			},
		},
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func portOrDefault(p, def int) uint16 {
	if p <= 0 || p > 65535 {
		return uint16(def)
	}
	return uint16(p)
}
