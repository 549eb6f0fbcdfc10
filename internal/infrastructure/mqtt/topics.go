package mqtt

// Topic prefixes.
const (
	// TopicPrefix is the root of every HomeGrow topic.
	TopicPrefix = "homegrow"

	// TopicPrefixSystem is the base for node-level topics.
	TopicPrefixSystem = "homegrow/system"

	// TopicPrefixDevices is the base for device topics.
	TopicPrefixDevices = "homegrow/devices"
)

// Topics provides builders for HomeGrow MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DiscoveryPeers()
//	// Returns: "homegrow/system/discovery/peers"
type Topics struct{}

// SystemStatus returns the node online/offline topic. Also used as LWT.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// Discovery returns the retained announcer status topic.
func (Topics) Discovery() string {
	return TopicPrefixSystem + "/discovery"
}

// DiscoveryPeers returns the retained peer scan result topic.
func (Topics) DiscoveryPeers() string {
	return TopicPrefixSystem + "/discovery/peers"
}

// DiscoveryScanRequest returns the topic other services publish to in order
// to trigger a peer scan.
func (Topics) DiscoveryScanRequest() string {
	return TopicPrefixSystem + "/discovery/scan"
}

// AllDeviceSensors matches every sensor reading of every device.
func (Topics) AllDeviceSensors() string {
	return TopicPrefixDevices + "/+/sensors/+"
}

// AllDeviceStatus matches every device status topic.
func (Topics) AllDeviceStatus() string {
	return TopicPrefixDevices + "/+/status"
}

// Advertised returns the device topic filters a node announces in its MQTT
// service record, in announcement order.
func (t Topics) Advertised() []string {
	return []string{t.AllDeviceSensors(), t.AllDeviceStatus()}
}
