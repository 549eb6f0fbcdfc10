// Package mqtt provides MQTT client connectivity for HomeGrow Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Last Will and Testament (LWT) on homegrow/system/status
//   - Publishing and subscribing with topic and QoS validation
//   - Relaying discovery status and peer scans (DiscoveryPublisher)
//
// The broker is the same one advertised in the HomeGrow-v3-MQTT mDNS
// record, so the node's own status is visible to every client that found
// it through discovery.
//
// # Topics
//
//	homegrow/system/status                online/offline, retained, LWT
//	homegrow/system/discovery             announcer status, retained
//	homegrow/system/discovery/peers       last peer scan, retained
//	homegrow/system/discovery/scan        scan requests ({"timeout_ms":N})
//	homegrow/devices/+/sensors/+          sensor readings (advertised in TXT)
//	homegrow/devices/+/status             device status (advertised in TXT)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	relay := mqtt.NewDiscoveryPublisher(client, byte(cfg.MQTT.QoS), logger)
//	announcer.SetOnStatusChange(func(st discovery.Status) { _ = relay.PublishStatus(st) })
package mqtt
