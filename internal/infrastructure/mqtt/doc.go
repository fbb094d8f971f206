// Package mqtt provides the MQTT transport for Gray Logic Uplink.
//
// Transport implements transport.Transport on top of paho.mqtt.golang. It
// handles:
//   - One paho client per connection, auto-reconnect disabled
//   - Last Will and Testament (LWT) plus retained online/offline status
//   - QoS 1/2 confirmation tokens from paho publish tokens
//   - Inbound messages forwarded to the transport handler
//
// # Architecture
//
// The uplink forwards messages from the gateway to a remote broker over a
// link that may be slow or intermittent:
//
//	Publishers → Message store → Publishing engine → Transport → Remote broker
//
// The transport only moves bytes. Retries, redelivery and reconnect timing
// live in the publisher and connection packages.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	tr := mqtt.New(cfg.MQTT)
//	tr.SetLogger(log.Component("mqtt"))
//	machine := connection.New(tr, dispatcher, connCfg)
package mqtt
