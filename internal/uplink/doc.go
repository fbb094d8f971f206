// Package uplink wires the store-and-forward delivery engine into a single
// service.
//
// Local publishers hand messages to Publish, which persists them in the
// message store and returns at once. The publishing engine drains the store
// to the transport whenever the connection state machine reports a usable
// link and the rate limiter grants a token. Listeners registered with Listen
// observe connection changes, publications, confirmations and inbound
// messages.
//
// # Components
//
//   - store.Store: durable queue (SQLite)
//   - connection.Machine: connect, disconnect and reconnect with backoff
//   - publisher.Engine: drain loop, in-flight window, redelivery
//   - dispatch.Dispatcher: ordered asynchronous event delivery
//   - housekeeper: periodic purges through publisher.Engine.Housekeep
//   - metrics sampler: optional, writes to a MetricsSink such as influxdb.Client
//
// # Usage
//
//	svc, err := uplink.New(uplink.Options{
//	    Store:     st,
//	    Transport: mqtt.New(cfg.MQTT),
//	    Settings:  uplink.SettingsFromConfig(cfg),
//	    Logger:    log.Component("uplink"),
//	})
//	if err != nil {
//	    return err
//	}
//	if err := svc.Start(ctx); err != nil {
//	    return err
//	}
//	defer svc.Stop(shutdownCtx)
//
//	id, err := svc.Publish(ctx, "telemetry/meter", payload, 1, 5, false)
//
// # Shutdown
//
// Stop closes the connection gracefully: listeners see Disconnecting, the
// engine flushes what it can within the disconnecting window, and only then
// is the transport closed. Unsent and unconfirmed messages stay in the store
// and are delivered after the next start.
package uplink
