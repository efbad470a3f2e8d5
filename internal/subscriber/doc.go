// Package subscriber keeps one MQTT connection per device to the vendor's
// IoT shadow endpoint and turns accepted shadow documents into deltas.
//
// The endpoint URL is pre-signed and short-lived, so every (re)connect
// fetches a fresh one with a valid session. A lost connection is retried on
// a fixed schedule (5, 10, 15, then every 30 seconds by default). Deltas
// missed while disconnected are not replayed; a poll is requested after
// each reconnect instead.
//
// Message handling is split in two. The paho delivery callback only places
// the message on a bounded queue, waiting at most HandoffTimeout for space;
// on overflow the message is dropped and counted. A single processing
// goroutine drains the queue into the reconciler, so a slow reconciler can
// never stall the MQTT keep-alive.
package subscriber
