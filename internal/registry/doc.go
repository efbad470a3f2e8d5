// Package registry publishes purifiers to Home Assistant over the local
// MQTT broker.
//
// Each device gets retained discovery configs under the discovery prefix
// (sensors for TDS, filter life and volume; selects for outlet temperature
// and dispense volume; a quick-55 button; an online binary sensor), a
// retained JSON state document that is republished on every reconciler
// notification, and command topics of the form <prefix>/<id>/<object>/set
// that are routed to the command dispatcher. Failed commands are announced
// as command_failed events on <prefix>/<id>/event.
//
// Availability follows the bridge status topic, which the broker client
// keeps online while connected and flips offline through its last will.
package registry
