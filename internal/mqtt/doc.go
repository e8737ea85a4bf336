// Package mqtt publishes clima's runtime status to an MQTT broker as
// Home Assistant discovery sensors: uptime, version, active sessions,
// turns handled, tokens used today and the default model.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads and a
// birth message ("online") to the availability topic. A will message
// moves the availability topic to "offline" on unexpected disconnects.
package mqtt
