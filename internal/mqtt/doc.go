// Package mqtt publishes Home Assistant MQTT discovery messages and
// periodic sensor state updates describing the conversation agent: the
// inference server's reachability, active sessions, and today's turns.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each entity and a birth message ("online") to the availability
// topic. A will message moves the availability topic to "offline" on
// unexpected disconnects.
package mqtt
