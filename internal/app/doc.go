// Package app provides the relay's core services.
//
// Registry tracks live connections per channel, Dispatcher consumes the inbound queue and
// broadcasts each message to a channel snapshot, Negotiator hands out connection info.
// Depends on domain interfaces only; transports and queues live in internal/adapter.
package app
