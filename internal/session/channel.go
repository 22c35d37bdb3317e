// Package session manages browser-attached duplex channels: the per-key
// registry and the WebSocket transport used to dispatch generations.
package session

import (
	"github.com/relaymesh/relay-gateway/internal/engines"
)

// EventType discriminates inbound channel events.
type EventType string

const (
	// EventMessage carries a content fragment produced by the remote end.
	EventMessage EventType = "message"
	// EventDone signals that the remote end finished generating.
	EventDone EventType = "done"
)

// Event is a single inbound frame from a channel.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
}

// Channel is a duplex connection to a remote generation endpoint.
//
// Events returns the inbound event stream; the channel closes it when the
// remote end disconnects. StartGenerate and StopGeneration are safe for
// concurrent use. Close is idempotent.
type Channel interface {
	StartGenerate(req *engines.GenerationRequest) error
	StopGeneration() error
	Events() <-chan Event
	Close() error
}

const keyPrefixLen = 5

// MinKeyLength is the minimum accepted client key length.
const MinKeyLength = 10

// ObfuscateKey returns a log-safe form of a client key: a fixed-length
// prefix followed by a fixed-length mask, so equal keys remain correlatable
// across log lines without exposing the credential.
func ObfuscateKey(key string) string {
	if len(key) < keyPrefixLen {
		return "*****"
	}
	return key[:keyPrefixLen] + "*****"
}
