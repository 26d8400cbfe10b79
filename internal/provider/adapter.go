// Package provider holds the inbound webhook adapters. Each adapter
// authenticates and parses one provider's payload shape into the engine's
// InboundMessage; the engine never sees provider specifics.
package provider

import (
	"errors"
	"net/http"

	"github.com/relaymail/relaymail/internal/ingest"
)

// ErrUnauthorized is returned when a payload fails the provider's
// authenticity check. Handlers map it to 401 instead of 400.
var ErrUnauthorized = errors.New("webhook authentication failed")

// ErrNotMail is returned for payloads that are valid for the provider but
// carry no message to ingest (e.g. an SNS subscription confirmation the
// adapter already handled). Handlers acknowledge them without calling the
// engine.
var ErrNotMail = errors.New("payload carries no message")

// Adapter parses one provider's inbound webhook into an InboundMessage.
type Adapter interface {
	Name() string
	Parse(r *http.Request) (*ingest.InboundMessage, error)
}

// Registry maps provider names (URL path segments) to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	registry := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		registry.adapters[a.Name()] = a
	}
	return registry
}

// Get returns the adapter registered under name, or nil.
func (r *Registry) Get(name string) Adapter {
	return r.adapters[name]
}

// maxWebhookBodyBytes bounds how much payload an adapter reads.
const maxWebhookBodyBytes = 50 << 20
