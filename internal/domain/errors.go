// Package domain contains the core business entities and interfaces of the
// telemetry bridge. These types are protocol-agnostic: they describe the
// desired/actual state of endpoints, sessions, subscriptions and monitored
// items, independent of the OPC UA wire stack or the hub transport.
package domain

import "errors"

// Credential vault errors (C1). All are non-retriable: the offending node
// is logged and skipped rather than retried.
var (
	ErrMissingKey    = errors.New("vault: matching private key not loaded")
	ErrCipherInvalid = errors.New("vault: ciphertext is invalid")
	ErrKeyMismatch   = errors.New("vault: ciphertext was not produced by this key")
)

// Node identity / configuration errors.
var (
	ErrInvalidNodeID       = errors.New("node id is not a valid NodeId or ExpandedNodeId")
	ErrUnknownEndpoint     = errors.New("endpoint is not known")
	ErrUnknownNode         = errors.New("node is not published on this endpoint")
	ErrDuplicateEndpoint   = errors.New("duplicate ForEndpointUrl in telemetry configuration")
	ErrReservedFieldSet    = errors.New("endpoint-specific telemetry entry may not set Name or Flat")
	ErrInvalidPattern      = errors.New("invalid regular expression pattern")
	ErrUnknownStatusCode   = errors.New("unrecognised OPC UA status code")
)

// Session / subscription lifecycle errors.
var (
	ErrConnectionClosed        = errors.New("session is not connected")
	ErrServiceNotStarted       = errors.New("subscription manager is not started")
	ErrSessionExists           = errors.New("session already exists for this endpoint")
	ErrOPCUASubscriptionFailed = errors.New("failed to create OPC UA subscription")
	ErrShuttingDown            = errors.New("subscription manager is shutting down")
)

// Control API / hub errors.
var (
	ErrQueueFull      = errors.New("hub sender queue is full")
	ErrPayloadTooLarge = errors.New("record exceeds configured hub message size")
)
