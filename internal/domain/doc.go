// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (connection.go, message.go, negotiate.go, errors.go) hold the
// shared types and the narrow collaborator contracts: queue, broadcast transport and token issuer.
// No implementation code - just contracts. Adapters implement them, internal/app consumes them.
package domain
