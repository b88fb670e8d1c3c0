// Package authflow defines the sign-in orchestration boundary.
//
// It owns the state machine that every sign-in surface observes, the
// cross-device email-link protocol, and the classification of backend
// failures, so host applications only translate user input and platform
// events into flow operations.
//
// Subpackages:
//   - flow: controller, engine, and per-application registry
//   - orchestrator: provider dispatch and result normalization
//   - emaillink: link continue-URL codec and cross-device protocol handler
//   - merge: anonymous-upgrade collision handling
//   - autherr: failure taxonomy
//   - pending: persisted in-flight email-link requests
//   - backend: identity backend contract and an in-process implementation
//   - api/httpapi: HTTP host adapter
//   - app: server wiring and lifecycle
package authflow
