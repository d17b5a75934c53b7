// Package app composes and runs the broker process boundary.
//
// It wires the identity store, credential issuer, correlation codec and IdP
// gateway into the login orchestrator, serves the HTTP endpoints, and exposes
// gRPC health on a separate port for process supervisors.
package app
