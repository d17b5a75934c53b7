// Package storage defines the identity binding contract.
//
// The broker depends on these interfaces so the login flow keeps the same
// semantics regardless of the engine behind them.
package storage
