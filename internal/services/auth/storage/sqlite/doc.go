// Package sqlite provides the SQLite-backed identity store.
//
// Transactions begin IMMEDIATE so concurrent callbacks serialize on the write
// lock, and the (provider, subject) unique index settles any remaining race.
package sqlite
