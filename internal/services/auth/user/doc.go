// Package user defines the broker's local identity records: the User a person
// is known by and the LinkedAccounts binding IdP subjects to that User.
package user
