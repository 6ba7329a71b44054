// Package ident provides opaque identifiers and the sticky assignment hash
// used for percentage rollouts and variant selection.
package ident

import (
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// NewID returns a new opaque identifier with at least 128 bits of entropy.
func NewID() string {
	return uuid.NewString()
}

// Assignment returns the deterministic assignment hash for a user/flag pair.
//
// The hash input is exactly userID + ":" + flagKey. This function is frozen:
// sticky bucket assignments survive restarts and deployments only as long as
// the byte-exact input and algorithm never change. Do not add a salt, change
// the delimiter, or swap the hash.
func Assignment(userID, flagKey string) uint32 {
	return uint32(xxhash.Sum64String(userID + ":" + flagKey))
}

// HashInput returns the exact string hashed by Assignment, for debug output.
func HashInput(userID, flagKey string) string {
	return userID + ":" + flagKey
}

// Bucket10000 maps the assignment hash into [0, 10000). Percentage gates
// compare against percentage*100 so fractional percentages stay exact to
// two decimal places.
func Bucket10000(userID, flagKey string) uint32 {
	return Assignment(userID, flagKey) % 10000
}
