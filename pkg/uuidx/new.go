// Package uuidx hands out the identifiers used for websocket sessions.
package uuidx

import "github.com/google/uuid"

// New generates a new UUID using the version 7 format and returns it.
// Version 7 ids are time ordered, so session ids sort by connect time.
// It panics if the UUID generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString generates a new version 7 UUID and returns it as a string.
func NewString() string {
	return New().String()
}
