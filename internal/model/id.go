package model

import "github.com/oklog/ulid/v2"

// NewID returns a new ULID string. A job and its stream handle share one ID.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether s is shaped like an ID returned by NewID.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
