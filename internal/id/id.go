package id

import "github.com/google/uuid"

// New returns a random UUIDv4 string used for job and upload identifiers.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID. Used to reject malformed path
// parameters before they reach the job store.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
