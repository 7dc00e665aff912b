package node

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// A single monotonic source keeps message IDs lexicographically ordered even
// when many are minted within the same millisecond.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh time-ordered ULID. Message and subscription IDs use it.
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}

// ValidateID returns an error if s is not a well-formed ULID.
func ValidateID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// NewJobID returns a random UUIDv4 for a job record. Job IDs are opaque to
// ordering; the store orders by priority and creation time instead.
func NewJobID() string {
	return uuid.NewString()
}
