// Package node owns process identity for jobrelay. Every process that talks
// to the broker has a stable ULID, persisted in its data directory, which is
// stamped on each published message as its Source so replayed and relayed
// messages can always be traced back to the producer.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const identityFile = "node_id"

// ID is a ULID string that identifies a jobrelay process. It is stable across
// restarts within the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Identity is the persistent identity of this process.
type Identity struct {
	id      ID
	dataDir string
}

// Load returns the Identity stored under dataDir, generating and persisting a
// fresh ULID on first start. An override other than "" or "auto" wins over the
// stored value and is not written to disk.
func Load(dataDir, override string) (*Identity, error) {
	if dataDir == "" {
		return nil, errors.New("node: data dir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if err := ValidateID(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		return &Identity{id: ID(override), dataDir: dataDir}, nil
	}

	path := filepath.Join(dataDir, identityFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if err := ValidateID(id); err != nil {
			return nil, fmt.Errorf("node: persisted id %q is invalid: %w", id, err)
		}
		return &Identity{id: ID(id), dataDir: dataDir}, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("node: read id file: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return nil, fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return nil, fmt.Errorf("node: persist id: %w", err)
	}
	return &Identity{id: ID(id), dataDir: dataDir}, nil
}

// ID returns the process ULID.
func (n *Identity) ID() ID { return n.id }

// DataDir returns the root data directory.
func (n *Identity) DataDir() string { return n.dataDir }
