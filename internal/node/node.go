// Package node manages the identity of a delaylog data directory.
//
// The first start writes a ULID to <data_dir>/node_id; every later start
// reads it back, so logs and metrics from one store can be correlated across
// restarts. The package also hands out the monotonic ULIDs used for
// subscription IDs.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idFile = "node_id"

// ID is a ULID string identifying one data directory.
type ID string

func (id ID) String() string { return string(id) }

// Load returns the ID stored in dataDir, generating and persisting one when
// the directory has none. override, when set and not "auto", wins over the
// file and must itself be a valid ULID.
func Load(dataDir, override string) (ID, error) {
	if dataDir == "" {
		return "", errors.New("node: data dir must not be empty")
	}
	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return "", fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		return ID(override), nil
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return "", fmt.Errorf("node: create data dir: %w", err)
	}

	path := filepath.Join(dataDir, idFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, err := ulid.ParseStrict(id); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(id), nil
}

// A single monotonic source keeps IDs generated in the same millisecond
// ordered.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a fresh time-ordered ULID.
func NewID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
