// Package ids generates identifiers for migration runs and remote sandboxes.
package ids

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewMigrationID returns an id for one migration run.
func NewMigrationID() string {
	return newID("mig")
}

// NewSandboxName returns a name for a newly provisioned sandbox.
func NewSandboxName() string {
	return newID("sbx")
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}
