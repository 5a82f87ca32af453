package ids

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.jetify.com/typeid"
)

func TestNewMigrationIDIsTypeID(t *testing.T) {
	id := NewMigrationID()
	parsed, err := typeid.FromString(id)
	require.NoError(t, err, "id %q", id)
	require.Equal(t, "mig", parsed.Prefix())
}

func TestNewIDFallsBackToTimestamp(t *testing.T) {
	original := generateTypeID
	t.Cleanup(func() { generateTypeID = original })

	generateTypeID = func(string) (string, error) {
		return "", errors.New("boom")
	}

	id := NewSandboxName()
	require.True(t, strings.HasPrefix(id, "sbx-"), "fallback id %q", id)
}
