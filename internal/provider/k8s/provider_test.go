package k8s

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResourceName(t *testing.T) {
	require.Equal(t, "sbx-01h455vb4pex5vsknk084sn02q", resourceName("sbx_01h455vb4pex5vsknk084sn02q"))
	require.Len(t, resourceName("SBX_"+strings.Repeat("a", 80)), 63)
}

func TestNameHashIsStableFNV(t *testing.T) {
	require.Equal(t, "811c9dc5", nameHash(""))
	require.Equal(t, nameHash("sbx-a"), nameHash("sbx-a"))
	require.NotEqual(t, nameHash("sbx-a"), nameHash("sbx-b"))
}

func TestExpiresAtAnnotation(t *testing.T) {
	exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, ok := expiresAt(map[string]string{annotationExpiresAt: exp.Format(time.RFC3339)})
	require.True(t, ok)
	require.True(t, got.Equal(exp))

	_, ok = expiresAt(map[string]string{annotationExpiresAt: "soon"})
	require.False(t, ok)
}
