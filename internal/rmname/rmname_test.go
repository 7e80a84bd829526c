package rmname

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
)

func TestInitThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rm", "names.yaml")

	rec, err := Init(path, "RRSB")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.RMName, "RRSB."))
	assert.LessOrEqual(t, len(rec.RMName), MaxNameLength)
	assert.NotEmpty(t, rec.LogName)

	loaded, err := Load(path, "RRSB")
	require.NoError(t, err)
	assert.Equal(t, rec.RMName, loaded.RMName)
	assert.Equal(t, rec.LogName, loaded.LogName)
}

func TestInitKeepsExistingName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.yaml")

	first, err := Init(path, "RRSB")
	require.NoError(t, err)
	second, err := Init(path, "RRSB")
	require.NoError(t, err)
	assert.Equal(t, first.RMName, second.RMName)
}

func TestLoadMissingIsConfigurationError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "RRSB")
	require.Error(t, err)
	assert.True(t, rrserrors.Is(err, rrserrors.Configuration))
}

func TestLoadPrefixMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.yaml")
	_, err := Init(path, "RRSB")
	require.NoError(t, err)

	_, err = Load(path, "OTHER")
	require.Error(t, err)
	assert.True(t, rrserrors.Is(err, rrserrors.Configuration))
}

func TestLoadRejectsIncompleteLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rm_name: RRSB.X\n"), 0644))

	_, err := Load(path, "RRSB")
	assert.True(t, rrserrors.Is(err, rrserrors.Configuration))
}

func TestInitRejectsBadPrefix(t *testing.T) {
	dir := t.TempDir()
	_, err := Init(filepath.Join(dir, "a.yaml"), "")
	assert.True(t, rrserrors.Is(err, rrserrors.Configuration))

	_, err = Init(filepath.Join(dir, "b.yaml"), "A PREFIX")
	assert.True(t, rrserrors.Is(err, rrserrors.Configuration))
}
