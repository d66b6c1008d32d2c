package od

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadINI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.ini")
	contents := `
[2000]
ParameterName=Battery voltage
Access=RO
Size=2

[2001sub01]
ParameterName=Cell count
Access=RW
Size=1
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	dict := New(MinCapacity)
	require.NoError(t, LoadINI(dict, path))

	entry, err := dict.Find(0x2000, 0)
	require.NoError(t, err)
	assert.Equal(t, RO, entry.Access)
	assert.EqualValues(t, 2, entry.Size)
	assert.Equal(t, "Battery voltage", entry.Name)

	entry, err = dict.Find(0x2001, 1)
	require.NoError(t, err)
	assert.Equal(t, RW, entry.Access)
	assert.EqualValues(t, 1, entry.Size)
}

func TestLoadINIRejectsUnknownAccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.ini")
	contents := `
[2000]
ParameterName=Bad
Access=XX
Size=1
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	dict := New(MinCapacity)
	err := LoadINI(dict, path)
	assert.Error(t, err)
}
