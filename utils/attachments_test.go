package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndRemoveAttachment(t *testing.T) {
	dir := t.TempDir()

	path, err := SaveAttachment(dir, "../../etc/report.pdf", []byte("pdf"))
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasSuffix(path, "-report.pdf"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "pdf", string(data))

	require.NoError(t, RemoveFiles([]string{path, filepath.Join(dir, "missing")}))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
