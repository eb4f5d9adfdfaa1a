package logstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawnpdoherty/beaker/internal/config"
)

func TestLocalPutAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := New(ctx, config.Config{LogStoreDir: dir})
	require.NoError(t, err)

	path, err := st.Put(ctx, JobXMLKey(12), []byte("<job/>"), "application/xml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "jobs", "12", "job.xml"), path)
	_, err = st.Put(ctx, JobPrefix(12)+"recipes/3/console.log", []byte("boot"), "text/plain")
	require.NoError(t, err)
	_, err = st.Put(ctx, JobXMLKey(13), []byte("<job/>"), "application/xml")
	require.NoError(t, err)

	require.NoError(t, st.DeletePrefix(ctx, JobPrefix(12)))
	_, err = os.Stat(filepath.Join(dir, "jobs", "12"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "jobs", "13", "job.xml"))
	assert.NoError(t, err)

	// already gone
	require.NoError(t, st.DeletePrefix(ctx, JobPrefix(12)))
}

func TestSanitizeKeyStaysInsideBase(t *testing.T) {
	key, err := sanitizeKey("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "etc/passwd", key)

	_, err = sanitizeKey("/")
	assert.Error(t, err)
}
