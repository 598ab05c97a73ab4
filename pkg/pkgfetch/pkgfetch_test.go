package pkgfetch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestStage_LocalWithGlob(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, filepath.Join(src, "helmsman-be-1.2.0.tar.gz"), "be")
	writeFile(t, filepath.Join(src, "helmsman-fe-1.2.0.tar.gz"), "fe")
	writeFile(t, filepath.Join(src, "checksums.txt"), "sums")

	staged, err := New(Config{}).Stage(context.Background(), src, "helmsman-be-*.tar.gz", dest)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, filepath.Join(dest, "helmsman-be-1.2.0.tar.gz"), staged[0])

	content, err := os.ReadFile(staged[0])
	require.NoError(t, err)
	assert.Equal(t, "be", string(content))
}

func TestStage_LocalNestedDoublestar(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, filepath.Join(src, "releases", "1.2.0", "helmsman-broker.tar.gz"), "broker")

	staged, err := New(Config{}).Stage(context.Background(), src, "**/helmsman-broker.tar.gz", dest)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, filepath.Join(dest, "helmsman-broker.tar.gz"), staged[0])
}

func TestStage_EmptyPatternStagesEverything(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, filepath.Join(src, "a.tar.gz"), "a")
	writeFile(t, filepath.Join(src, "b.tar.gz"), "b")

	staged, err := New(Config{}).Stage(context.Background(), src, "", dest)
	require.NoError(t, err)
	assert.Len(t, staged, 2)
}

func TestStage_NoMatch(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, filepath.Join(src, "a.tar.gz"), "a")

	_, err := New(Config{}).Stage(context.Background(), src, "nope-*.tar.gz", dest)
	require.Error(t, err)
	var fetchErr *FetchError
	assert.ErrorAs(t, err, &fetchErr)
}

func TestStage_MissingSource(t *testing.T) {
	_, err := New(Config{}).Stage(context.Background(),
		filepath.Join(t.TempDir(), "missing"), "", t.TempDir())
	assert.Error(t, err)
}

func TestStage_ArgumentValidation(t *testing.T) {
	_, err := New(Config{}).Stage(context.Background(), "", "", t.TempDir())
	assert.Error(t, err)

	_, err = New(Config{}).Stage(context.Background(), t.TempDir(), "", "")
	assert.Error(t, err)
}

func TestSplitS3URI(t *testing.T) {
	bucket, prefix, err := splitS3URI("s3://releases/helmsman/1.2.0/")
	require.NoError(t, err)
	assert.Equal(t, "releases", bucket)
	assert.Equal(t, "helmsman/1.2.0", prefix)

	bucket, prefix, err = splitS3URI("s3://releases")
	require.NoError(t, err)
	assert.Equal(t, "releases", bucket)
	assert.Empty(t, prefix)

	_, _, err = splitS3URI("s3:///no-bucket")
	assert.Error(t, err)
}
