//go:build cgo

package embeddings

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestONNXArchive(t *testing.T) {
	tests := []struct {
		goos, goarch, want string
	}{
		{"linux", "amd64", "linux-x64"},
		{"linux", "arm64", "linux-aarch64"},
		{"darwin", "amd64", "osx-x86_64"},
		{"darwin", "arm64", "osx-arm64"},
	}
	for _, tt := range tests {
		t.Run(tt.goos+"/"+tt.goarch, func(t *testing.T) {
			got, err := onnxArchive(tt.goos, tt.goarch)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := onnxArchive("windows", "amd64")
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestONNXLibraryPath_Env(t *testing.T) {
	t.Setenv("ONNX_PATH", "/opt/onnx/libonnxruntime.so")
	assert.Equal(t, "/opt/onnx/libonnxruntime.so", ONNXLibraryPath())
}

func buildTarGz(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func TestExtractONNXLibs(t *testing.T) {
	prefix := "onnxruntime-linux-x64-1.23.0/lib/"

	t.Run("extracts lib directory only", func(t *testing.T) {
		dest := t.TempDir()
		archive := buildTarGz(t, map[string]string{
			"./" + prefix + "libonnxruntime.so.1.23.0": "elf",
			prefix + "libonnxruntime.so":               "elf",
			"onnxruntime-linux-x64-1.23.0/README.md":   "docs",
		})
		require.NoError(t, extractONNXLibs(archive, dest, prefix, "libonnxruntime.so"))

		_, err := os.Stat(filepath.Join(dest, "libonnxruntime.so"))
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(dest, "README.md"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("missing library", func(t *testing.T) {
		archive := buildTarGz(t, map[string]string{prefix + "other.so": "x"})
		err := extractONNXLibs(archive, t.TempDir(), prefix, "libonnxruntime.so")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found in archive")
	})

	t.Run("not gzip", func(t *testing.T) {
		err := extractONNXLibs(bytes.NewBufferString("plain"), t.TempDir(), prefix, "libonnxruntime.so")
		assert.Error(t, err)
	})
}
