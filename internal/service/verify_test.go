package service

import (
	"bytes"
	"context"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		if name[len(name)-1] != '/' {
			_, err = w.Write([]byte("content of " + name))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestZipVerifierListsEntries(t *testing.T) {
	data := buildZip(t, "docs/", "docs/readme.txt", "b.bin", "../outside.txt")
	v, err := ZipVerifier{}.Verify(context.Background(), bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/", "docs/readme.txt", "b.bin", "../outside.txt"}, v.Entries)
	assert.Len(t, v.Hash, 64)
}

func TestZipVerifierNonZip(t *testing.T) {
	data := []byte("abc")
	v, err := ZipVerifier{}.Verify(context.Background(), bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", v.Hash)
	assert.NotNil(t, v.Entries)
	assert.Empty(t, v.Entries)
}

func TestHashBlobHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := hashBlob(ctx, bytes.NewReader(make([]byte, 10)))
	assert.ErrorIs(t, err, context.Canceled)
}
