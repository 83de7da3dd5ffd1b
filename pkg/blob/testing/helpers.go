package testing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/blob"
)

// mustStage stages data and fails the test if it errors.
func mustStage(t *testing.T, d blob.Driver, format blob.Format, data []byte) *blob.Staged {
	t.Helper()
	staged, err := d.Stage(testContext(), format, bytes.NewReader(data))
	require.NoError(t, err, "Stage should succeed")
	return staged
}

// mustPut stages and commits data.
func mustPut(t *testing.T, d blob.Driver, format blob.Format, data []byte) blob.Digest {
	t.Helper()
	staged := mustStage(t, d, format, data)
	require.NoError(t, staged.Commit(testContext()), "Commit should succeed")
	return staged.Hash
}

// mustGetBytes reads a committed blob and fails if it is absent.
func mustGetBytes(t *testing.T, d blob.Driver, format blob.Format, hash blob.Digest) []byte {
	t.Helper()
	b, err := d.GetBlob(testContext(), format, hash)
	require.NoError(t, err, "GetBlob should succeed")
	require.NotNil(t, b, "blob should exist")
	data, err := b.Bytes(testContext())
	require.NoError(t, err, "reading blob should succeed")
	return data
}

// requireAbsent fails if (format, hash) resolves.
func requireAbsent(t *testing.T, d blob.Driver, format blob.Format, hash blob.Digest) {
	t.Helper()
	b, err := d.GetBlob(testContext(), format, hash)
	require.NoError(t, err, "GetBlob should succeed")
	require.Nil(t, b, "blob should be absent")
}
