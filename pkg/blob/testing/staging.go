package testing

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/blob"
)

const testFormat blob.Format = "test"

// RunStagingTests covers the stage / commit / reject lifecycle.
func (suite *DriverTestSuite) RunStagingTests(t *testing.T) {
	t.Run("CommitBytes", func(t *testing.T) {
		d := suite.NewDriver(t)
		data := []byte("Hello world")

		staged := mustStage(t, d, testFormat, data)
		assert.Equal(t, blob.ComputeDigest(data), staged.Hash)
		assert.Equal(t, int64(len(data)), staged.Size)

		requireAbsent(t, d, testFormat, staged.Hash)

		require.NoError(t, staged.Commit(testContext()))
		assert.Equal(t, data, mustGetBytes(t, d, testFormat, staged.Hash))
	})

	t.Run("CommitStream", func(t *testing.T) {
		d := suite.NewDriver(t)
		data := strings.Repeat("stream me ", 10000)

		staged, err := d.Stage(testContext(), testFormat, io.NopCloser(strings.NewReader(data)))
		require.NoError(t, err)
		require.NoError(t, staged.Commit(testContext()))

		b, err := d.GetBlob(testContext(), testFormat, staged.Hash)
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, int64(len(data)), b.Size)

		rc, err := b.Stream(testContext())
		require.NoError(t, err)
		defer rc.Close()
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, data, string(got))
	})

	t.Run("Reject", func(t *testing.T) {
		d := suite.NewDriver(t)

		staged := mustStage(t, d, testFormat, []byte("discard me"))
		require.NoError(t, staged.Reject(testContext()))
		requireAbsent(t, d, testFormat, staged.Hash)

		assert.ErrorIs(t, staged.Commit(testContext()), blob.ErrStagingClosed)
	})

	t.Run("ResolveTwice", func(t *testing.T) {
		d := suite.NewDriver(t)

		staged := mustStage(t, d, testFormat, []byte("once"))
		require.NoError(t, staged.Commit(testContext()))
		require.NoError(t, staged.Commit(testContext()))
		assert.ErrorIs(t, staged.Reject(testContext()), blob.ErrStagingClosed)
		assert.Equal(t, []byte("once"), mustGetBytes(t, d, testFormat, staged.Hash))
	})

	t.Run("IdenticalBytesSameHash", func(t *testing.T) {
		d := suite.NewDriver(t)
		data := []byte("same")

		first := mustStage(t, d, testFormat, data)
		second := mustStage(t, d, testFormat, data)
		assert.Equal(t, first.Hash, second.Hash)

		require.NoError(t, second.Commit(testContext()))
		require.NoError(t, first.Reject(testContext()))
		assert.Equal(t, data, mustGetBytes(t, d, testFormat, first.Hash))
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		d := suite.NewDriver(t)

		hash := mustPut(t, d, testFormat, nil)
		assert.Equal(t, blob.EmptyDigest, hash)
		assert.Empty(t, mustGetBytes(t, d, testFormat, hash))
	})

	t.Run("FormatsAreSeparate", func(t *testing.T) {
		d := suite.NewDriver(t)

		hash := mustPut(t, d, testFormat, []byte("formatted"))
		requireAbsent(t, d, "other", hash)
	})

	t.Run("InvalidFormat", func(t *testing.T) {
		d := suite.NewDriver(t)

		_, err := d.Stage(testContext(), "../escape", strings.NewReader("x"))
		assert.ErrorIs(t, err, blob.ErrInvalidFormat)
	})
}

// RunEraseTests covers removing single blobs.
func (suite *DriverTestSuite) RunEraseTests(t *testing.T) {
	t.Run("EraseCommitted", func(t *testing.T) {
		d := suite.NewDriver(t)

		hash := mustPut(t, d, testFormat, []byte("erase me"))
		require.NoError(t, d.Erase(testContext(), testFormat, hash))
		requireAbsent(t, d, testFormat, hash)
	})

	t.Run("EraseMissing", func(t *testing.T) {
		d := suite.NewDriver(t)

		err := d.Erase(testContext(), testFormat, blob.ComputeDigest([]byte("never")))
		assert.ErrorIs(t, err, blob.ErrBlobNotFound)
	})
}

// RunFilterTests covers garbage collection by retain set.
func (suite *DriverTestSuite) RunFilterTests(t *testing.T) {
	t.Run("KeepsRetained", func(t *testing.T) {
		d := suite.NewDriver(t)

		keepHash := mustPut(t, d, testFormat, []byte("keep"))
		dropHash := mustPut(t, d, testFormat, []byte("drop"))
		otherHash := mustPut(t, d, "other", []byte("other format"))

		keep := blob.KeepSet{}
		keep.Add(testFormat, keepHash)

		erased, err := d.Filter(testContext(), keep)
		require.NoError(t, err)
		assert.ElementsMatch(t, []blob.Ref{
			{Format: testFormat, Hash: dropHash},
			{Format: "other", Hash: otherHash},
		}, erased)

		assert.Equal(t, []byte("keep"), mustGetBytes(t, d, testFormat, keepHash))
		requireAbsent(t, d, testFormat, dropHash)
		requireAbsent(t, d, "other", otherHash)
	})

	t.Run("NothingToErase", func(t *testing.T) {
		d := suite.NewDriver(t)

		hash := mustPut(t, d, testFormat, []byte("keep"))
		keep := blob.KeepSet{}
		keep.Add(testFormat, hash)

		erased, err := d.Filter(testContext(), keep)
		require.NoError(t, err)
		assert.Empty(t, erased)
	})
}

// RunWipeTests covers resetting the driver.
func (suite *DriverTestSuite) RunWipeTests(t *testing.T) {
	d := suite.NewDriver(t)

	a := mustPut(t, d, testFormat, []byte("a"))
	b := mustPut(t, d, "other", []byte("b"))
	pending := mustStage(t, d, testFormat, []byte("pending"))

	require.NoError(t, d.Wipe(testContext()))
	requireAbsent(t, d, testFormat, a)
	requireAbsent(t, d, "other", b)

	// A staged handle from before the wipe cannot resurrect content.
	_ = pending.Commit(testContext())
	requireAbsent(t, d, testFormat, pending.Hash)
}
