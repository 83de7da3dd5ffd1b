package gc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/blob/memory"
	"github.com/marmos91/dittoshare/pkg/capability"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/entrystore"
	"github.com/marmos91/dittoshare/pkg/path"
	"github.com/marmos91/dittoshare/pkg/peer"
	"github.com/marmos91/dittoshare/pkg/store"
)

type countingTarget struct {
	runs atomic.Int32
	err  error
}

func (c *countingTarget) CollectGarbage(context.Context) ([]blob.Ref, error) {
	c.runs.Add(1)
	return nil, c.err
}

func TestRunNowRemovesOverwrittenPayloads(t *testing.T) {
	ctx := context.Background()
	entries, err := entrystore.OpenInMemory(ctx)
	require.NoError(t, err)
	blobs := memory.NewMemoryBlobDriver()
	p, err := peer.New(ctx, peer.Config{
		KDF:     peer.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1},
		Entries: entries,
		Blobs:   blobs,
	})
	require.NoError(t, err)
	defer p.Close()

	id, err := p.CreateIdentity(ctx, "alfa")
	require.NoError(t, err)
	share, err := p.CreateShare(ctx, "docs")
	require.NoError(t, err)
	_, err = p.MintCap(ctx, share.Tag, id.Tag, capability.ModeWrite)
	require.NoError(t, err)
	st, err := p.GetStore(share.Tag)
	require.NoError(t, err)

	at := path.MustFromStrings("doc")
	for i, payload := range []string{"first", "second"} {
		ev := st.Set(ctx, store.SetInput{Identity: id.Tag, Path: at, Payload: []byte(payload), Timestamp: uint64(1000 + i)}, false)
		require.IsType(t, &document.SetSuccess{}, ev)
	}

	stats, err := NewCollector(p, Config{}).RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.DeletedCount)
	require.Len(t, stats.Removed, 1)
	assert.Equal(t, blob.ComputeDigest([]byte("first")), stats.Removed[0].Hash)

	b, err := blobs.GetBlob(ctx, blob.FormatDefault, blob.ComputeDigest([]byte("second")))
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestRunNowReportsErrors(t *testing.T) {
	target := &countingTarget{err: errors.New("disk on fire")}
	_, err := NewCollector(target, Config{}).RunNow(context.Background())
	assert.Error(t, err)
}

func TestWorkerRunsPeriodically(t *testing.T) {
	target := &countingTarget{}
	c := NewCollector(target, Config{Enabled: true, Interval: 5 * time.Millisecond})
	c.Start()
	c.Start()

	require.Eventually(t, func() bool { return target.runs.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
}

func TestDisabledCollectorDoesNothing(t *testing.T) {
	target := &countingTarget{}
	c := NewCollector(target, Config{Interval: time.Millisecond})
	c.Start()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, target.runs.Load())
	assert.NoError(t, c.Stop(context.Background()))
}
