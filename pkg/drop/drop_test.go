package drop

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/path"
)

func testEntry(t *testing.T, share keys.ShareTag, payload string, components ...string) document.Entry {
	t.Helper()
	id, err := keys.NewIdentity("test")
	require.NoError(t, err)
	return document.Entry{
		Share:         share,
		Identity:      id.Tag,
		Path:          path.MustFromStrings(components...),
		Timestamp:     42,
		PayloadDigest: blob.ComputeDigest([]byte(payload)),
		PayloadLength: uint64(len(payload)),
	}
}

func writeDrop(t *testing.T, share keys.ShareTag, transform Transform, items ...Item) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, share, transform)
	require.NoError(t, err)
	for _, it := range items {
		require.NoError(t, w.Add(it))
	}
	assert.Equal(t, len(items), w.Count())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func readAll(t *testing.T, data []byte, reverse ReverseTransform) (Manifest, []Item, [][]byte) {
	t.Helper()
	r, err := NewReader(bytes.NewReader(data), reverse)
	require.NoError(t, err)
	defer r.Close()

	var (
		items    []Item
		payloads [][]byte
	)
	for {
		it, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		var payload []byte
		if it.Payload != nil {
			payload, err = io.ReadAll(it.Payload)
			require.NoError(t, err)
		}
		items = append(items, it)
		payloads = append(payloads, payload)
	}
	return r.Manifest(), items, payloads
}

func TestRoundTrip(t *testing.T) {
	share, err := keys.NewShare("docs")
	require.NoError(t, err)

	a := testEntry(t, share.Tag, "hello", "a")
	b := testEntry(t, share.Tag, "skipped", "b")
	c := testEntry(t, share.Tag, "world", "c")

	data := writeDrop(t, share.Tag, nil,
		Item{Entry: a, Token: document.AuthorisationToken{Signature: []byte{1}}, Payload: bytes.NewReader([]byte("hello"))},
		Item{Entry: b},
		Item{Entry: c, Payload: bytes.NewReader([]byte("world"))},
	)

	manifest, items, payloads := readAll(t, data, nil)
	assert.Equal(t, string(share.Tag), manifest.Share)
	assert.Equal(t, FormatVersion, manifest.Version)
	assert.NotEmpty(t, manifest.ID)

	require.Len(t, items, 3)
	assert.Equal(t, a.Encode(), items[0].Entry.Encode())
	assert.Equal(t, []byte{1}, items[0].Token.Signature)
	assert.Equal(t, []byte("hello"), payloads[0])
	assert.Nil(t, items[1].Payload)
	assert.Equal(t, []byte("world"), payloads[2])
}

func TestUnreadPayloadIsSkipped(t *testing.T) {
	share, err := keys.NewShare("docs")
	require.NoError(t, err)
	a := testEntry(t, share.Tag, "first", "a")
	b := testEntry(t, share.Tag, "second", "b")

	data := writeDrop(t, share.Tag, nil,
		Item{Entry: a, Payload: bytes.NewReader([]byte("first"))},
		Item{Entry: b, Payload: bytes.NewReader([]byte("second"))},
	)

	r, err := NewReader(bytes.NewReader(data), nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	require.NoError(t, err)
	it, err := r.Next()
	require.NoError(t, err)
	got, err := io.ReadAll(it.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWrongPayloadLengthFailsOnWrite(t *testing.T) {
	share, err := keys.NewShare("docs")
	require.NoError(t, err)
	e := testEntry(t, share.Tag, "hello", "a")

	w, err := NewWriter(io.Discard, share.Tag, nil)
	require.NoError(t, err)
	err = w.Add(Item{Entry: e, Payload: bytes.NewReader([]byte("hi"))})
	assert.Error(t, err)
}

func TestEncryptedRoundTrip(t *testing.T) {
	share, err := keys.NewShare("docs")
	require.NoError(t, err)

	var key [KeySize]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")

	big := bytes.Repeat([]byte("x"), 3*chunkSize+17)
	e := testEntry(t, share.Tag, string(big), "big")

	data := writeDrop(t, share.Tag, SecretboxEncrypt(&key), Item{Entry: e, Payload: bytes.NewReader(big)})

	_, items, payloads := readAll(t, data, SecretboxDecrypt(&key))
	require.Len(t, items, 1)
	assert.Equal(t, big, payloads[0])

	var wrong [KeySize]byte
	_, err = NewReader(bytes.NewReader(data), SecretboxDecrypt(&wrong))
	assert.Error(t, err)
}

func TestEncryptedTruncationFails(t *testing.T) {
	var key [KeySize]byte
	var buf bytes.Buffer
	w, err := SecretboxEncrypt(&key)(&buf)
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte("y"), chunkSize+10))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	full := buf.Bytes()
	r, err := SecretboxDecrypt(&key)(bytes.NewReader(full))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, got, chunkSize+10)

	// Drop the final chunk: the first chunk alone is not marked final.
	firstChunk := prefixSize + chunkHeader + chunkSize + 16
	r, err = SecretboxDecrypt(&key)(bytes.NewReader(full[:firstChunk]))
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestGarbageIsRejected(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("not a drop")), nil)
	assert.Error(t, err)
}
