package syncer

import (
	"context"
	"errors"
	"io"

	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/capability"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/store"
)

var (
	// ErrChannelClosed is returned by Send and Recv once a channel is closed.
	ErrChannelClosed = errors.New("sync channel closed")

	// ErrPayloadNotHeld reports a transfer of a payload the serving side
	// does not have.
	ErrPayloadNotHeld = errors.New("payload not held")
)

// Channel is a duplex, ordered event stream to the remote side.
//
// Close must unblock any pending Send or Recv on either end.
type Channel interface {
	Send(ctx context.Context, ev Event) error
	Recv(ctx context.Context) (Event, error)
	Close() error
}

// TransferKind says which way a payload moves relative to the local side.
type TransferKind int

const (
	// TransferUpload moves a payload from the remote to us.
	TransferUpload TransferKind = iota
	// TransferDownload moves a payload from us to the remote.
	TransferDownload
)

func (k TransferKind) String() string {
	if k == TransferUpload {
		return "upload"
	}
	return "download"
}

// TransferOpts identifies one payload.
type TransferOpts struct {
	Share  keys.ShareTag
	Digest blob.Digest
	Size   uint64

	// ID is the TransferRequest an upload answers. Empty for downloads.
	ID string
}

// Transfer is the byte stream a transport produced for an incoming
// transfer. Reader is set for uploads, Writer for downloads.
type Transfer struct {
	Reader io.ReadCloser
	Writer io.WriteCloser
}

// Partner is the transport a Syncer runs over.
//
// Each hook may return nil with a nil error to mean "nothing special
// here"; the Syncer then falls back to negotiating over the channel.
type Partner interface {
	// Channel returns the event stream.
	Channel() Channel

	// GetDownload returns the remote's payload bytes when the transport
	// can fetch them directly. A KindValidation error means the remote does
	// not know the share.
	GetDownload(ctx context.Context, opts TransferOpts) (io.ReadCloser, error)

	// HandleUploadRequest returns a writer that delivers a payload to the
	// remote, which asked for it with a TransferRequest.
	HandleUploadRequest(ctx context.Context, opts TransferOpts) (io.WriteCloser, error)

	// HandleTransferRequest turns a transport-specific inbound transfer
	// source into a stream.
	HandleTransferRequest(ctx context.Context, source any, kind TransferKind) (*Transfer, error)
}

// Peer is what a Syncer needs from the local participant. *peer.Peer
// implements it.
type Peer interface {
	// ReadCapabilities returns the read capabilities held by local
	// identities; they decide which shares are offered.
	ReadCapabilities() []*capability.Capability

	// IdentityByPublicKey returns the local identity able to sign for a
	// capability receiver.
	IdentityByPublicKey(pub keys.PublicKey) (keys.Identity, bool)

	// GetStore returns the Store for a share.
	GetStore(share keys.ShareTag) (*store.Store, error)
}
