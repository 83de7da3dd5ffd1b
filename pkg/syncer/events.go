package syncer

import (
	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/entrystore"
	"github.com/marmos91/dittoshare/pkg/keys"
)

// EventKind identifies a protocol event on the wire.
type EventKind uint32

const (
	KindHello EventKind = iota + 1
	KindShareAnnounce
	KindRangeFingerprint
	KindRangeReply
	KindRangeEntriesDone
	KindEntry
	KindTransferRequest
	KindTransferAccept
	KindTransferReject
	KindReconcileDone
	KindDone
)

func (k EventKind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindShareAnnounce:
		return "share_announce"
	case KindRangeFingerprint:
		return "range_fingerprint"
	case KindRangeReply:
		return "range_reply"
	case KindRangeEntriesDone:
		return "range_entries_done"
	case KindEntry:
		return "entry"
	case KindTransferRequest:
		return "transfer_request"
	case KindTransferAccept:
		return "transfer_accept"
	case KindTransferReject:
		return "transfer_reject"
	case KindReconcileDone:
		return "reconcile_done"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one message on a sync channel. Payload bytes never travel as
// events; they are moved by the Partner's transfer hooks.
type Event interface {
	Kind() EventKind
}

// Hello opens a session with a fresh nonce. The remote signs its
// announced capabilities over this nonce.
type Hello struct {
	Nonce []byte
}

// AnnouncedCap is a read capability and a signature by its receiver over
// the remote's nonce and the token.
type AnnouncedCap struct {
	Token     []byte
	Signature []byte
}

// ShareAnnounce lists the read capabilities a side holds.
type ShareAnnounce struct {
	Caps []AnnouncedCap
}

// RangeFingerprint asks the remote to compare one key range of a share.
type RangeFingerprint struct {
	ID          uint64
	Share       keys.ShareTag
	Range       entrystore.KeyRange
	Fingerprint entrystore.Fingerprint
	Count       uint64
}

// ReplyResult is the remote's verdict on a RangeFingerprint.
type ReplyResult uint32

const (
	// ResultMatch means both sides hold the same entries in the range.
	ResultMatch ReplyResult = iota
	// ResultEntries means the replier sent its entries in the range and
	// wants the requester's.
	ResultEntries
	// ResultSplit means the replier split the range; Subranges carry its
	// fingerprints.
	ResultSplit
)

// Subrange is one part of a split range as seen by the replier.
type Subrange struct {
	Range       entrystore.KeyRange
	Fingerprint entrystore.Fingerprint
	Count       uint64
}

// RangeReply answers a RangeFingerprint.
type RangeReply struct {
	ID        uint64
	Result    ReplyResult
	Subranges []Subrange
}

// RangeEntriesDone follows the requester's entries for a range.
type RangeEntriesDone struct {
	ID uint64
}

// EntryEvent carries one entry and its authorisation token.
type EntryEvent struct {
	Entry document.Entry
	Token document.AuthorisationToken
}

// TransferRequest asks the remote to push a payload through the
// Partner's upload hook.
type TransferRequest struct {
	ID     string
	Share  keys.ShareTag
	Digest blob.Digest
	Size   uint64
}

// TransferAccept reports that a requested payload was pushed.
type TransferAccept struct {
	ID string
}

// TransferReject reports that a requested payload cannot be pushed.
type TransferReject struct {
	ID     string
	Reason string
}

// ReconcileDone marks the end of the sender's reconciliation round. Every
// entry of that round precedes it on the channel.
type ReconcileDone struct{}

// Done tells the remote that the sender needs nothing more from it.
type Done struct{}

func (*Hello) Kind() EventKind            { return KindHello }
func (*ShareAnnounce) Kind() EventKind    { return KindShareAnnounce }
func (*RangeFingerprint) Kind() EventKind { return KindRangeFingerprint }
func (*RangeReply) Kind() EventKind       { return KindRangeReply }
func (*RangeEntriesDone) Kind() EventKind { return KindRangeEntriesDone }
func (*EntryEvent) Kind() EventKind       { return KindEntry }
func (*TransferRequest) Kind() EventKind  { return KindTransferRequest }
func (*TransferAccept) Kind() EventKind   { return KindTransferAccept }
func (*TransferReject) Kind() EventKind   { return KindTransferReject }
func (*ReconcileDone) Kind() EventKind    { return KindReconcileDone }
func (*Done) Kind() EventKind             { return KindDone }
