package syncer

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/entrystore"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
)

// maxFrameSize bounds one encoded event. Entries and capabilities are
// small; payloads never travel as events.
const maxFrameSize = 1 << 20

// Frames are XDR: a kind discriminant followed by the kind's body as
// variable-length opaque data.
type frameWire struct {
	Kind uint32
	Body []byte
}

type rangeWire struct {
	Start     []byte
	End       []byte
	Unbounded bool
}

type helloWire struct {
	Nonce []byte
}

type announceWire struct {
	Caps []announcedCapWire
}

type announcedCapWire struct {
	Token     []byte
	Signature []byte
}

type fingerprintWire struct {
	ID          uint64
	Share       string
	Range       rangeWire
	Fingerprint []byte
	Count       uint64
}

type subrangeWire struct {
	Range       rangeWire
	Fingerprint []byte
	Count       uint64
}

type replyWire struct {
	ID        uint64
	Result    uint32
	Subranges []subrangeWire
}

type idWire struct {
	ID uint64
}

type entryWire struct {
	Entry []byte
	Token []byte
}

type transferRequestWire struct {
	ID     string
	Share  string
	Digest []byte
	Size   uint64
}

type transferAcceptWire struct {
	ID string
}

type transferRejectWire struct {
	ID     string
	Reason string
}

type emptyWire struct{}

// EncodeEvent serialises ev for a network transport.
func EncodeEvent(ev Event) ([]byte, error) {
	var body any
	switch ev := ev.(type) {
	case *Hello:
		body = &helloWire{Nonce: ev.Nonce}
	case *ShareAnnounce:
		w := &announceWire{Caps: make([]announcedCapWire, len(ev.Caps))}
		for i, c := range ev.Caps {
			w.Caps[i] = announcedCapWire(c)
		}
		body = w
	case *RangeFingerprint:
		body = &fingerprintWire{
			ID:          ev.ID,
			Share:       string(ev.Share),
			Range:       toRangeWire(ev.Range),
			Fingerprint: ev.Fingerprint[:],
			Count:       ev.Count,
		}
	case *RangeReply:
		w := &replyWire{ID: ev.ID, Result: uint32(ev.Result), Subranges: make([]subrangeWire, len(ev.Subranges))}
		for i, sr := range ev.Subranges {
			fp := sr.Fingerprint
			w.Subranges[i] = subrangeWire{Range: toRangeWire(sr.Range), Fingerprint: fp[:], Count: sr.Count}
		}
		body = w
	case *RangeEntriesDone:
		body = &idWire{ID: ev.ID}
	case *EntryEvent:
		body = &entryWire{Entry: ev.Entry.Encode(), Token: ev.Token.Encode()}
	case *TransferRequest:
		body = &transferRequestWire{ID: ev.ID, Share: string(ev.Share), Digest: ev.Digest[:], Size: ev.Size}
	case *TransferAccept:
		body = &transferAcceptWire{ID: ev.ID}
	case *TransferReject:
		body = &transferRejectWire{ID: ev.ID, Reason: ev.Reason}
	case *ReconcileDone, *Done:
		body = &emptyWire{}
	default:
		return nil, errs.Internal("cannot encode event %T", ev)
	}

	var inner bytes.Buffer
	if _, err := xdr.Marshal(&inner, body); err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	var frame bytes.Buffer
	if _, err := xdr.Marshal(&frame, &frameWire{Kind: uint32(ev.Kind()), Body: inner.Bytes()}); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", ev.Kind(), err)
	}
	return frame.Bytes(), nil
}

// DecodeEvent parses a frame produced by EncodeEvent.
//
// Returns:
//   - Event: The decoded event
//   - error: KindProtocol for malformed or oversized frames
func DecodeEvent(data []byte) (Event, error) {
	if len(data) > maxFrameSize {
		return nil, errs.Protocol("event frame of %d bytes exceeds limit", len(data))
	}

	var frame frameWire
	if err := unmarshalExact(data, &frame); err != nil {
		return nil, err
	}

	kind := EventKind(frame.Kind)
	switch kind {
	case KindHello:
		var w helloWire
		if err := unmarshalExact(frame.Body, &w); err != nil {
			return nil, err
		}
		return &Hello{Nonce: w.Nonce}, nil

	case KindShareAnnounce:
		var w announceWire
		if err := unmarshalExact(frame.Body, &w); err != nil {
			return nil, err
		}
		ev := &ShareAnnounce{Caps: make([]AnnouncedCap, len(w.Caps))}
		for i, c := range w.Caps {
			ev.Caps[i] = AnnouncedCap(c)
		}
		return ev, nil

	case KindRangeFingerprint:
		var w fingerprintWire
		if err := unmarshalExact(frame.Body, &w); err != nil {
			return nil, err
		}
		fp, err := toFingerprint(w.Fingerprint)
		if err != nil {
			return nil, err
		}
		return &RangeFingerprint{
			ID:          w.ID,
			Share:       keys.ShareTag(w.Share),
			Range:       fromRangeWire(w.Range),
			Fingerprint: fp,
			Count:       w.Count,
		}, nil

	case KindRangeReply:
		var w replyWire
		if err := unmarshalExact(frame.Body, &w); err != nil {
			return nil, err
		}
		if ReplyResult(w.Result) > ResultSplit {
			return nil, errs.Protocol("unknown range reply result %d", w.Result)
		}
		ev := &RangeReply{ID: w.ID, Result: ReplyResult(w.Result), Subranges: make([]Subrange, len(w.Subranges))}
		for i, sr := range w.Subranges {
			fp, err := toFingerprint(sr.Fingerprint)
			if err != nil {
				return nil, err
			}
			ev.Subranges[i] = Subrange{Range: fromRangeWire(sr.Range), Fingerprint: fp, Count: sr.Count}
		}
		return ev, nil

	case KindRangeEntriesDone:
		var w idWire
		if err := unmarshalExact(frame.Body, &w); err != nil {
			return nil, err
		}
		return &RangeEntriesDone{ID: w.ID}, nil

	case KindEntry:
		var w entryWire
		if err := unmarshalExact(frame.Body, &w); err != nil {
			return nil, err
		}
		e, err := document.DecodeEntry(w.Entry)
		if err != nil {
			return nil, errs.Wrap(errs.KindProtocol, err, "entry event")
		}
		tok, err := document.DecodeAuthorisationToken(w.Token)
		if err != nil {
			return nil, errs.Wrap(errs.KindProtocol, err, "entry event token")
		}
		return &EntryEvent{Entry: e, Token: tok}, nil

	case KindTransferRequest:
		var w transferRequestWire
		if err := unmarshalExact(frame.Body, &w); err != nil {
			return nil, err
		}
		if len(w.Digest) != blob.DigestSize {
			return nil, errs.Protocol("transfer digest has %d bytes", len(w.Digest))
		}
		var d blob.Digest
		copy(d[:], w.Digest)
		return &TransferRequest{ID: w.ID, Share: keys.ShareTag(w.Share), Digest: d, Size: w.Size}, nil

	case KindTransferAccept:
		var w transferAcceptWire
		if err := unmarshalExact(frame.Body, &w); err != nil {
			return nil, err
		}
		return &TransferAccept{ID: w.ID}, nil

	case KindTransferReject:
		var w transferRejectWire
		if err := unmarshalExact(frame.Body, &w); err != nil {
			return nil, err
		}
		return &TransferReject{ID: w.ID, Reason: w.Reason}, nil

	case KindReconcileDone:
		return &ReconcileDone{}, nil

	case KindDone:
		return &Done{}, nil

	default:
		return nil, errs.Protocol("unknown event kind %d", frame.Kind)
	}
}

func unmarshalExact(data []byte, v any) error {
	n, err := xdr.Unmarshal(bytes.NewReader(data), v)
	if err != nil {
		return errs.Wrap(errs.KindProtocol, err, "decode event")
	}
	if n != len(data) {
		return errs.Protocol("event has %d trailing bytes", len(data)-n)
	}
	return nil
}

func toRangeWire(r entrystore.KeyRange) rangeWire {
	return rangeWire{Start: r.Start, End: r.End, Unbounded: r.End == nil}
}

func fromRangeWire(w rangeWire) entrystore.KeyRange {
	r := entrystore.KeyRange{Start: w.Start}
	if !w.Unbounded {
		r.End = w.End
		if r.End == nil {
			r.End = []byte{}
		}
	}
	return r
}

func toFingerprint(b []byte) (entrystore.Fingerprint, error) {
	var fp entrystore.Fingerprint
	if len(b) != len(fp) {
		return fp, errs.Protocol("fingerprint has %d bytes", len(b))
	}
	copy(fp[:], b)
	return fp, nil
}
