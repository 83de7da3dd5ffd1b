package grpcsync

import (
	"bytes"
	"errors"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/syncer"
)

// chunkSize is the payload bytes carried by one stream message.
const chunkSize = 64 * 1024

type transferWire struct {
	Share  string
	Digest [blob.DigestSize]byte
	Size   uint64
	ID     string
}

func encodeTransfer(opts syncer.TransferOpts) *wrapperspb.BytesValue {
	var buf bytes.Buffer
	_, _ = xdr.Marshal(&buf, &transferWire{Share: string(opts.Share), Digest: opts.Digest, Size: opts.Size, ID: opts.ID})
	return wrapperspb.Bytes(buf.Bytes())
}

func decodeTransfer(in *wrapperspb.BytesValue) (syncer.TransferOpts, error) {
	var w transferWire
	r := bytes.NewReader(in.GetValue())
	if _, err := xdr.Unmarshal(r, &w); err != nil || r.Len() != 0 {
		return syncer.TransferOpts{}, errs.Protocol("malformed transfer header")
	}
	share, _, err := keys.ParseShareTag(w.Share)
	if err != nil {
		return syncer.TransferOpts{}, err
	}
	return syncer.TransferOpts{Share: share, Digest: w.Digest, Size: w.Size, ID: w.ID}, nil
}

// toStatus maps an error kind onto a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, syncer.ErrPayloadNotHeld):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, blob.ErrDigestMismatch):
		return status.Error(codes.DataLoss, err.Error())
	case errs.IsKind(err, errs.KindValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errs.IsKind(err, errs.KindAuthorisation):
		return status.Error(codes.PermissionDenied, err.Error())
	case errs.IsKind(err, errs.KindProtocol):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus maps a gRPC status back onto an error kind.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.OK:
		return nil
	case codes.InvalidArgument, codes.NotFound:
		return errs.Validation("%s", st.Message())
	case codes.PermissionDenied:
		return errs.Authorisation("%s", st.Message())
	case codes.DataLoss:
		return errs.Wrap(errs.KindProtocol, blob.ErrDigestMismatch, "%s", st.Message())
	case codes.FailedPrecondition, codes.Unimplemented:
		return errs.Protocol("%s", st.Message())
	default:
		return errs.Wrap(errs.KindProtocol, err, "rpc failed")
	}
}

// msgStream is the part of grpc.ServerStream and grpc.ClientStream used for
// byte streams.
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// chunkReader reads the payload chunks of a stream until io.EOF.
type chunkReader struct {
	stream msgStream
	buf    []byte
	err    error
	close  func()
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		msg := new(wrapperspb.BytesValue)
		if err := r.stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				r.err = io.EOF
			} else {
				r.err = fromStatus(err)
			}
			continue
		}
		r.buf = msg.GetValue()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	if r.close != nil {
		r.close()
		r.close = nil
	}
	return nil
}

// chunkWriter splits writes into stream messages.
type chunkWriter struct {
	stream msgStream
	close  func() error
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), chunkSize)
		if err := w.stream.SendMsg(wrapperspb.Bytes(p[:n])); err != nil {
			return written, fromStatus(err)
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

func (w *chunkWriter) Close() error {
	if w.close == nil {
		return nil
	}
	err := w.close()
	w.close = nil
	return err
}

var (
	_ msgStream = (grpc.ServerStream)(nil)
	_ msgStream = (grpc.ClientStream)(nil)
)
