package syncer

import (
	"context"
	"errors"
	"io"

	"github.com/oklog/ulid/v2"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/store"
)

func (s *Syncer) handleEntry(ev *EntryEvent) error {
	st := s.storeFor(ev.Entry.Share)
	if st == nil {
		logger.Warn("sync %s: dropped entry for unnegotiated share %s", s.name, ev.Entry.Share)
		s.metrics.RecordEntry("dropped")
		return nil
	}

	res, err := st.IngestEntry(s.ctx, ev.Entry, ev.Token)
	if err != nil {
		if errs.IsKind(err, errs.KindInternal) {
			return err
		}
		logger.Warn("sync %s: dropped entry %s: %v", s.name, ev.Entry, err)
		s.metrics.RecordEntry("rejected")
		return nil
	}
	s.metrics.RecordEntry(res.Outcome.String())

	if res.NeedsPayload {
		s.fetch(st, ev.Entry.Share, ev.Entry.PayloadDigest, ev.Entry.PayloadLength)
	}
	return nil
}

// fetchMissing schedules a fetch for every payload the negotiated shares
// reference but do not hold.
func (s *Syncer) fetchMissing() {
	s.mu.Lock()
	stores := make(map[keys.ShareTag]*store.Store, len(s.common))
	for tag, st := range s.common {
		stores[tag] = st
	}
	s.mu.Unlock()

	for tag, st := range stores {
		missing, err := st.MissingPayloads(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				logger.Warn("sync %s: cannot list missing payloads of %s: %v", s.name, tag, err)
			}
			continue
		}
		for _, e := range missing {
			s.fetch(st, tag, e.PayloadDigest, e.PayloadLength)
		}
	}
}

// fetch obtains one payload in the background unless a fetch for it is
// already running. In once mode a payload that failed is not retried.
func (s *Syncer) fetch(st *store.Store, share keys.ShareTag, digest blob.Digest, size uint64) {
	key := fetchKey{share: share, digest: digest}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if _, busy := s.fetching[key]; busy {
		s.mu.Unlock()
		return
	}
	if _, failed := s.failed[key]; failed && s.mode == ModeOnce {
		s.mu.Unlock()
		return
	}
	s.fetching[key] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ok := false
		select {
		case s.sem <- struct{}{}:
			ok = s.runFetch(st, TransferOpts{Share: share, Digest: digest, Size: size})
			<-s.sem
		case <-s.ctx.Done():
		}

		s.mu.Lock()
		delete(s.fetching, key)
		if ok {
			delete(s.failed, key)
		} else {
			s.failed[key] = struct{}{}
		}
		s.mu.Unlock()

		s.checkDrain()
	}()
}

// runFetch first asks the partner for the bytes directly and otherwise
// requests the remote to push them through HandleUploadRequest.
func (s *Syncer) runFetch(st *store.Store, opts TransferOpts) bool {
	if has, err := st.HasPayload(s.ctx, opts.Digest); err == nil && has {
		return true
	}

	rc, err := s.partner.GetDownload(s.ctx, opts)
	if err != nil {
		if s.ctx.Err() == nil {
			logger.Debug("sync %s: download of %s failed: %v", s.name, opts.Digest.Hash(), err)
			s.metrics.RecordTransfer("failed", 0)
		}
		return false
	}
	if rc != nil {
		defer func() { _ = rc.Close() }()
		if err := st.IngestPayload(s.ctx, opts.Digest, s.bandwidth.Reader(s.ctx, rc)); err != nil {
			logger.Warn("sync %s: payload %s rejected: %v", s.name, opts.Digest.Hash(), err)
			s.metrics.RecordTransfer("failed", 0)
			return false
		}
		s.metrics.RecordTransfer("downloaded", opts.Size)
		return true
	}

	id := ulid.Make().String()
	result := make(chan transferResult, 1)
	s.mu.Lock()
	s.waiting[id] = result
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiting, id)
		s.mu.Unlock()
	}()

	s.send(&TransferRequest{ID: id, Share: opts.Share, Digest: opts.Digest, Size: opts.Size})

	var r transferResult
	select {
	case r = <-result:
	case <-s.ctx.Done():
		return false
	}
	if !r.accepted {
		logger.Debug("sync %s: remote refused %s: %s", s.name, opts.Digest.Hash(), r.reason)
		s.metrics.RecordTransfer("refused", 0)
		return false
	}

	has, err := st.HasPayload(s.ctx, opts.Digest)
	if err != nil || !has {
		s.metrics.RecordTransfer("failed", 0)
		return false
	}
	s.metrics.RecordTransfer("uploaded", opts.Size)
	return true
}

func (s *Syncer) resolveTransfer(id string, r transferResult) {
	s.mu.Lock()
	ch, ok := s.waiting[id]
	s.mu.Unlock()
	if !ok {
		logger.Debug("sync %s: transfer answer for unknown request %s", s.name, id)
		return
	}
	// The first answer wins; a repeated one must not stall the read loop.
	select {
	case ch <- r:
	default:
		logger.Debug("sync %s: duplicate transfer answer for %s", s.name, id)
	}
}

// serveTransfer pushes a payload the remote asked for and tells it how
// that went.
func (s *Syncer) serveTransfer(ev *TransferRequest) {
	defer s.wg.Done()

	if err := s.pushPayload(ev); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		logger.Debug("sync %s: refused transfer %s: %v", s.name, ev.ID, err)
		s.send(&TransferReject{ID: ev.ID, Reason: err.Error()})
		return
	}
	s.send(&TransferAccept{ID: ev.ID})
}

func (s *Syncer) pushPayload(ev *TransferRequest) error {
	st := s.storeFor(ev.Share)
	if st == nil {
		return errs.Validation("share %s is not synchronised", ev.Share)
	}
	b, err := st.Payload(s.ctx, ev.Digest)
	if err != nil {
		return err
	}
	if b == nil {
		return errs.Wrap(errs.KindValidation, ErrPayloadNotHeld, "%s", ev.Digest.Hash())
	}

	w, err := s.partner.HandleUploadRequest(s.ctx, TransferOpts{Share: ev.Share, Digest: ev.Digest, Size: ev.Size, ID: ev.ID})
	if err != nil {
		return err
	}
	if w == nil {
		return errs.Protocol("transport cannot push payloads")
	}

	rc, err := b.Stream(s.ctx)
	if err != nil {
		_ = w.Close()
		return err
	}
	_, copyErr := io.Copy(w, s.bandwidth.Reader(s.ctx, rc))
	_ = rc.Close()
	closeErr := w.Close()
	return errors.Join(copyErr, closeErr)
}

// IncomingTransfer handles a payload transfer the transport received
// outside the event channel. source is whatever the transport passes to
// Partner.HandleTransferRequest.
//
// Returns:
//   - error: KindProtocol for a share that is not synchronised, the ingest
//     error for a bad upload
func (s *Syncer) IncomingTransfer(ctx context.Context, source any, kind TransferKind, opts TransferOpts) error {
	st := s.storeFor(opts.Share)
	if st == nil {
		return errs.Protocol("share %s is not synchronised", opts.Share)
	}

	t, err := s.partner.HandleTransferRequest(ctx, source, kind)
	if err != nil {
		return err
	}
	if t == nil {
		return errs.Protocol("transport produced no stream for %s", kind)
	}

	switch kind {
	case TransferUpload:
		if t.Reader == nil {
			return errs.Protocol("upload without a reader")
		}
		defer func() { _ = t.Reader.Close() }()
		if err := st.IngestPayload(ctx, opts.Digest, s.bandwidth.Reader(ctx, t.Reader)); err != nil {
			return err
		}
		return nil

	case TransferDownload:
		if t.Writer == nil {
			return errs.Protocol("download without a writer")
		}
		b, err := st.Payload(ctx, opts.Digest)
		if err != nil {
			_ = t.Writer.Close()
			return err
		}
		if b == nil {
			_ = t.Writer.Close()
			return errs.Wrap(errs.KindValidation, ErrPayloadNotHeld, "%s", opts.Digest.Hash())
		}
		rc, err := b.Stream(ctx)
		if err != nil {
			_ = t.Writer.Close()
			return err
		}
		defer func() { _ = rc.Close() }()
		_, copyErr := io.Copy(t.Writer, s.bandwidth.Reader(ctx, rc))
		return errors.Join(copyErr, t.Writer.Close())

	default:
		return errs.Protocol("unknown transfer kind %d", kind)
	}
}

// checkDrain sends Done in once mode once both rounds are finished and no
// fetch is pending, and closes the session if the remote is done too.
func (s *Syncer) checkDrain() {
	s.mu.Lock()
	if s.mode != ModeOnce || s.doneSent || !s.negotiated || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if !s.ownRoundDone || !s.remoteRoundDone || s.roundActive || len(s.fetching) > 0 {
		s.mu.Unlock()
		return
	}
	s.doneSent = true
	remoteDone := s.remoteDone
	s.mu.Unlock()

	logger.Debug("sync %s: nothing left to do", s.name)
	s.send(&Done{})
	if remoteDone {
		go s.finish()
	}
}
