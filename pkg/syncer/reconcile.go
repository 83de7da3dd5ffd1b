package syncer

import (
	"bytes"
	"slices"
	"time"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/entrystore"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
)

// Reconciliation compares ranges of the shared key space by fingerprint.
// The side that starts a round owns every range id it sends; the responder
// answers each RangeFingerprint with one RangeReply:
//
//	match    the range is identical, nothing to do
//	entries  the responder sent its entries of the range; the initiator
//	         sends its own followed by RangeEntriesDone
//	split    the responder split the range and reports the halves; the
//	         initiator recurses into the halves that differ
//
// A round completes when no range id is outstanding.

// startRound begins reconciling every negotiated share. When a round is
// already running another is queued behind it; before negotiation the
// request is remembered.
func (s *Syncer) startRound() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if !s.negotiated {
		s.roundPending = true
		s.mu.Unlock()
		return
	}
	if s.roundActive {
		s.roundAgain = true
		s.mu.Unlock()
		return
	}
	s.roundActive = true
	s.roundPending = false
	s.roundStart = time.Now()
	shares := make([]keys.ShareTag, 0, len(s.common))
	for tag := range s.common {
		shares = append(shares, tag)
	}
	s.mu.Unlock()
	slices.Sort(shares)

	// Ids are registered before anything is sent so that a fast reply to
	// the first share cannot complete the round early.
	var initial []*RangeFingerprint
	for _, share := range shares {
		st := s.storeFor(share)
		fp, count, err := st.Entries().Summarise(s.ctx, share, entrystore.FullRange)
		if err != nil {
			s.closeWith(errs.Wrap(errs.KindInternal, err, "summarise %s", share))
			return
		}
		initial = append(initial, &RangeFingerprint{
			Share:       share,
			Range:       entrystore.FullRange,
			Fingerprint: fp,
			Count:       uint64(count),
		})
	}

	s.mu.Lock()
	for _, rf := range initial {
		rf.ID = s.registerLocked(pendingRange{share: rf.Share, rng: rf.Range})
	}
	s.mu.Unlock()

	logger.Debug("sync %s: reconcile round started over %d share(s)", s.name, len(shares))
	for _, rf := range initial {
		s.send(rf)
	}
	if len(initial) == 0 {
		s.completeRound()
	}
}

func (s *Syncer) registerLocked(p pendingRange) uint64 {
	s.nextID++
	s.outstanding[s.nextID] = p
	return s.nextID
}

// resolve retires a range id and completes the round when it was the last.
func (s *Syncer) resolve(id uint64) {
	s.mu.Lock()
	delete(s.outstanding, id)
	last := s.roundActive && len(s.outstanding) == 0
	s.mu.Unlock()
	if last {
		s.completeRound()
	}
}

func (s *Syncer) completeRound() {
	s.mu.Lock()
	elapsed := time.Since(s.roundStart)
	s.roundActive = false
	s.ownRoundDone = true
	again := s.roundAgain || s.roundPending
	s.roundAgain = false
	s.roundPending = false
	s.mu.Unlock()

	s.metrics.ObserveRound(elapsed)
	logger.Debug("sync %s: reconcile round completed in %s", s.name, elapsed)

	s.send(&ReconcileDone{})
	s.fetchMissing()
	if again {
		s.startRound()
	}
	s.checkDrain()
}

func (s *Syncer) handleRangeFingerprint(ev *RangeFingerprint) error {
	st := s.storeFor(ev.Share)
	if st == nil {
		// Answer anyway so the remote round can finish.
		logger.Warn("sync %s: fingerprint for unnegotiated share %s", s.name, ev.Share)
		s.send(&RangeReply{ID: ev.ID, Result: ResultMatch})
		return nil
	}

	entries := st.Entries()
	fp, count, err := entries.Summarise(s.ctx, ev.Share, ev.Range)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "summarise %s", ev.Share)
	}

	switch {
	case fp == ev.Fingerprint && uint64(count) == ev.Count:
		s.send(&RangeReply{ID: ev.ID, Result: ResultMatch})

	case count <= s.opts.Threshold || ev.Count <= uint64(s.opts.Threshold):
		s.streamEntries(ev.Share, ev.Range, func() {
			s.send(&RangeReply{ID: ev.ID, Result: ResultEntries})
		})

	default:
		parts, err := entries.Split(s.ctx, ev.Share, ev.Range, 2)
		if err != nil {
			return errs.Wrap(errs.KindInternal, err, "split range of %s", ev.Share)
		}
		reply := &RangeReply{ID: ev.ID, Result: ResultSplit}
		for _, part := range parts {
			pfp, pcount, err := entries.Summarise(s.ctx, ev.Share, part)
			if err != nil {
				return errs.Wrap(errs.KindInternal, err, "summarise %s", ev.Share)
			}
			reply.Subranges = append(reply.Subranges, Subrange{Range: part, Fingerprint: pfp, Count: uint64(pcount)})
		}
		s.send(reply)
	}
	return nil
}

func (s *Syncer) handleRangeReply(ev *RangeReply) error {
	s.mu.Lock()
	p, ok := s.outstanding[ev.ID]
	s.mu.Unlock()
	if !ok {
		logger.Warn("sync %s: reply for unknown range %d", s.name, ev.ID)
		return nil
	}

	switch ev.Result {
	case ResultMatch:

	case ResultEntries:
		// The id resolves once our entries are queued.
		s.streamEntries(p.share, p.rng, func() {
			s.send(&RangeEntriesDone{ID: ev.ID})
			s.resolve(ev.ID)
		})
		return nil

	case ResultSplit:
		if err := s.followSplit(p, ev.Subranges); err != nil {
			return err
		}

	default:
		return errs.Protocol("unknown range reply result %d", ev.Result)
	}

	s.resolve(ev.ID)
	return nil
}

// followSplit sends a fingerprint for every subrange that differs locally.
// Past maxRangeDepth it asks for a full exchange instead by claiming an
// empty range, which the responder always answers with entries.
func (s *Syncer) followSplit(p pendingRange, subs []Subrange) error {
	if len(subs) == 0 {
		return errs.Protocol("split reply without subranges")
	}

	entries := s.storeFor(p.share).Entries()
	var next []*RangeFingerprint
	for _, sub := range subs {
		if !within(sub.Range, p.rng) {
			return errs.Protocol("subrange outside of the range it splits")
		}
		fp, count, err := entries.Summarise(s.ctx, p.share, sub.Range)
		if err != nil {
			return errs.Wrap(errs.KindInternal, err, "summarise %s", p.share)
		}
		if fp == sub.Fingerprint && uint64(count) == sub.Count {
			continue
		}
		rf := &RangeFingerprint{Share: p.share, Range: sub.Range, Fingerprint: fp, Count: uint64(count)}
		if p.depth+1 >= maxRangeDepth {
			rf.Fingerprint = entrystore.Fingerprint{}
			rf.Count = 0
		}
		next = append(next, rf)
	}

	s.mu.Lock()
	for _, rf := range next {
		rf.ID = s.registerLocked(pendingRange{share: p.share, rng: rf.Range, depth: p.depth + 1})
	}
	s.mu.Unlock()

	for _, rf := range next {
		s.send(rf)
	}
	return nil
}

// streamEntries queues every entry of r in the background, reading the
// range page by page, then calls after. The producer advances only as fast
// as the outbox drains, so a large range never sits in memory.
func (s *Syncer) streamEntries(share keys.ShareTag, r entrystore.KeyRange, after func()) {
	entries := s.storeFor(share).Entries()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sent := 0
		for rec, err := range entries.RangeSeq(s.ctx, share, r, 0) {
			if err != nil {
				if s.ctx.Err() == nil {
					s.closeWith(errs.Wrap(errs.KindInternal, err, "read range of %s", share))
				}
				return
			}
			if !s.sendBulk(&EntryEvent{Entry: rec.Entry, Token: rec.Token}) {
				return
			}
			sent++
		}
		logger.Debug("sync %s: queued %d entries of %s", s.name, sent, share)
		after()
	}()
}

// within reports whether sub lies inside parent.
func within(sub, parent entrystore.KeyRange) bool {
	if bytes.Compare(sub.Start, parent.Start) < 0 {
		return false
	}
	if parent.End == nil {
		return true
	}
	return sub.End != nil && bytes.Compare(sub.End, parent.End) <= 0
}
