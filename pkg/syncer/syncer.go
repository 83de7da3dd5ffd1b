// Package syncer runs sync sessions between two peers.
//
// A Syncer drives one session over a Partner: it negotiates the shares
// both sides may read, reconciles their entries by comparing range
// fingerprints, ingests the entries it is missing and moves payload bytes
// through the Partner's transfer hooks rather than the event channel. In
// once mode a session ends by itself when both sides are done; in
// continuous mode it keeps reconciling on local changes until closed.
package syncer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/internal/ratelimiter"
	"github.com/marmos91/dittoshare/pkg/entrystore"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/store"
)

// Mode selects how long a session lives.
type Mode int

const (
	// ModeOnce reconciles once, transfers what is missing and closes.
	ModeOnce Mode = iota
	// ModeContinuous keeps the session open and reconciles on change.
	ModeContinuous
)

func (m Mode) String() string {
	if m == ModeContinuous {
		return "continuous"
	}
	return "once"
}

// ParseMode parses "once" or "continuous".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "once":
		return ModeOnce, nil
	case "continuous", "live":
		return ModeContinuous, nil
	default:
		return 0, errs.Validation("unknown sync mode %q", s)
	}
}

// State is the lifecycle stage of a session.
type State int

const (
	StateNegotiating State = iota
	StateReconciling
	StateTransferring
	StateIdle
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateReconciling:
		return "reconciling"
	case StateTransferring:
		return "transferring"
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default tuning values.
const (
	DefaultThreshold    = 8
	DefaultMaxTransfers = 4
	DefaultInterval     = time.Minute
	DefaultDebounce     = 100 * time.Millisecond

	nonceSize     = 32
	maxRangeDepth = 64
	drainTimeout  = 5 * time.Second
)

// Options configures a Syncer.
type Options struct {
	Peer    Peer
	Partner Partner
	Mode    Mode

	// Name labels log lines. Defaults to the session id.
	Name string

	// Threshold is the entry count at or below which a differing range is
	// exchanged in full instead of split.
	Threshold int

	// MaxTransfers bounds concurrent payload fetches.
	MaxTransfers int

	// Interval is the periodic reconcile interval in continuous mode; a
	// negative value disables it.
	Interval time.Duration

	// Debounce delays a reconcile after local changes in continuous mode.
	Debounce time.Duration

	// IgnoreLocalChanges stops a continuous session from reacting to writes
	// in the local stores. Rounds then start only on Interval or
	// ForceReconcile.
	IgnoreLocalChanges bool

	// Metrics receives session observations. Nil disables them.
	Metrics SyncMetrics

	// Bandwidth throttles payload bytes in both directions. It is usually
	// shared by every session of a peer. Nil means unlimited.
	Bandwidth *ratelimiter.RateLimiter
}

type pendingRange struct {
	share keys.ShareTag
	rng   entrystore.KeyRange
	depth int
}

type fetchKey struct {
	share  keys.ShareTag
	digest [32]byte
}

type transferResult struct {
	accepted bool
	reason   string
}

// Syncer is one sync session. Create it with New; it runs until the
// session completes (once mode) or Close is called.
type Syncer struct {
	id      string
	name    string
	peer    Peer
	partner Partner
	ch      Channel
	mode    Mode
	opts    Options
	metrics SyncMetrics

	bandwidth *ratelimiter.RateLimiter

	ctx    context.Context
	cancel context.CancelFunc
	out    *outbox
	nonce  []byte
	sem    chan struct{}

	mu              sync.Mutex
	state           State
	remoteNonce     []byte
	negotiated      bool
	common          map[keys.ShareTag]*store.Store
	nextID          uint64
	outstanding     map[uint64]pendingRange
	roundActive     bool
	roundAgain      bool
	roundPending    bool
	roundStart      time.Time
	ownRoundDone    bool
	remoteRoundDone bool
	fetching        map[fetchKey]struct{}
	failed          map[fetchKey]struct{}
	waiting         map[string]chan transferResult
	doneSent        bool
	remoteDone      bool
	err             error

	changed   chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
	flushed   chan struct{}
}

// New starts a session over opts.Partner.
//
// Returns:
//   - *Syncer: The running session
//   - error: When Peer or Partner is missing
func New(ctx context.Context, opts Options) (*Syncer, error) {
	if opts.Peer == nil || opts.Partner == nil {
		return nil, errs.Internal("syncer needs a peer and a partner")
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MaxTransfers <= 0 {
		opts.MaxTransfers = DefaultMaxTransfers
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("session nonce: %w", err)
	}

	id := ulid.Make().String()
	name := opts.Name
	if name == "" {
		name = id
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Syncer{
		id:          id,
		name:        name,
		peer:        opts.Peer,
		partner:     opts.Partner,
		ch:          opts.Partner.Channel(),
		mode:        opts.Mode,
		opts:        opts,
		metrics:     opts.Metrics,
		bandwidth:   opts.Bandwidth,
		ctx:         sctx,
		cancel:      cancel,
		out:         newOutbox(outboxLimit),
		nonce:       nonce,
		sem:         make(chan struct{}, opts.MaxTransfers),
		common:      make(map[keys.ShareTag]*store.Store),
		outstanding: make(map[uint64]pendingRange),
		fetching:    make(map[fetchKey]struct{}),
		failed:      make(map[fetchKey]struct{}),
		waiting:     make(map[string]chan transferResult),
		changed:     make(chan struct{}, 1),
		done:        make(chan struct{}),
		flushed:     make(chan struct{}),
	}

	s.metrics.SessionOpened(s.mode)
	logger.Debug("sync %s: session started in %s mode", s.name, s.mode)

	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
	if s.mode == ModeContinuous {
		s.wg.Add(1)
		go s.watchLoop()
	}

	s.send(&Hello{Nonce: nonce})
	return s, nil
}

// ID returns the session id.
func (s *Syncer) ID() string { return s.id }

// Mode returns the session mode.
func (s *Syncer) Mode() Mode { return s.mode }

// State returns the current lifecycle stage.
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateClosed:
		return StateClosed
	case s.doneSent:
		return StateDraining
	case !s.negotiated:
		return StateNegotiating
	case s.roundActive:
		return StateReconciling
	case len(s.fetching) > 0:
		return StateTransferring
	case s.mode == ModeContinuous:
		return StateIdle
	default:
		return StateReconciling
	}
}

// Shares returns the shares negotiated for this session.
func (s *Syncer) Shares() []keys.ShareTag {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]keys.ShareTag, 0, len(s.common))
	for tag := range s.common {
		out = append(out, tag)
	}
	slices.Sort(out)
	return out
}

// ForceReconcile starts a reconciliation round now. If a round is running
// another one follows it.
func (s *Syncer) ForceReconcile() {
	s.startRound()
}

// Close ends the session and unblocks the channel. Safe to call more than
// once; it does not wait for goroutines to exit (see Wait).
func (s *Syncer) Close() error {
	s.closeWith(nil)
	return nil
}

// Done is closed once the session has fully stopped.
func (s *Syncer) Done() <-chan struct{} { return s.done }

// Wait blocks until the session has stopped and returns the error that
// ended it, if any.
func (s *Syncer) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error that ended the session, if any.
func (s *Syncer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Syncer) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.state = StateClosed
		s.mu.Unlock()

		s.cancel()
		_ = s.ch.Close()
		if err != nil {
			logger.Warn("sync %s: session ended: %v", s.name, err)
		} else {
			logger.Debug("sync %s: session closed", s.name)
		}

		go func() {
			s.wg.Wait()
			s.metrics.SessionClosed(s.mode)
			close(s.done)
		}()
	})
}

// finished reports whether both sides have sent Done.
func (s *Syncer) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneSent && s.remoteDone
}

// finish closes the session once our Done has reached the channel.
func (s *Syncer) finish() {
	select {
	case <-s.flushed:
	case <-s.ctx.Done():
	case <-time.After(drainTimeout):
		logger.Warn("sync %s: timed out draining", s.name)
	}
	s.closeWith(nil)
}

// ============================================================================
// Event loops
// ============================================================================

// send queues a control event. It never blocks.
func (s *Syncer) send(ev Event) {
	s.out.pushControl(ev)
}

// sendBulk queues an entry, waiting while the outbox is full. It reports
// false once the session is closing.
func (s *Syncer) sendBulk(ev Event) bool {
	return s.out.push(s.ctx, ev)
}

func (s *Syncer) writeLoop() {
	defer s.wg.Done()
	for {
		ev, ok := s.out.pop(s.ctx)
		if !ok {
			return
		}
		if err := s.ch.Send(s.ctx, ev); err != nil {
			if errors.Is(err, ErrChannelClosed) && (s.mode == ModeContinuous || s.finished()) {
				s.closeWith(nil)
				return
			}
			if s.ctx.Err() == nil {
				s.closeWith(errs.Wrap(errs.KindProtocol, err, "send %s", ev.Kind()))
			}
			return
		}
		s.metrics.RecordEvent("out", ev.Kind())
		if ev.Kind() == KindDone {
			close(s.flushed)
		}
	}
}

func (s *Syncer) readLoop() {
	defer s.wg.Done()
	for {
		ev, err := s.ch.Recv(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrChannelClosed) && (s.mode == ModeContinuous || s.finished()) {
				s.closeWith(nil)
				return
			}
			s.closeWith(errs.Wrap(errs.KindProtocol, err, "session interrupted"))
			return
		}
		s.metrics.RecordEvent("in", ev.Kind())
		if err := s.handle(ev); err != nil {
			s.closeWith(err)
			return
		}
	}
}

// handle processes one inbound event. A returned error ends the session;
// malformed or unauthorised content is dropped with a diagnostic instead.
func (s *Syncer) handle(ev Event) error {
	switch ev := ev.(type) {
	case *Hello:
		return s.handleHello(ev)
	case *ShareAnnounce:
		return s.handleAnnounce(ev)
	}

	s.mu.Lock()
	negotiated := s.negotiated
	s.mu.Unlock()
	if !negotiated {
		logger.Warn("sync %s: dropped %s received before share negotiation", s.name, ev.Kind())
		return nil
	}

	switch ev := ev.(type) {
	case *RangeFingerprint:
		return s.handleRangeFingerprint(ev)
	case *RangeReply:
		return s.handleRangeReply(ev)
	case *RangeEntriesDone:
		logger.Debug("sync %s: remote finished entries for range %d", s.name, ev.ID)
		return nil
	case *EntryEvent:
		return s.handleEntry(ev)
	case *TransferRequest:
		s.wg.Add(1)
		go s.serveTransfer(ev)
		return nil
	case *TransferAccept:
		s.resolveTransfer(ev.ID, transferResult{accepted: true})
		return nil
	case *TransferReject:
		s.resolveTransfer(ev.ID, transferResult{reason: ev.Reason})
		return nil
	case *ReconcileDone:
		s.mu.Lock()
		s.remoteRoundDone = true
		s.mu.Unlock()
		s.fetchMissing()
		s.checkDrain()
		return nil
	case *Done:
		s.mu.Lock()
		s.remoteDone = true
		sent := s.doneSent
		s.mu.Unlock()
		if sent {
			go s.finish()
		}
		return nil
	default:
		logger.Warn("sync %s: dropped unexpected %s event", s.name, ev.Kind())
		return nil
	}
}

// watchLoop drives reconciles in continuous mode.
func (s *Syncer) watchLoop() {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.opts.Interval > 0 {
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-s.ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case <-s.changed:
			if debounce == nil {
				debounce = time.NewTimer(s.opts.Debounce)
			} else {
				debounce.Reset(s.opts.Debounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			s.startRound()
		case <-tick:
			s.startRound()
		}
	}
}

// subscribe forwards store change events of the negotiated shares to the
// watch loop.
func (s *Syncer) subscribe(stores []*store.Store) {
	for _, st := range stores {
		events, cancel := st.Subscribe()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer cancel()
			for {
				select {
				case <-s.ctx.Done():
					return
				case _, ok := <-events:
					if !ok {
						return
					}
					select {
					case s.changed <- struct{}{}:
					default:
					}
				}
			}
		}()
	}
}
