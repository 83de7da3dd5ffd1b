package syncer

import (
	"bytes"
	"slices"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/capability"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/store"
)

const announceDomain = "dittoshare-announce-v1\x00"

// announceMessage binds a capability to the nonce of the session it is
// announced in, so announcements cannot be replayed into another session.
func announceMessage(nonce, token []byte) []byte {
	msg := make([]byte, 0, len(announceDomain)+len(nonce)+len(token))
	msg = append(msg, announceDomain...)
	msg = append(msg, nonce...)
	return append(msg, token...)
}

func (s *Syncer) handleHello(ev *Hello) error {
	if len(ev.Nonce) != nonceSize {
		return errs.Protocol("hello nonce has %d bytes", len(ev.Nonce))
	}

	s.mu.Lock()
	if s.remoteNonce != nil {
		s.mu.Unlock()
		return errs.Protocol("duplicate hello")
	}
	s.remoteNonce = bytes.Clone(ev.Nonce)
	s.mu.Unlock()

	s.send(s.announcement(ev.Nonce))
	return nil
}

// announcement lists the valid read capabilities held by local identities,
// each signed by its receiver over the remote nonce.
func (s *Syncer) announcement(remoteNonce []byte) *ShareAnnounce {
	ann := &ShareAnnounce{}
	for _, c := range s.peer.ReadCapabilities() {
		if !c.IsValid(s.ctx) {
			continue
		}
		id, ok := s.peer.IdentityByPublicKey(c.Receiver())
		if !ok || !id.Keypair.CanSign() {
			continue
		}
		token := c.Export()
		sig, err := id.Keypair.Sign(announceMessage(remoteNonce, token))
		if err != nil {
			logger.Warn("sync %s: cannot sign capability for %s: %v", s.name, c.Share(), err)
			continue
		}
		ann.Caps = append(ann.Caps, AnnouncedCap{Token: token, Signature: sig})
	}
	return ann
}

func (s *Syncer) handleAnnounce(ev *ShareAnnounce) error {
	s.mu.Lock()
	already := s.negotiated
	s.mu.Unlock()
	if already {
		return errs.Protocol("duplicate share announcement")
	}

	local := make(map[keys.ShareTag]bool)
	for _, c := range s.peer.ReadCapabilities() {
		if c.IsValid(s.ctx) {
			local[c.Share()] = true
		}
	}

	common := make(map[keys.ShareTag]*store.Store)
	for _, ac := range ev.Caps {
		c, err := capability.Import(ac.Token)
		if err != nil {
			logger.Warn("sync %s: ignored announced capability: %v", s.name, err)
			continue
		}
		if c.Mode() != capability.ModeRead {
			continue
		}
		if !keys.Verify(c.Receiver(), ac.Signature, announceMessage(s.nonce, ac.Token)) {
			logger.Warn("sync %s: ignored capability for %s with a bad holder signature", s.name, c.Share())
			continue
		}
		if !local[c.Share()] || common[c.Share()] != nil {
			continue
		}
		st, err := s.peer.GetStore(c.Share())
		if err != nil {
			logger.Warn("sync %s: no store for %s: %v", s.name, c.Share(), err)
			continue
		}
		common[c.Share()] = st
	}

	shares := make([]keys.ShareTag, 0, len(common))
	stores := make([]*store.Store, 0, len(common))
	for tag, st := range common {
		shares = append(shares, tag)
		stores = append(stores, st)
	}
	slices.Sort(shares)

	s.mu.Lock()
	s.common = common
	s.negotiated = true
	s.mu.Unlock()

	logger.Info("sync %s: negotiated %d share(s): %v", s.name, len(shares), shares)

	if s.mode == ModeContinuous && !s.opts.IgnoreLocalChanges {
		s.subscribe(stores)
	}
	s.startRound()
	return nil
}

// storeFor returns the store of a negotiated share, or nil.
func (s *Syncer) storeFor(share keys.ShareTag) *store.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.common[share]
}
