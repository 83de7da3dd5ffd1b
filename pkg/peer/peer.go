// Package peer holds a participant's keyring and the Stores for the shares
// it takes part in.
//
// Identity and share secrets and imported capabilities are persisted in
// the entry store's database, sealed with a key derived from a password.
// A Peer implements auth.Keyring for its Stores and supplies the
// capabilities a sync session announces.
package peer

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/auth"
	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/capability"
	"github.com/marmos91/dittoshare/pkg/entrystore"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/store"
)

const (
	recordMeta     = "meta"
	recordCheck    = "check"
	prefixIdentity = "id/"
	prefixShare    = "share/"
	prefixCap      = "cap/"

	checkPlaintext = "dittoshare-keyring-v1"
)

type keyringMeta struct {
	Version int       `json:"version"`
	Salt    []byte    `json:"salt"`
	KDF     KDFParams `json:"kdf"`
}

// Config configures a Peer.
type Config struct {
	// Password unlocks the keyring. An empty password is allowed.
	Password string

	// KDF is used only when the keyring is created. Zero means
	// DefaultKDFParams.
	KDF KDFParams

	// Entries holds entries and keyring records. The Peer closes it.
	Entries *entrystore.Store

	// Blobs holds payload bytes for every share.
	Blobs blob.Driver

	// StoreMetrics is passed to every Store. Nil disables metrics.
	StoreMetrics store.StoreMetrics
}

// Peer is a keyring plus a registry of per-share Stores.
//
// Thread Safety: Safe for concurrent use.
type Peer struct {
	entries *entrystore.Store
	blobs   blob.Driver
	sealer  *sealer
	scheme  *auth.Scheme
	metrics store.StoreMetrics

	// collectLock is shared by every Store of this peer.
	collectLock sync.RWMutex

	mu         sync.RWMutex
	identities map[keys.IdentityTag]keys.Identity
	shares     map[keys.ShareTag]keys.Share
	caps       map[keys.ShareTag][]*capability.Capability
	stores     map[keys.ShareTag]*store.Store

	closeOnce sync.Once
}

// New unlocks (or creates) the keyring in cfg.Entries and loads it.
//
// Returns:
//   - *Peer: Peer ready for use
//   - error: ErrWrongPassword, or storage and decoding errors
func New(ctx context.Context, cfg Config) (*Peer, error) {
	if cfg.Entries == nil || cfg.Blobs == nil {
		return nil, fmt.Errorf("peer needs an entry store and a blob driver")
	}

	p := &Peer{
		entries:    cfg.Entries,
		blobs:      cfg.Blobs,
		scheme:     auth.NewScheme(),
		metrics:    cfg.StoreMetrics,
		identities: make(map[keys.IdentityTag]keys.Identity),
		shares:     make(map[keys.ShareTag]keys.Share),
		caps:       make(map[keys.ShareTag][]*capability.Capability),
		stores:     make(map[keys.ShareTag]*store.Store),
	}

	if err := p.unlock(ctx, cfg); err != nil {
		return nil, err
	}
	if err := p.load(ctx); err != nil {
		return nil, err
	}

	logger.Info("Peer keyring loaded: %d identities, %d shares", len(p.identities), len(p.knownSharesLocked()))
	return p, nil
}

func (p *Peer) unlock(ctx context.Context, cfg Config) error {
	records, err := p.entries.KeyringRecords(ctx, recordMeta)
	if err != nil {
		return fmt.Errorf("read keyring meta: %w", err)
	}

	raw, ok := records[recordMeta]
	if !ok {
		// ====================================================================
		// First use: create salt, parameters and the check record
		// ====================================================================

		params := cfg.KDF
		if params == (KDFParams{}) {
			params = DefaultKDFParams
		}
		meta := keyringMeta{Version: 1, Salt: make([]byte, saltSize), KDF: params}
		if _, err := rand.Read(meta.Salt); err != nil {
			return fmt.Errorf("keyring salt: %w", err)
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode keyring meta: %w", err)
		}

		p.sealer, err = newSealer(cfg.Password, meta.Salt, meta.KDF)
		if err != nil {
			return err
		}
		check, err := p.sealer.seal(recordCheck, []byte(checkPlaintext))
		if err != nil {
			return err
		}
		if err := p.entries.PutKeyringRecord(ctx, recordCheck, check); err != nil {
			return err
		}
		return p.entries.PutKeyringRecord(ctx, recordMeta, data)
	}

	// ========================================================================
	// Existing keyring: derive the key and verify it
	// ========================================================================

	var meta keyringMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("decode keyring meta: %w", err)
	}
	p.sealer, err = newSealer(cfg.Password, meta.Salt, meta.KDF)
	if err != nil {
		return err
	}

	checks, err := p.entries.KeyringRecords(ctx, recordCheck)
	if err != nil {
		return err
	}
	plain, err := p.sealer.open(recordCheck, checks[recordCheck])
	if err != nil || string(plain) != checkPlaintext {
		return ErrWrongPassword
	}
	return nil
}

func (p *Peer) load(ctx context.Context) error {
	ids, err := p.openRecords(ctx, prefixIdentity)
	if err != nil {
		return err
	}
	for id, seed := range ids {
		kp, err := keys.KeypairFromSeed(seed)
		if err != nil {
			return fmt.Errorf("keyring record %s: %w", id, err)
		}
		tag := keys.IdentityTag(strings.TrimPrefix(id, prefixIdentity))
		p.identities[tag] = keys.Identity{Tag: tag, Keypair: kp}
	}

	shares, err := p.openRecords(ctx, prefixShare)
	if err != nil {
		return err
	}
	for id, seed := range shares {
		kp, err := keys.KeypairFromSeed(seed)
		if err != nil {
			return fmt.Errorf("keyring record %s: %w", id, err)
		}
		tag := keys.ShareTag(strings.TrimPrefix(id, prefixShare))
		p.shares[tag] = keys.Share{Tag: tag, Keypair: kp}
	}

	caps, err := p.openRecords(ctx, prefixCap)
	if err != nil {
		return err
	}
	for id, token := range caps {
		c, err := capability.Import(token)
		if err != nil {
			logger.Warn("Keyring capability %s no longer verifies, skipping: %v", id, err)
			continue
		}
		p.caps[c.Share()] = append(p.caps[c.Share()], c)
	}
	return nil
}

func (p *Peer) openRecords(ctx context.Context, prefix string) (map[string][]byte, error) {
	records, err := p.entries.KeyringRecords(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(records))
	for id, sealed := range records {
		plain, err := p.sealer.open(id, sealed)
		if err != nil {
			return nil, err
		}
		out[id] = plain
	}
	return out, nil
}

func (p *Peer) persist(ctx context.Context, id string, plaintext []byte) error {
	sealed, err := p.sealer.seal(id, plaintext)
	if err != nil {
		return err
	}
	return p.entries.PutKeyringRecord(ctx, id, sealed)
}

// ============================================================================
// Identities and shares
// ============================================================================

// CreateIdentity generates and stores a new identity.
func (p *Peer) CreateIdentity(ctx context.Context, shortname string) (keys.Identity, error) {
	id, err := keys.NewIdentity(shortname)
	if err != nil {
		return keys.Identity{}, err
	}
	return id, p.AddIdentity(ctx, id)
}

// AddIdentity stores an existing identity keypair.
func (p *Peer) AddIdentity(ctx context.Context, id keys.Identity) error {
	if !id.CanSign() {
		return errs.Validation("identity %s has no secret key", id.Tag)
	}
	if err := p.persist(ctx, prefixIdentity+string(id.Tag), id.Secret.Seed()); err != nil {
		return err
	}

	p.mu.Lock()
	p.identities[id.Tag] = id
	p.mu.Unlock()
	logger.Debug("Keyring: added identity %s", id.Tag)
	return nil
}

// CreateShare generates and stores a new share keypair.
func (p *Peer) CreateShare(ctx context.Context, shortname string) (keys.Share, error) {
	share, err := keys.NewShare(shortname)
	if err != nil {
		return keys.Share{}, err
	}
	return share, p.AddShare(ctx, share)
}

// AddShare stores an existing share keypair.
func (p *Peer) AddShare(ctx context.Context, share keys.Share) error {
	if !share.CanSign() {
		return errs.Validation("share %s has no secret key", share.Tag)
	}
	if err := p.persist(ctx, prefixShare+string(share.Tag), share.Secret.Seed()); err != nil {
		return err
	}

	p.mu.Lock()
	p.shares[share.Tag] = share
	p.mu.Unlock()
	logger.Debug("Keyring: added share %s", share.Tag)
	return nil
}

// Identity returns a stored identity. It implements auth.Keyring.
func (p *Peer) Identity(tag keys.IdentityTag) (keys.Identity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.identities[tag]
	return id, ok
}

// IdentityByPublicKey returns the stored identity with pub.
func (p *Peer) IdentityByPublicKey(pub keys.PublicKey) (keys.Identity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range p.identities {
		if id.Public == pub {
			return id, true
		}
	}
	return keys.Identity{}, false
}

// Identities lists stored identities in tag order.
func (p *Peer) Identities() []keys.IdentityTag {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]keys.IdentityTag, 0, len(p.identities))
	for tag := range p.identities {
		out = append(out, tag)
	}
	slices.Sort(out)
	return out
}

// Shares lists every share with a stored secret or capability, in tag
// order.
func (p *Peer) Shares() []keys.ShareTag {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.knownSharesLocked()
}

func (p *Peer) knownSharesLocked() []keys.ShareTag {
	seen := make(map[keys.ShareTag]struct{})
	for tag := range p.shares {
		seen[tag] = struct{}{}
	}
	for tag := range p.caps {
		seen[tag] = struct{}{}
	}
	out := make([]keys.ShareTag, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	slices.Sort(out)
	return out
}

// ============================================================================
// Capabilities
// ============================================================================

// MintCap creates a root capability for holder using the stored share
// secret and imports it when holder is a local identity.
//
// Returns:
//   - *capability.Capability: The new capability
//   - error: KindAuthorisation when the share secret is not stored
func (p *Peer) MintCap(ctx context.Context, share keys.ShareTag, holder keys.IdentityTag, mode capability.Mode) (*capability.Capability, error) {
	p.mu.RLock()
	sh, ok := p.shares[share]
	p.mu.RUnlock()
	if !ok {
		return nil, errs.Authorisation("no secret for share %s", share)
	}

	pub, err := holder.PublicKey()
	if err != nil {
		return nil, err
	}
	c, err := capability.Mint(sh, pub, mode)
	if err != nil {
		return nil, err
	}

	if _, local := p.Identity(holder); local {
		if err := p.addCap(ctx, c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Delegate extends c to newHolder, signing with the local identity that
// holds c. The result is not imported.
func (p *Peer) Delegate(c *capability.Capability, newHolder keys.IdentityTag, mode capability.Mode) (*capability.Capability, error) {
	signer, ok := p.IdentityByPublicKey(c.Receiver())
	if !ok {
		return nil, errs.Authorisation("capability for %s is not held by a local identity", c.Share())
	}
	pub, err := newHolder.PublicKey()
	if err != nil {
		return nil, err
	}
	return c.Delegate(signer.Keypair, pub, mode)
}

// ImportCap verifies and stores an exported capability.
//
// Returns:
//   - *capability.Capability: The imported capability
//   - error: KindValidation for a token that does not verify
func (p *Peer) ImportCap(ctx context.Context, token []byte) (*capability.Capability, error) {
	c, err := capability.Import(token)
	if err != nil {
		return nil, err
	}
	return c, p.addCap(ctx, c)
}

func (p *Peer) addCap(ctx context.Context, c *capability.Capability) error {
	token := c.Export()
	sum := sha256.Sum256(token)
	id := prefixCap + string(c.Share()) + "/" + hex.EncodeToString(sum[:])

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.caps[c.Share()] {
		if bytes.Equal(existing.Export(), token) {
			return nil
		}
	}
	if err := p.persist(ctx, id, token); err != nil {
		return err
	}
	p.caps[c.Share()] = append(p.caps[c.Share()], c)
	logger.Debug("Keyring: imported %s capability for %s (depth %d)", c.Mode(), c.Share(), c.Depth())
	return nil
}

// Capabilities returns the capabilities held for share. It implements
// auth.Keyring.
func (p *Peer) Capabilities(share keys.ShareTag) []*capability.Capability {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.caps[share])
}

// ReadCapabilities returns every read capability held by a local identity,
// across all shares.
func (p *Peer) ReadCapabilities() []*capability.Capability {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*capability.Capability
	for _, share := range p.knownSharesLocked() {
		for _, c := range p.caps[share] {
			if c.Mode() != capability.ModeRead {
				continue
			}
			for _, id := range p.identities {
				if id.Public == c.Receiver() {
					out = append(out, c)
					break
				}
			}
		}
	}
	return out
}

// ============================================================================
// Stores
// ============================================================================

// GetStore returns the Store for share, creating it on first use.
//
// Returns:
//   - *store.Store: The share's store
//   - error: KindValidation when the peer holds nothing for share
func (p *Peer) GetStore(share keys.ShareTag) (*store.Store, error) {
	p.mu.RLock()
	s, ok := p.stores[share]
	p.mu.RUnlock()
	if ok {
		return s, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stores[share]; ok {
		return s, nil
	}
	if _, known := p.shares[share]; !known && len(p.caps[share]) == 0 {
		return nil, errs.Validation("unknown share %s", share)
	}

	s, err := store.New(share, p, p.entries, p.blobs, store.Options{
		Scheme:      p.scheme,
		Metrics:     p.metrics,
		CollectLock: &p.collectLock,
	})
	if err != nil {
		return nil, err
	}
	p.stores[share] = s
	return s, nil
}

// CollectGarbage erases payloads no entry of any share references.
func (p *Peer) CollectGarbage(ctx context.Context) ([]blob.Ref, error) {
	shares := p.Shares()
	if len(shares) == 0 {
		return nil, nil
	}
	s, err := p.GetStore(shares[0])
	if err != nil {
		return nil, err
	}
	return s.CollectGarbage(ctx)
}

// Close closes the entry store. Safe to call more than once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.entries.Close()
	})
	return err
}
