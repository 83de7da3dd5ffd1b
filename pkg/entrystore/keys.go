package entrystore

import (
	"bytes"

	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/path"
)

// Database Key Namespace Design
// ==============================
//
// Data Type        Prefix  Key Format                                   Value
// ===========================================================================
// Entries          "e:"    e:<share> 0x00 <path key> <identity>         record (XDR)
// Keyring          "k:"    k:<record id>                                sealed bytes
//
// Entries
//   - <path key> is the order-preserving path encoding (path.Key), so a
//     forward scan within one share visits paths in path order and, for one
//     path, identities in tag order.
//   - All entries at paths prefixed by P share the key prefix
//     e:<share> 0x00 <P.PrefixKey()>, which makes prefix pruning and
//     prefix queries a single range scan.
//   - Reconciliation ranges are expressed over the part of the key after
//     e:<share> 0x00 (the "local key").
//
// Keyring
//   - Opaque records owned by the peer (sealed keypairs and capability
//     tokens). The entry store only persists them.

const (
	prefixEntry   = "e:"
	prefixKeyring = "k:"
)

func sharePrefix(share keys.ShareTag) []byte {
	out := make([]byte, 0, len(prefixEntry)+len(share)+1)
	out = append(out, prefixEntry...)
	out = append(out, share...)
	return append(out, 0x00)
}

// localKey is the key of an entry relative to its share prefix.
func localKey(p path.Path, identity keys.IdentityTag) []byte {
	out := p.Key()
	return append(out, identity...)
}

func entryKey(share keys.ShareTag, p path.Path, identity keys.IdentityTag) []byte {
	return append(sharePrefix(share), localKey(p, identity)...)
}

// pathPrefixKey covers every entry at p or below it.
func pathPrefixKey(share keys.ShareTag, p path.Path) []byte {
	return append(sharePrefix(share), p.PrefixKey()...)
}

// exactPathKey covers every identity's entry at exactly p.
func exactPathKey(share keys.ShareTag, p path.Path) []byte {
	return append(sharePrefix(share), p.Key()...)
}

func keyringKey(id string) []byte {
	return append([]byte(prefixKeyring), id...)
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when there is none.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
