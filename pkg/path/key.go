package path

import (
	"github.com/marmos91/dittoshare/pkg/errs"
)

// Key encoding
//
// Paths are stored under byte keys whose bytewise order matches Compare:
//
//	component := escape(bytes) 0x00 0x01
//	key       := component* 0x00 0x00
//
// escape replaces 0x00 with 0x00 0xFF. The end marker 0x00 0x00 sorts before
// any component, so a path sorts before its extensions, and the key of a path
// without its end marker (PrefixKey) is a byte prefix of the keys of every
// path it prefixes.

var (
	componentEnd = []byte{0x00, 0x01}
	pathEnd      = []byte{0x00, 0x00}
)

// Key returns the order-preserving encoding of p.
func (p Path) Key() []byte {
	return append(p.PrefixKey(), pathEnd...)
}

// PrefixKey returns the encoding of p without the end marker. Every path that
// has p as a prefix has a Key starting with these bytes.
func (p Path) PrefixKey() []byte {
	out := make([]byte, 0, p.totalLength()+2*len(p.components)+2)
	for _, c := range p.components {
		for _, b := range c {
			if b == 0x00 {
				out = append(out, 0x00, 0xff)
				continue
			}
			out = append(out, b)
		}
		out = append(out, componentEnd...)
	}
	return out
}

// DecodeKey parses a Key and returns the path and the number of bytes read.
// Trailing bytes after the end marker are left for the caller.
func DecodeKey(key []byte) (Path, int, error) {
	var (
		components [][]byte
		current    []byte
	)
	for i := 0; i < len(key); i++ {
		b := key[i]
		if b != 0x00 {
			current = append(current, b)
			continue
		}
		if i+1 >= len(key) {
			return Path{}, 0, errs.Validation("truncated path key")
		}
		i++
		switch key[i] {
		case 0xff:
			current = append(current, 0x00)
		case 0x01:
			if current == nil {
				current = []byte{}
			}
			components = append(components, current)
			current = nil
		case 0x00:
			p, err := New(components...)
			if err != nil {
				return Path{}, 0, err
			}
			return p, i + 1, nil
		default:
			return Path{}, 0, errs.Validation("invalid escape 0x%02x in path key", key[i])
		}
	}
	return Path{}, 0, errs.Validation("path key has no end marker")
}
