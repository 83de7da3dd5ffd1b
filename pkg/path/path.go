// Package path implements hierarchical document paths: ordered sequences of
// byte-string components with a prefix relation and a total order.
package path

import (
	"bytes"
	"strings"

	"github.com/marmos91/dittoshare/pkg/errs"
)

const (
	// MaxComponents bounds the depth of a path.
	MaxComponents = 16
	// MaxComponentLength bounds each component in bytes.
	MaxComponentLength = 256
	// MaxTotalLength bounds the sum of all component lengths.
	MaxTotalLength = 1024
)

// Path is an immutable sequence of components. The zero value is the empty
// path, which is a prefix of every path.
type Path struct {
	components [][]byte
}

// New builds a path from byte components, copying them.
func New(components ...[]byte) (Path, error) {
	if len(components) > MaxComponents {
		return Path{}, errs.Validation("path has %d components, max %d", len(components), MaxComponents)
	}
	total := 0
	out := make([][]byte, len(components))
	for i, c := range components {
		if len(c) > MaxComponentLength {
			return Path{}, errs.Validation("path component %d is %d bytes, max %d", i, len(c), MaxComponentLength)
		}
		total += len(c)
		out[i] = append([]byte{}, c...)
	}
	if total > MaxTotalLength {
		return Path{}, errs.Validation("path is %d bytes, max %d", total, MaxTotalLength)
	}
	return Path{components: out}, nil
}

// FromStrings builds a path from string components.
func FromStrings(components ...string) (Path, error) {
	bs := make([][]byte, len(components))
	for i, c := range components {
		bs[i] = []byte(c)
	}
	return New(bs...)
}

// MustFromStrings is FromStrings that panics on invalid input.
func MustFromStrings(components ...string) Path {
	p, err := FromStrings(components...)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of components.
func (p Path) Len() int { return len(p.components) }

// Component returns a copy of component i.
func (p Path) Component(i int) []byte {
	return append([]byte{}, p.components[i]...)
}

// Components returns copies of all components.
func (p Path) Components() [][]byte {
	out := make([][]byte, len(p.components))
	for i := range p.components {
		out[i] = p.Component(i)
	}
	return out
}

// Strings returns the components as strings.
func (p Path) Strings() []string {
	out := make([]string, len(p.components))
	for i, c := range p.components {
		out[i] = string(c)
	}
	return out
}

// String renders the path as "/a/b". The empty path renders as "/".
func (p Path) String() string {
	return "/" + strings.Join(p.Strings(), "/")
}

// Compare is the total order on paths: component-wise lexicographic, with a
// strict prefix sorting before its extensions.
func Compare(a, b Path) int {
	n := min(len(a.components), len(b.components))
	for i := 0; i < n; i++ {
		if c := bytes.Compare(a.components[i], b.components[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a.components) < len(b.components):
		return -1
	case len(a.components) > len(b.components):
		return 1
	default:
		return 0
	}
}

// Equal reports whether a and b have identical components.
func Equal(a, b Path) bool { return Compare(a, b) == 0 }

// IsPrefixOf reports whether p is a prefix of other. Every path is a prefix
// of itself.
func (p Path) IsPrefixOf(other Path) bool {
	if len(p.components) > len(other.components) {
		return false
	}
	for i, c := range p.components {
		if !bytes.Equal(c, other.components[i]) {
			return false
		}
	}
	return true
}

// IsStrictPrefixOf reports whether p is a prefix of other and shorter.
func (p Path) IsStrictPrefixOf(other Path) bool {
	return len(p.components) < len(other.components) && p.IsPrefixOf(other)
}

// Successor returns the smallest path greater than p, or false when p is at
// the length limits.
func (p Path) Successor() (Path, bool) {
	if len(p.components) < MaxComponents && p.totalLength() < MaxTotalLength {
		next := p.clone()
		next.components = append(next.components, []byte{})
		return next, true
	}
	return p.SuccessorPrefix()
}

// SuccessorPrefix returns the smallest path greater than every path that has
// p as a prefix, or false when no such path exists.
func (p Path) SuccessorPrefix() (Path, bool) {
	for i := len(p.components) - 1; i >= 0; i-- {
		c := p.components[i]
		// Extending the component with a zero byte is the closest sibling.
		if len(c) < MaxComponentLength && p.totalLength() < MaxTotalLength {
			next := Path{components: cloneComponents(p.components[:i+1])}
			next.components[i] = append(next.components[i], 0x00)
			return next, true
		}
		for j := len(c) - 1; j >= 0; j-- {
			if c[j] != 0xff {
				bumped := append([]byte{}, c[:j+1]...)
				bumped[j]++
				next := Path{components: cloneComponents(p.components[:i])}
				next.components = append(next.components, bumped)
				return next, true
			}
		}
	}
	return Path{}, false
}

func (p Path) totalLength() int {
	total := 0
	for _, c := range p.components {
		total += len(c)
	}
	return total
}

func (p Path) clone() Path {
	return Path{components: cloneComponents(p.components)}
}

func cloneComponents(cs [][]byte) [][]byte {
	out := make([][]byte, len(cs))
	for i, c := range cs {
		out[i] = append([]byte{}, c...)
	}
	return out
}
