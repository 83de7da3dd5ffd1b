package path

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/errs"
)

func TestCompare(t *testing.T) {
	empty := Path{}
	a := MustFromStrings("a")
	ab := MustFromStrings("a", "b")
	aa := MustFromStrings("aa")
	b := MustFromStrings("b")

	assert.Equal(t, -1, Compare(empty, a))
	assert.Equal(t, -1, Compare(a, ab))
	assert.Equal(t, -1, Compare(ab, aa))
	assert.Equal(t, -1, Compare(aa, b))
	assert.Equal(t, 0, Compare(ab, MustFromStrings("a", "b")))
	assert.Equal(t, 1, Compare(b, a))
}

func TestPrefix(t *testing.T) {
	a := MustFromStrings("a")
	ab := MustFromStrings("a", "b")

	assert.True(t, Path{}.IsPrefixOf(ab))
	assert.True(t, a.IsPrefixOf(ab))
	assert.True(t, a.IsPrefixOf(a))
	assert.False(t, a.IsStrictPrefixOf(a))
	assert.True(t, a.IsStrictPrefixOf(ab))
	assert.False(t, ab.IsPrefixOf(a))
	assert.False(t, MustFromStrings("ab").IsPrefixOf(ab))
}

func TestKeyOrderMatchesCompare(t *testing.T) {
	paths := []Path{
		{},
		MustFromStrings(""),
		MustFromStrings("a"),
		MustFromStrings("a", ""),
		MustFromStrings("a", "b"),
		MustFromStrings("a\x00"),
		MustFromStrings("a\x00", "z"),
		MustFromStrings("a\x01"),
		MustFromStrings("aa"),
		MustFromStrings("b", "a", "c"),
		MustFromStrings("\xff"),
	}

	byKey := append([]Path{}, paths...)
	sort.Slice(byKey, func(i, j int) bool {
		return bytes.Compare(byKey[i].Key(), byKey[j].Key()) < 0
	})
	byCompare := append([]Path{}, paths...)
	sort.Slice(byCompare, func(i, j int) bool {
		return Compare(byCompare[i], byCompare[j]) < 0
	})

	require.Equal(t, len(byCompare), len(byKey))
	for i := range byKey {
		assert.True(t, Equal(byCompare[i], byKey[i]), "position %d: %s vs %s", i, byCompare[i], byKey[i])
	}
}

func TestPrefixKeyCoversDescendants(t *testing.T) {
	a := MustFromStrings("a")
	assert.True(t, bytes.HasPrefix(MustFromStrings("a", "b").Key(), a.PrefixKey()))
	assert.True(t, bytes.HasPrefix(a.Key(), a.PrefixKey()))
	assert.False(t, bytes.HasPrefix(MustFromStrings("ab").Key(), a.PrefixKey()))
}

func TestDecodeKey(t *testing.T) {
	p := MustFromStrings("a\x00b", "", "c")
	key := append(p.Key(), '@', 'x')

	decoded, n, err := DecodeKey(key)
	require.NoError(t, err)
	assert.True(t, Equal(p, decoded))
	assert.Equal(t, []byte{'@', 'x'}, key[n:])

	_, _, err = DecodeKey([]byte{'a', 0x00})
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestSuccessor(t *testing.T) {
	a := MustFromStrings("a")
	next, ok := a.Successor()
	require.True(t, ok)
	assert.Equal(t, 1, Compare(next, a))
	assert.Equal(t, -1, Compare(next, MustFromStrings("a", "\x00")))

	sp, ok := MustFromStrings("a", "b").SuccessorPrefix()
	require.True(t, ok)
	assert.Equal(t, 1, Compare(sp, MustFromStrings("a", "b", "zzz")))
	assert.Equal(t, -1, Compare(sp, MustFromStrings("a", "c")))

	_, ok = Path{}.SuccessorPrefix()
	assert.False(t, ok)
}

func TestLimits(t *testing.T) {
	many := make([]string, MaxComponents+1)
	_, err := FromStrings(many...)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = New(make([]byte, MaxComponentLength+1))
	assert.Error(t, err)

	big := make([][]byte, 5)
	for i := range big {
		big[i] = make([]byte, 250)
	}
	_, err = New(big...)
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "/", Path{}.String())
	assert.Equal(t, "/blog/post", MustFromStrings("blog", "post").String())
}
