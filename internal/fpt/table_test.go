package fpt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPath(t *testing.T) {
	// h = toUpper(c) + 31*h over the full path.
	assert.Equal(t, uint32(0x8BE5A360), HashPath("/sce_sys/param.sfo"))

	// Case-insensitive.
	assert.Equal(t, HashPath("/sce_sys/param.sfo"), HashPath("/SCE_SYS/PARAM.SFO"))
	assert.Equal(t, HashPath("/a/B"), HashPath("/a/b"))

	// "/B0" and "/AO" collide by construction: 'B'*31+'0' == 'A'*31+'O'.
	assert.Equal(t, HashPath("/B0"), HashPath("/AO"))
}

func collisionFreeEntries() []PathEntry {
	return []PathEntry{
		{Path: "/sce_sys", Ino: 2, Dir: true},
		{Path: "/sce_sys/param.sfo", Ino: 3},
		{Path: "/eboot.bin", Ino: 4},
		{Path: "/assets", Ino: 5, Dir: true},
		{Path: "/assets/data.bin", Ino: 6},
	}
}

func TestBuildTypeTags(t *testing.T) {
	table, err := Build(collisionFreeEntries())
	require.NoError(t, err)
	assert.Empty(t, table.Resolver)

	cases := []struct {
		path string
		ino  uint32
		typ  FlatType
	}{
		{"/sce_sys", 2, TypeSceSysDir},
		{"/sce_sys/param.sfo", 3, TypeSceSysFile},
		{"/eboot.bin", 4, TypeFile},
		{"/assets", 5, TypeDir},
		{"/assets/data.bin", 6, TypeFile},
	}

	for _, tc := range cases {
		ino, typ, ok := table.Lookup(tc.path)
		require.True(t, ok, tc.path)
		assert.Equal(t, tc.ino, ino, tc.path)
		assert.Equal(t, tc.typ, typ, tc.path)
	}

	_, _, ok := table.Lookup("/missing")
	assert.False(t, ok)
}

func TestRoundTrip(t *testing.T) {
	table, err := Build(collisionFreeEntries())
	require.NoError(t, err)

	parsed, err := Parse(table.Encode(), nil)
	require.NoError(t, err)
	assert.Equal(t, table.Rows, parsed.Rows)
}

func TestRowsSortedByHash(t *testing.T) {
	table, err := Build(collisionFreeEntries())
	require.NoError(t, err)

	for i := 1; i < len(table.Rows); i++ {
		assert.Less(t, table.Rows[i-1].Hash, table.Rows[i].Hash)
	}
}

func TestCollisions(t *testing.T) {
	entries := append(collisionFreeEntries(),
		PathEntry{Path: "/B0", Ino: 7},
		PathEntry{Path: "/AO", Ino: 8, Dir: true},
	)

	table, err := Build(entries)
	require.NoError(t, err)
	assert.NotEmpty(t, table.Resolver)

	// Both paths resolve through the resolver to distinct inodes.
	ino, typ, ok := table.Lookup("/B0")
	require.True(t, ok)
	assert.Equal(t, uint32(7), ino)
	assert.Equal(t, TypeFile, typ)

	ino, typ, ok = table.Lookup("/AO")
	require.True(t, ok)
	assert.Equal(t, uint32(8), ino)
	assert.Equal(t, TypeDir, typ)

	// The encoded form round-trips with the resolver blob alongside.
	parsed, err := Parse(table.Encode(), table.Resolver)
	require.NoError(t, err)

	ino, _, ok = parsed.Lookup("/b0")
	require.True(t, ok)
	assert.Equal(t, uint32(7), ino)
}

func TestDuplicatePathRejected(t *testing.T) {
	_, err := Build([]PathEntry{
		{Path: "/same", Ino: 1},
		{Path: "/same", Ino: 2},
	})
	assert.ErrorIs(t, err, ErrDuplicatePath)
}

func TestParseRejectsBadBlobs(t *testing.T) {
	_, err := Parse(make([]byte, 7), nil)
	assert.ErrorIs(t, err, ErrBadStructure)

	// Unsorted rows.
	table, err := Build(collisionFreeEntries())
	require.NoError(t, err)

	blob := table.Encode()
	copy(blob, blob[len(blob)-8:])
	_, err = Parse(blob, nil)
	assert.ErrorIs(t, err, ErrBadStructure)
}

func TestSortedPresentation(t *testing.T) {
	table, err := Build(collisionFreeEntries())
	require.NoError(t, err)

	rows := table.Sorted()
	for i := 1; i < len(rows); i++ {
		if rows[i-1].Type() == rows[i].Type() {
			assert.LessOrEqual(t, rows[i-1].Payload(), rows[i].Payload())
		} else {
			assert.Less(t, rows[i-1].Type(), rows[i].Type())
		}
	}
}
