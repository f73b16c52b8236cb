package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildPath(t *testing.T) {
	cases := []struct {
		parent, seg, want string
	}{
		{"", "a", "/a"},
		{"/a", "b", "/a/b"},
		{"/a/", "b", "/a/b"},
		{"/a", "/b", "/a/b"},
		{"/", "a", "/a"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ChildPath(tc.parent, tc.seg), "ChildPath(%q, %q)", tc.parent, tc.seg)
	}
}

func TestIsDescendantOfIsDelimiterAligned(t *testing.T) {
	assert.True(t, IsDescendantOf("/1/2", "/1"))
	assert.True(t, IsDescendantOf("/1/2/3", "/1"))
	assert.False(t, IsDescendantOf("/10", "/1"))
	assert.False(t, IsDescendantOf("/10/2", "/1"))
	assert.False(t, IsDescendantOf("/1", "/1"), "a node is not its own descendant")
	assert.False(t, IsDescendantOf("/1/", "/1"))
	assert.False(t, IsDescendantOf("/1/2", ""))
}

func TestIsWithin(t *testing.T) {
	assert.True(t, IsWithin("/1", "/1"))
	assert.True(t, IsWithin("/1/2", "/1"))
	assert.False(t, IsWithin("/10", "/1"))
	assert.False(t, IsWithin("", ""))
}

func TestRebasePath(t *testing.T) {
	assert.Equal(t, "/x/b/c", RebasePath("/a/b/c", "/a", "/x"))
	assert.Equal(t, "/x", RebasePath("/a", "/a", "/x"))
	assert.Equal(t, "/ab/c", RebasePath("/ab/c", "/a", "/x"), "sibling prefix must be untouched")
	assert.Equal(t, "/p/q/b", RebasePath("/b/b", "/b", "/p/q"))
}

func TestPathDepth(t *testing.T) {
	assert.Equal(t, 0, PathDepth("/a"))
	assert.Equal(t, 2, PathDepth("/a/b/c"))
	assert.Equal(t, 0, PathDepth(""))
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("  Branch_Manager ")
	require.NoError(t, err)
	assert.Equal(t, RoleBranchManager, r)

	_, err = ParseRole("janitor")
	require.ErrorIs(t, err, ErrValidation)
}

func TestRoleRanking(t *testing.T) {
	roles := Roles()
	require.Len(t, roles, 6)
	for i := 0; i < len(roles)-1; i++ {
		assert.True(t, roles[i].Outranks(roles[i+1]), "%s should outrank %s", roles[i], roles[i+1])
		assert.False(t, roles[i+1].Outranks(roles[i]))
	}
	assert.False(t, RoleRM.Outranks(RoleRM), "outranking is strict")
	assert.True(t, RoleSuperAdmin.IsTop())
	assert.False(t, RoleDirector.IsTop())
	assert.True(t, RoleRM.IsPrivileged())
	assert.False(t, RoleClient.IsPrivileged())
	assert.False(t, Role("janitor").IsPrivileged())
}
