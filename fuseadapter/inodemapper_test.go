package fuseadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivefs/gdfs/fs"
)

func newTestTree() *fs.Tree {
	return fs.NewTree("root-id", 1000, 1000)
}

func TestInodeMapperRootIsPreassigned(t *testing.T) {
	t.Parallel()
	tree := newTestTree()
	m := newInodeMapper(tree.Root())

	assert.Equal(t, tree.Root(), m.node(rootNodeID))
	assert.EqualValues(t, rootNodeID, m.assign(tree.Root()))
}

func TestInodeMapperAssignIsStablePerNode(t *testing.T) {
	t.Parallel()
	tree := newTestTree()
	m := newInodeMapper(tree.Root())
	entry := fs.NewEntry("f1", false, 0644, 1000, 1000)
	child := fs.NewChildNode("report.pdf", tree.Root(), entry, fs.LinkRegular)
	require.NoError(t, tree.Root().InsertChild(child))

	id1 := m.assign(child)
	id2 := m.assign(child)
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, uint64(rootNodeID), id1)
	assert.Equal(t, child, m.node(id1))
}

func TestInodeMapperAssignMintsDistinctIDs(t *testing.T) {
	t.Parallel()
	tree := newTestTree()
	m := newInodeMapper(tree.Root())
	a := fs.NewChildNode("a", tree.Root(), fs.NewEntry("a", false, 0644, 0, 0), fs.LinkRegular)
	b := fs.NewChildNode("b", tree.Root(), fs.NewEntry("b", false, 0644, 0, 0), fs.LinkRegular)
	require.NoError(t, tree.Root().InsertChild(a))
	require.NoError(t, tree.Root().InsertChild(b))

	idA := m.assign(a)
	idB := m.assign(b)
	assert.NotEqual(t, idA, idB)
}

func TestInodeMapperForgetDropsMappingAtZero(t *testing.T) {
	t.Parallel()
	tree := newTestTree()
	m := newInodeMapper(tree.Root())
	child := fs.NewChildNode("f", tree.Root(), fs.NewEntry("f", false, 0644, 0, 0), fs.LinkRegular)
	require.NoError(t, tree.Root().InsertChild(child))

	id := m.assign(child)
	m.assign(child) // second lookup, count now 2

	m.forget(id, 1)
	assert.NotNil(t, m.node(id), "one outstanding lookup should still hold the mapping")

	m.forget(id, 1)
	assert.Nil(t, m.node(id), "mapping should be dropped once lookup count reaches zero")
}

func TestInodeMapperForgetNeverDropsRoot(t *testing.T) {
	t.Parallel()
	tree := newTestTree()
	m := newInodeMapper(tree.Root())

	m.forget(rootNodeID, 1000)
	assert.Equal(t, tree.Root(), m.node(rootNodeID))
}

func TestInodeMapperNodeUnknownIDReturnsNil(t *testing.T) {
	t.Parallel()
	tree := newTestTree()
	m := newInodeMapper(tree.Root())
	assert.Nil(t, m.node(9999))
}

func TestInodeMapperAssignSurvivesRename(t *testing.T) {
	t.Parallel()
	tree := newTestTree()
	m := newInodeMapper(tree.Root())
	child := fs.NewChildNode("old", tree.Root(), fs.NewEntry("f", false, 0644, 0, 0), fs.LinkRegular)
	require.NoError(t, tree.Root().InsertChild(child))

	id := m.assign(child)
	_, err := tree.Root().RenameChild("old", tree.Root(), "new", false)
	require.NoError(t, err)

	assert.Equal(t, id, m.assign(child), "renaming must preserve the Node pointer, and so its NodeId")
	assert.Equal(t, "new", child.Name())
}
