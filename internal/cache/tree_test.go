package cache

import (
	"testing"

	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTree_AggregatesIntoEveryAncestor(t *testing.T) {
	nodes := BuildTree([]models.StorageObject{
		obj("a.txt", 10, 1),
		obj("docs/b.txt", 20, 2),
		obj("docs/deep/c.txt", 30, 5),
		obj("docs/deep/d.txt", 40, 3),
		obj("empty/", 0, 9),
	})

	byPath := map[string]models.DirectoryNode{}
	for _, n := range nodes {
		byPath[n.Path] = n
	}
	require.Equal(t, []string{"", "docs/", "docs/deep/", "empty/"}, paths(nodes))

	root := byPath[""]
	assert.EqualValues(t, 1, root.FileCount)
	assert.EqualValues(t, 10, root.Size)
	assert.EqualValues(t, 4, root.TotalFileCount)
	assert.EqualValues(t, 100, root.TotalSize)
	assert.Equal(t, t0.Add(5*60e9), root.LastModified)

	docs := byPath["docs/"]
	assert.EqualValues(t, 1, docs.FileCount)
	assert.EqualValues(t, 20, docs.Size)
	assert.EqualValues(t, 3, docs.TotalFileCount)
	assert.EqualValues(t, 90, docs.TotalSize)

	deep := byPath["docs/deep/"]
	assert.EqualValues(t, 2, deep.FileCount)
	assert.EqualValues(t, 70, deep.TotalSize)

	empty := byPath["empty/"]
	assert.Zero(t, empty.TotalFileCount)
}

func TestBuildTree_EmptyInputHasRoot(t *testing.T) {
	nodes := BuildTree(nil)
	require.Len(t, nodes, 1)
	assert.Equal(t, "", nodes[0].Path)
}
