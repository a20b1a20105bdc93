package cache

import (
	"sort"
	"strings"

	"github.com/dmitrijs2005/bucketkeeper/internal/models"
)

// isPlaceholder reports zero-content folder marker keys such as "docs/".
func isPlaceholder(key string) bool {
	return strings.HasSuffix(key, "/")
}

// BuildTree aggregates every object into each of its ancestor prefixes.
// The root ” is always present. Folder placeholder keys create their node
// but do not count as files.
func BuildTree(files []models.StorageObject) []models.DirectoryNode {
	nodes := map[string]*models.DirectoryNode{"": {Path: ""}}

	node := func(path string) *models.DirectoryNode {
		n, ok := nodes[path]
		if !ok {
			n = &models.DirectoryNode{Path: path}
			nodes[path] = n
		}
		return n
	}

	for _, f := range files {
		if isPlaceholder(f.Key) {
			for _, p := range models.AncestorPaths(f.Key) {
				node(p)
			}
			node(f.Key)
			continue
		}

		for _, p := range models.AncestorPaths(f.Key) {
			n := node(p)
			n.TotalFileCount++
			n.TotalSize += f.Size
			if f.LastModified.After(n.LastModified) {
				n.LastModified = f.LastModified
			}
		}
		parent := node(models.ParentPath(f.Key))
		parent.FileCount++
		parent.Size += f.Size
	}

	out := make([]models.DirectoryNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
