package pfs

import "strings"

// NodeType discriminates the tree node variants.
type NodeType int

const (
	NodeFile NodeType = iota
	NodeDir
)

// Node is one entry of a parsed PFS tree. Nodes live in a flat arena and
// refer to each other by index, so the tree owns no cyclic references.
type Node struct {
	Name           string
	Type           NodeType
	Ino            int64
	Parent         int
	Children       []int
	Size           uint64
	SizeCompressed uint64

	// Offset is the byte offset of the first data block within the image.
	Offset int64
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool {
	return n.Type == NodeDir
}

// Tree is the directory tree of a PFS image, rooted at the super_root.
type Tree struct {
	Nodes []Node
	Root  int
}

// Path returns the slash-separated path of node i relative to the root,
// beginning with "/". The root itself maps to "/".
func (t *Tree) Path(i int) string {
	if i == t.Root {
		return "/"
	}

	var parts []string
	for i != t.Root {
		parts = append(parts, t.Nodes[i].Name)
		i = t.Nodes[i].Parent
	}

	var b strings.Builder
	for j := len(parts) - 1; j >= 0; j-- {
		b.WriteByte('/')
		b.WriteString(parts[j])
	}
	return b.String()
}

// Child returns the index of the named child of directory i, or -1.
func (t *Tree) Child(i int, name string) int {
	for _, c := range t.Nodes[i].Children {
		if t.Nodes[c].Name == name {
			return c
		}
	}
	return -1
}

// Lookup resolves a "/"-separated path from the root and returns the node
// index, or -1 when any component is missing.
func (t *Tree) Lookup(path string) int {
	cur := t.Root
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}

		cur = t.Child(cur, part)
		if cur < 0 {
			return -1
		}
	}
	return cur
}

// Walk visits nodes breadth-first starting at root, children in dirent
// order, invoking fn with each node index. Returning an error stops the
// walk.
func (t *Tree) Walk(root int, fn func(i int) error) error {
	queue := []int{root}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]

		if err := fn(i); err != nil {
			return err
		}

		queue = append(queue, t.Nodes[i].Children...)
	}
	return nil
}
