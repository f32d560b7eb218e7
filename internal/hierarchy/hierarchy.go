// Package hierarchy turns flat records with parent references into a forest
// with computed levels, child counts and descendant counts.
package hierarchy

import "sort"

// Node is one record in the forest.
type Node[T any] struct {
	ID              string     `json:"id"`
	ParentID        string     `json:"parentId,omitempty"`
	Item            T          `json:"item"`
	Level           int        `json:"level"`
	ChildCount      int        `json:"childCount"`
	DescendantCount int        `json:"descendantCount"`
	Orphan          bool       `json:"orphan,omitempty"`
	Cycle           bool       `json:"cycle,omitempty"`
	Children        []*Node[T] `json:"children"`
}

// Forest is the result of Build. Roots keep input order unless a Less
// function was supplied.
type Forest[T any] struct {
	Roots []*Node[T] `json:"roots"`
	index map[string]*Node[T]
}

// KeyFunc extracts the id and parent id of a record. An empty parent id
// marks a root.
type KeyFunc[T any] func(T) (id, parentID string)

type options[T any] struct {
	less func(a, b T) bool
}

type Option[T any] func(*options[T])

// WithLess orders siblings (and roots).
func WithLess[T any](less func(a, b T) bool) Option[T] {
	return func(o *options[T]) { o.less = less }
}

// Build assembles the forest. Records with an empty id are skipped; a
// repeated id replaces the earlier record in place. A record whose parent is
// missing becomes an orphan root. Parent cycles are broken by promoting the
// first cycle member reached to a root flagged Cycle; a record that names
// itself as parent is a cycle of one.
func Build[T any](items []T, key KeyFunc[T], opts ...Option[T]) Forest[T] {
	var o options[T]
	for _, opt := range opts {
		opt(&o)
	}

	index := make(map[string]*Node[T], len(items))
	order := make([]*Node[T], 0, len(items))
	for _, item := range items {
		id, parentID := key(item)
		if id == "" {
			continue
		}
		if existing, ok := index[id]; ok {
			existing.Item = item
			existing.ParentID = parentID
			continue
		}
		node := &Node[T]{ID: id, ParentID: parentID, Item: item}
		index[id] = node
		order = append(order, node)
	}

	for _, node := range order {
		if node.ParentID == "" {
			continue
		}
		if _, ok := index[node.ParentID]; !ok {
			node.Orphan = true
		}
	}

	breakCycles(order, index)

	forest := Forest[T]{index: index}
	for _, node := range order {
		if node.ParentID == "" || node.Orphan || node.Cycle {
			forest.Roots = append(forest.Roots, node)
			continue
		}
		parent := index[node.ParentID]
		parent.Children = append(parent.Children, node)
	}

	if o.less != nil {
		sortNodes(forest.Roots, o.less)
	}
	for _, root := range forest.Roots {
		annotate(root, 0, o.less)
	}
	return forest
}

// breakCycles walks each parent chain once. Nodes reached again while still
// on the current path close a cycle; the node where the walk re-entered is
// cut loose from its parent.
func breakCycles[T any](order []*Node[T], index map[string]*Node[T]) {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int, len(order))
	for _, start := range order {
		if state[start.ID] != unvisited {
			continue
		}
		var path []*Node[T]
		node := start
		for node != nil && state[node.ID] == unvisited {
			state[node.ID] = onPath
			path = append(path, node)
			if node.ParentID == "" || node.Orphan {
				node = nil
				break
			}
			node = index[node.ParentID]
		}
		if node != nil && state[node.ID] == onPath {
			node.Cycle = true
		}
		for _, n := range path {
			state[n.ID] = done
		}
	}
}

func annotate[T any](node *Node[T], level int, less func(a, b T) bool) int {
	node.Level = level
	node.ChildCount = len(node.Children)
	if less != nil {
		sortNodes(node.Children, less)
	}
	descendants := 0
	for _, child := range node.Children {
		descendants += 1 + annotate(child, level+1, less)
	}
	node.DescendantCount = descendants
	return descendants
}

func sortNodes[T any](nodes []*Node[T], less func(a, b T) bool) {
	sort.SliceStable(nodes, func(i, j int) bool { return less(nodes[i].Item, nodes[j].Item) })
}

// Find returns the node with the given id.
func (f Forest[T]) Find(id string) (*Node[T], bool) {
	node, ok := f.index[id]
	return node, ok
}

// Len is the number of nodes in the forest.
func (f Forest[T]) Len() int { return len(f.index) }

// Walk visits nodes in pre-order. Returning false skips the node's subtree.
func (f Forest[T]) Walk(fn func(*Node[T]) bool) {
	var visit func(*Node[T])
	visit = func(n *Node[T]) {
		if !fn(n) {
			return
		}
		for _, child := range n.Children {
			visit(child)
		}
	}
	for _, root := range f.Roots {
		visit(root)
	}
}

// Flatten lists every node in pre-order.
func (f Forest[T]) Flatten() []*Node[T] {
	out := make([]*Node[T], 0, len(f.index))
	f.Walk(func(n *Node[T]) bool {
		out = append(out, n)
		return true
	})
	return out
}

// Ancestors returns the chain from the node's parent up to its root.
func (f Forest[T]) Ancestors(id string) []*Node[T] {
	node, ok := f.index[id]
	if !ok {
		return nil
	}
	var chain []*Node[T]
	for !(node.ParentID == "" || node.Orphan || node.Cycle) {
		parent, ok := f.index[node.ParentID]
		if !ok {
			break
		}
		chain = append(chain, parent)
		node = parent
	}
	return chain
}

// ChildItems returns the records of the direct children of id.
func (f Forest[T]) ChildItems(id string) []T {
	node, ok := f.index[id]
	if !ok {
		return nil
	}
	items := make([]T, 0, len(node.Children))
	for _, child := range node.Children {
		items = append(items, child.Item)
	}
	return items
}
