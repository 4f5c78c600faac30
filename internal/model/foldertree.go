package model

import "sort"

// FolderNode is a folder plus its position in a FolderTree.
type FolderNode struct {
	Folder

	Children []*FolderNode `json:"children"`

	// CumulativeTotal and CumulativeUnread include every descendant.
	// They are display values and never written back to storage.
	CumulativeTotal  int `json:"cumulative_total"`
	CumulativeUnread int `json:"cumulative_unread"`
}

// FolderTree is an id-indexed arena over a user's folders. It is built
// from a flat slice and walked with explicit stacks, so arbitrarily
// deep or malformed input cannot exhaust the call stack.
type FolderTree struct {
	nodes map[string]*FolderNode
	roots []*FolderNode
}

// NewFolderTree builds a tree from a flat folder list. Folders whose
// parent is missing from the list are treated as roots.
func NewFolderTree(folders []Folder) *FolderTree {
	t := &FolderTree{nodes: make(map[string]*FolderNode, len(folders))}
	for _, f := range folders {
		t.nodes[f.ID] = &FolderNode{Folder: f}
	}
	t.link()
	return t
}

func (t *FolderTree) link() {
	t.roots = nil
	for _, n := range t.nodes {
		n.Children = nil
	}
	for _, n := range t.nodes {
		if n.ParentID != nil {
			if parent, ok := t.nodes[*n.ParentID]; ok && parent != n {
				parent.Children = append(parent.Children, n)
				continue
			}
		}
		t.roots = append(t.roots, n)
	}
	sortNodes(t.roots)
	for _, n := range t.nodes {
		sortNodes(n.Children)
	}
}

func sortNodes(nodes []*FolderNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].SortOrder != nodes[j].SortOrder {
			return nodes[i].SortOrder < nodes[j].SortOrder
		}
		return nodes[i].Name < nodes[j].Name
	})
}

// Len returns the number of folders in the tree.
func (t *FolderTree) Len() int {
	return len(t.nodes)
}

// Roots returns the top-level nodes ordered by sort order then name.
func (t *FolderTree) Roots() []*FolderNode {
	return t.roots
}

// Node looks up a folder by ID.
func (t *FolderTree) Node(id string) (*FolderNode, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// ByPath looks up a folder by its full path.
func (t *FolderTree) ByPath(path string) (*FolderNode, bool) {
	for _, n := range t.nodes {
		if n.Path == path {
			return n, true
		}
	}
	return nil, false
}

// Subtree returns id and all of its descendants in pre-order.
func (t *FolderTree) Subtree(id string) []*FolderNode {
	root, ok := t.nodes[id]
	if !ok {
		return nil
	}

	var out []*FolderNode
	stack := []*FolderNode{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, n)
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
	return out
}

// IsDescendant reports whether id lies strictly below ancestorID. The
// walk up the parent chain stops after Len steps, which also guards
// against corrupt cyclic data.
func (t *FolderTree) IsDescendant(ancestorID, id string) bool {
	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	for steps := 0; steps < len(t.nodes); steps++ {
		if n.ParentID == nil {
			return false
		}
		if *n.ParentID == ancestorID {
			return true
		}
		parent, ok := t.nodes[*n.ParentID]
		if !ok {
			return false
		}
		n = parent
	}
	return false
}

// Height returns how many levels lie below id (0 for a leaf).
func (t *FolderTree) Height(id string) int {
	root, ok := t.nodes[id]
	if !ok {
		return 0
	}
	height := 0
	for _, n := range t.Subtree(id) {
		if d := n.Depth - root.Depth; d > height {
			height = d
		}
	}
	return height
}

// Reparent moves id under parentID (nil for root) inside the arena and
// recomputes Path and Depth for the moved subtree. It returns the
// updated folders in pre-order. Callers validate cycles and depth first.
func (t *FolderTree) Reparent(id string, parentID *string) []Folder {
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	if parentID != nil {
		p := *parentID
		n.ParentID = &p
	} else {
		n.ParentID = nil
	}
	t.link()
	return t.Recompute(id)
}

// Rename changes a folder's name and recomputes its subtree.
func (t *FolderTree) Rename(id, name string) []Folder {
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	n.Name = name
	return t.Recompute(id)
}

// Recompute rewrites Path and Depth for id and its descendants from
// the parent chain, breadth first.
func (t *FolderTree) Recompute(id string) []Folder {
	root, ok := t.nodes[id]
	if !ok {
		return nil
	}

	var changed []Folder
	queue := []*FolderNode{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		parentPath, depth := "", 0
		if n.ParentID != nil {
			if parent, ok := t.nodes[*n.ParentID]; ok {
				parentPath, depth = parent.Path, parent.Depth+1
			}
		}
		n.Path = ChildPath(parentPath, n.Name)
		n.Depth = depth
		changed = append(changed, n.Folder)

		queue = append(queue, n.Children...)
	}
	return changed
}

// Remove drops id from the arena and promotes its children to roots.
// It returns the IDs of the promoted children.
func (t *FolderTree) Remove(id string) []string {
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	var promoted []string
	for _, c := range n.Children {
		c.ParentID = nil
		promoted = append(promoted, c.ID)
	}
	delete(t.nodes, id)
	t.link()
	return promoted
}

// PathTaken reports whether path is used by a folder outside the
// given set of IDs.
func (t *FolderTree) PathTaken(path string, except map[string]bool) bool {
	for _, n := range t.nodes {
		if except[n.ID] {
			continue
		}
		if n.Path == path {
			return true
		}
	}
	return false
}

// ComputeCumulative fills CumulativeTotal and CumulativeUnread for every
// node, children before parents.
func (t *FolderTree) ComputeCumulative() {
	var order []*FolderNode
	stack := append([]*FolderNode(nil), t.roots...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, n)
		stack = append(stack, n.Children...)
	}

	// Reverse pre-order visits every child before its parent.
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		n.CumulativeTotal = n.TotalCount
		n.CumulativeUnread = n.UnreadCount
		for _, c := range n.Children {
			n.CumulativeTotal += c.CumulativeTotal
			n.CumulativeUnread += c.CumulativeUnread
		}
	}
}

// Paths returns every folder path in the tree in pre-order.
func (t *FolderTree) Paths() []string {
	paths := make([]string, 0, len(t.nodes))
	for _, r := range t.roots {
		for _, n := range t.Subtree(r.ID) {
			paths = append(paths, n.Path)
		}
	}
	return paths
}
