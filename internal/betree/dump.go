package betree

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// JSONNode is the JSON rendering of a node.
type JSONNode struct {
	Key      Key        `json:"key"`
	Path     string     `json:"path"`
	Leaf     bool       `json:"leaf"`
	Items    []string   `json:"items,omitempty"`
	Children []JSONNode `json:"children,omitempty"`
}

// JSONOutput is the JSON rendering of a whole tree.
type JSONOutput struct {
	Root    string   `json:"root"`
	MinSize int      `json:"min_size"`
	Depth   int      `json:"depth"`
	Items   int      `json:"items"`
	Tree    JSONNode `json:"tree"`
}

// WriteJSON writes the tree structure to w. maxDepth limits how many levels
// below the root are expanded; zero expands everything.
func (t *Tree) WriteJSON(w io.Writer, maxDepth int) error {
	output := JSONOutput{
		Root:    t.rootPath,
		MinSize: t.minSize,
		Depth:   t.Depth(),
		Items:   t.Len(),
		Tree:    nodeToJSON(t.root, 0, maxDepth),
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

func nodeToJSON(n *node, depth, maxDepth int) JSONNode {
	out := JSONNode{Key: n.maxKey, Path: n.path(), Leaf: n.leaf}
	if maxDepth > 0 && depth >= maxDepth {
		return out
	}
	for _, c := range n.children {
		if n.leaf {
			out.Items = append(out.Items, c.name())
		} else {
			out.Children = append(out.Children, nodeToJSON(c.(*node), depth+1, maxDepth))
		}
	}
	return out
}

// Dump writes an indented outline of the tree, one node or item per line.
func (t *Tree) Dump(w io.Writer) error {
	var b strings.Builder
	dumpNode(&b, t.root, "")
	_, err := io.WriteString(w, b.String())
	return err
}

func dumpNode(b *strings.Builder, n *node, indent string) {
	label := n.name()
	if label == "" {
		label = "(empty)"
	}
	kind := "node"
	if n.leaf {
		kind = "leaf"
	}
	fmt.Fprintf(b, "%s%s %s [%d]\n", indent, kind, label, len(n.children))
	for _, c := range n.children {
		if n.leaf {
			fmt.Fprintf(b, "%s  %s\n", indent, c.name())
		} else {
			dumpNode(b, c.(*node), indent+"  ")
		}
	}
}
