package browser

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

type SnapshotRequest struct {
	Selector    string
	MaxNodes    int
	IncludeText bool
	IncludeHTML bool
}

type snapshotNode struct {
	Depth    int
	Tag      string
	Role     string
	Name     string
	Selector string
}

// Snapshot renders the visible DOM as an indented role tree. Every listed
// node gets a newly allocated element ref.
func (e *Engine) Snapshot(ctx context.Context, surface uuid.UUID, req SnapshotRequest) (map[string]any, error) {
	root := ""
	if strings.TrimSpace(req.Selector) != "" {
		var err error
		if root, err = e.Resolve(surface, req.Selector); err != nil {
			return nil, err
		}
	}
	maxNodes := req.MaxNodes
	if maxNodes <= 0 {
		maxNodes = e.cfg.SnapshotMaxNodes
	}
	res, err := e.check(ctx, surface, opSnapshot, e.frame(surface), map[string]any{
		"selector":     root,
		"max_nodes":    maxNodes,
		"include_text": req.IncludeText,
		"include_html": req.IncludeHTML,
	})
	if err != nil {
		return nil, err
	}

	nodes := parseNodes(res.Get("nodes"))
	refs := make(map[string]any, len(nodes))
	var b strings.Builder
	for _, n := range nodes {
		ref := e.allocate(surface, n.Selector)
		refs[ref] = map[string]any{"selector": n.Selector, "role": n.Role, "name": n.Name, "tag": n.Tag}
		writeNode(&b, n, ref)
	}

	out := surfaceResult(surface, map[string]any{
		"snapshot":   b.String(),
		"refs":       refs,
		"node_count": len(nodes),
		"truncated":  res.Get("truncated").Bool(),
		"title":      res.Get("title").String(),
		"url":        res.Get("url").String(),
	})
	if t := res.Get("text"); t.Exists() {
		out["text"] = t.String()
	}
	if h := res.Get("html"); h.Exists() {
		out["html"] = h.String()
	}
	return out, nil
}

// snapshotExcerpt renders the first lines of the role tree without touching
// the element ref table.
func (e *Engine) snapshotExcerpt(ctx context.Context, surface uuid.UUID, frame string) (string, error) {
	lines := e.cfg.SnapshotExcerptLines
	if lines <= 0 {
		lines = 40
	}
	res, err := e.check(ctx, surface, opSnapshot, frame, map[string]any{
		"selector":  "",
		"max_nodes": lines,
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, n := range parseNodes(res.Get("nodes")) {
		writeNode(&b, n, "")
	}
	return b.String(), nil
}

func parseNodes(arr gjson.Result) []snapshotNode {
	var nodes []snapshotNode
	arr.ForEach(func(_, n gjson.Result) bool {
		nodes = append(nodes, snapshotNode{
			Depth:    int(n.Get("depth").Int()),
			Tag:      n.Get("tag").String(),
			Role:     n.Get("role").String(),
			Name:     n.Get("name").String(),
			Selector: n.Get("selector").String(),
		})
		return true
	})
	return nodes
}

func writeNode(b *strings.Builder, n snapshotNode, ref string) {
	b.WriteString(strings.Repeat("  ", max(n.Depth, 0)))
	b.WriteString("- ")
	role := n.Role
	if role == "" || role == "generic" {
		role = n.Tag
	}
	b.WriteString(role)
	if n.Name != "" {
		b.WriteString(" ")
		b.WriteString(strconv.Quote(n.Name))
	}
	if ref != "" {
		b.WriteString(" [ref=")
		b.WriteString(ref)
		b.WriteString("]")
	}
	b.WriteString("\n")
}
