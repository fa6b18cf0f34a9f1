// Package lineage computes the transitive closure of time entries over
// correction links. The closure decides the exact record set an audit pack
// must contain: every entry reachable from the requested date range through
// an edit, replacement or supersession relationship, even when the linked
// entry falls outside that range.
package lineage

import "sort"

// Node is the correction-link metadata of a single time entry. Link fields
// are empty strings when the entry has no such relationship.
type Node struct {
	ID              string
	PreviousEntryID string
	ReplacesEntryID string
	SupersededByID  string
}

// Links returns the non-empty link targets of the node.
func (n Node) Links() []string {
	links := make([]string, 0, 3)
	if n.PreviousEntryID != "" {
		links = append(links, n.PreviousEntryID)
	}
	if n.ReplacesEntryID != "" {
		links = append(links, n.ReplacesEntryID)
	}
	if n.SupersededByID != "" {
		links = append(links, n.SupersededByID)
	}
	return links
}

// Closure is the result of a lineage traversal.
type Closure struct {
	// NodeIDs is every visited entry id, lexicographically sorted.
	NodeIDs []string
	// ExpandedOutsideRange is the subset of NodeIDs that was not in the
	// seed set, lexicographically sorted.
	ExpandedOutsideRange []string
}

// Close performs a breadth-first traversal from the seed nodes, following
// all three link fields through the lookup table. The result depends only
// on the logical content of the inputs: output ids are sorted, never in
// discovery order, so two calls with reordered slices or differently built
// maps return identical closures.
//
// The lookup table must be transitively complete. An id that is referenced
// but missing from the table is skipped, so callers resolve every linked
// entry before calling Close and treat an unresolvable id as a hard error.
func Close(seeds []Node, lookup map[string]Node) Closure {
	nodes := make(map[string]Node, len(lookup)+len(seeds))
	for id, node := range lookup {
		nodes[id] = node
	}

	visited := make(map[string]bool, len(seeds))
	inRange := make(map[string]bool, len(seeds))
	queue := make([]string, 0, len(seeds))

	for _, seed := range seeds {
		if seed.ID == "" || visited[seed.ID] {
			continue
		}
		nodes[seed.ID] = seed
		visited[seed.ID] = true
		inRange[seed.ID] = true
		queue = append(queue, seed.ID)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		node, ok := nodes[id]
		if !ok {
			continue
		}
		for _, target := range node.Links() {
			if visited[target] {
				continue
			}
			visited[target] = true
			queue = append(queue, target)
		}
	}

	nodeIDs := make([]string, 0, len(visited))
	expanded := make([]string, 0)
	for id := range visited {
		nodeIDs = append(nodeIDs, id)
		if !inRange[id] {
			expanded = append(expanded, id)
		}
	}
	sort.Strings(nodeIDs)
	sort.Strings(expanded)

	return Closure{NodeIDs: nodeIDs, ExpandedOutsideRange: expanded}
}
