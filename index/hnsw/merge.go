package hnsw

import "fmt"

// Merge combines two sealed graphs into a new one by replaying the
// smaller graph's vectors into a copy of the larger. Keys must be
// disjoint or deduplicated by the caller beforehand; skip lets the
// caller drop entries that did not survive compaction.
func Merge(a, b *Graph, skip func(key uint64) bool) (*Graph, error) {
	if a.dim != b.dim {
		return nil, fmt.Errorf("hnsw: merge dimension mismatch: %d vs %d", a.dim, b.dim)
	}

	base, extra := a, b
	if base.Len() < extra.Len() {
		base, extra = extra, base
	}

	merged := base.clone()
	for i := range extra.nodes {
		n := &extra.nodes[i]
		if skip != nil && skip(n.Key) {
			continue
		}
		if err := merged.Insert(n.Key, n.Vector); err != nil {
			return nil, err
		}
	}

	return merged, nil
}

// clone deep copies the arena so inserts into the merged graph cannot
// mutate the sealed source.
func (g *Graph) clone() *Graph {
	c := New(g.dim, g.df, func(o *Options) { *o = g.opts })
	c.maxLevel = g.maxLevel
	c.ep = g.ep
	c.nodes = make([]node, len(g.nodes))
	for i := range g.nodes {
		src := &g.nodes[i]
		dst := &c.nodes[i]
		dst.Key = src.Key
		dst.Layer = src.Layer
		dst.Vector = append([]float32(nil), src.Vector...)
		dst.Connections = make([][]uint32, len(src.Connections))
		for l := range src.Connections {
			dst.Connections[l] = append([]uint32(nil), src.Connections[l]...)
		}
	}
	return c
}
