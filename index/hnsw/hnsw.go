// Package hnsw implements a hierarchical navigable small world graph
// used as the approximate nearest neighbour index inside immutable
// segments. Graphs are built once by the compactor and then only
// searched; Search takes no locks and is safe for concurrent use as
// long as no Insert runs at the same time.
package hnsw

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/stratavec/strata/distance"
)

// ErrDimensionMismatch reports a vector whose dimensionality does not
// match the graph.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// node lives in a flat arena and links to neighbours by arena index,
// never by pointer, so the whole graph serializes and relocates
// cheaply.
type node struct {
	Key         uint64
	Vector      []float32
	Layer       int32
	Connections [][]uint32
}

// Options configures graph construction.
type Options struct {
	// M is the number of established connections per element during
	// construction. The range 12-48 works for most embedding sets.
	M int

	// EFConstruction is the size of the dynamic candidate list while
	// building. Larger values improve graph quality at build cost.
	EFConstruction int

	// Seed fixes the level generator so that identical inputs build
	// identical graphs.
	Seed int64
}

var DefaultOptions = Options{
	M:              16,
	EFConstruction: 200,
	Seed:           1,
}

// Result is a single search hit.
type Result struct {
	Key      uint64
	Distance float32
}

// Graph is the in-memory index for one segment.
type Graph struct {
	dim      int
	df       distance.Func
	mMax     int
	mMax0    int
	ml       float64
	ep       uint32
	maxLevel int
	nodes    []node
	rng      *rand.Rand
	opts     Options
}

// New creates an empty graph for vectors of the given dimensionality.
func New(dim int, df distance.Func, optFns ...func(o *Options)) *Graph {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.M < 2 {
		opts.M = 2 // M == 1 makes the level normalizer divide by zero
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}

	return &Graph{
		dim:   dim,
		df:    df,
		mMax:  opts.M,
		mMax0: 2 * opts.M,
		ml:    1 / math.Log(float64(opts.M)),
		rng:   rand.New(rand.NewSource(opts.Seed)),
		opts:  opts,
	}
}

// Len returns the number of indexed vectors.
func (g *Graph) Len() int { return len(g.nodes) }

// Dim returns the vector dimensionality the graph was built for.
func (g *Graph) Dim() int { return g.dim }

// Keys returns the key of every indexed vector in insertion order.
func (g *Graph) Keys() []uint64 {
	keys := make([]uint64, len(g.nodes))
	for i := range g.nodes {
		keys[i] = g.nodes[i].Key
	}
	return keys
}

// Insert adds a vector under the given key. It is not safe for
// concurrent use; graphs are built single threaded and sealed.
func (g *Graph) Insert(key uint64, v []float32) error {
	if len(v) != g.dim {
		return &ErrDimensionMismatch{Expected: g.dim, Actual: len(v)}
	}

	vec := make([]float32, len(v))
	copy(vec, v)

	id := uint32(len(g.nodes))
	layer := int32(math.Floor(-math.Log(g.rng.Float64()) * g.ml))

	n := node{
		Key:         key,
		Vector:      vec,
		Layer:       layer,
		Connections: make([][]uint32, layer+1),
	}

	if len(g.nodes) == 0 {
		g.nodes = append(g.nodes, n)
		g.ep = 0
		g.maxLevel = int(layer)
		return nil
	}

	// Greedy descent through the layers above the new node's level.
	currObj := g.ep
	currDist := g.df(g.nodes[currObj].Vector, vec)
	for level := g.maxLevel; level > int(layer); level-- {
		currObj, currDist = g.greedyStep(vec, currObj, currDist, level)
	}

	for level := min(int(layer), g.maxLevel); level >= 0; level-- {
		top := g.searchLayer(vec, queueItem{Node: currObj, Distance: currDist}, g.opts.EFConstruction, level, nil)
		g.selectNeighboursHeuristic(top, g.opts.M)

		// Drain nearest first by popping the max-heap back to front.
		conns := make([]uint32, top.Len())
		for i := top.Len() - 1; i >= 0; i-- {
			item, _ := top.Pop()
			conns[i] = item.Node
		}
		n.Connections[level] = conns

		if len(conns) > 0 {
			// The closest candidate seeds the descent into the
			// next layer down.
			currObj = conns[0]
			currDist = g.df(g.nodes[currObj].Vector, vec)
		}
	}

	g.nodes = append(g.nodes, n)

	for level := min(int(layer), g.maxLevel); level >= 0; level-- {
		for _, neighbour := range g.nodes[id].Connections[level] {
			g.link(neighbour, id, level)
		}
	}

	if int(layer) > g.maxLevel {
		g.ep = id
		g.maxLevel = int(layer)
	}

	return nil
}

// greedyStep walks one layer towards q until no neighbour improves the
// distance.
func (g *Graph) greedyStep(q []float32, ep uint32, epDist float32, level int) (uint32, float32) {
	curr, dist := ep, epDist
	for changed := true; changed; {
		changed = false
		conns := g.connections(curr, level)
		for _, n := range conns {
			if d := g.df(g.nodes[n].Vector, q); d < dist {
				curr, dist = n, d
				changed = true
			}
		}
	}
	return curr, dist
}

func (g *Graph) connections(id uint32, level int) []uint32 {
	if int(level) >= len(g.nodes[id].Connections) {
		return nil
	}
	return g.nodes[id].Connections[level]
}

// Search returns up to k nearest neighbours of q. ef bounds the
// candidate list and must be >= k for useful recall. A non-nil filter
// drops keys it rejects without stopping the traversal, so heavily
// filtered searches keep exploring the graph.
func (g *Graph) Search(q []float32, k, ef int, filter func(key uint64) bool) ([]Result, error) {
	if len(q) != g.dim {
		return nil, &ErrDimensionMismatch{Expected: g.dim, Actual: len(q)}
	}
	if len(g.nodes) == 0 || k <= 0 {
		return nil, nil
	}
	if ef < k {
		ef = k
	}

	ep := g.ep
	dist := g.df(g.nodes[ep].Vector, q)
	for level := g.maxLevel; level > 0; level-- {
		ep, dist = g.greedyStep(q, ep, dist, level)
	}

	top := g.searchLayer(q, queueItem{Node: ep, Distance: dist}, ef, 0, filter)
	for top.Len() > k {
		top.Pop()
	}

	// Pop from the max-heap into the result slice back to front so the
	// output comes out ascending by distance.
	results := make([]Result, top.Len())
	for i := top.Len() - 1; i >= 0; i-- {
		item, _ := top.Pop()
		results[i] = Result{Key: g.nodes[item.Node].Key, Distance: item.Distance}
	}

	return results, nil
}

// searchLayer runs the beam search over one layer. The returned queue
// is a max-heap of at most ef accepted candidates. filter only gates
// admission to the result set; rejected nodes still route traversal.
func (g *Graph) searchLayer(q []float32, ep queueItem, ef, level int, filter func(key uint64) bool) *priorityQueue {
	visited := make(map[uint32]struct{}, ef*4)
	visited[ep.Node] = struct{}{}

	candidates := newMinQueue()
	candidates.Push(ep)

	top := newMaxQueue()
	if filter == nil || filter(g.nodes[ep.Node].Key) {
		top.Push(ep)
	}

	for candidates.Len() > 0 {
		candidate, _ := candidates.Pop()
		if worst, ok := top.Top(); ok && top.Len() >= ef && candidate.Distance > worst.Distance {
			break
		}

		for _, n := range g.connections(candidate.Node, level) {
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = struct{}{}

			d := g.df(g.nodes[n].Vector, q)
			item := queueItem{Node: n, Distance: d}

			worst, ok := top.Top()
			if top.Len() < ef {
				candidates.Push(item)
				if filter == nil || filter(g.nodes[n].Key) {
					top.Push(item)
				}
			} else if ok && d < worst.Distance {
				candidates.Push(item)
				if filter == nil || filter(g.nodes[n].Key) {
					top.Pop()
					top.Push(item)
				}
			}
		}
	}

	return top
}

// link records an edge from first to second at the given level,
// shrinking the neighbour list with the selection heuristic when it
// overflows.
func (g *Graph) link(first, second uint32, level int) {
	maxConnections := g.mMax
	if level == 0 {
		maxConnections = g.mMax0
	}

	n := &g.nodes[first]
	for len(n.Connections) <= level {
		n.Connections = append(n.Connections, nil)
	}
	n.Connections[level] = append(n.Connections[level], second)

	if len(n.Connections[level]) <= maxConnections {
		return
	}

	top := newMaxQueue()
	for _, id := range n.Connections[level] {
		top.Push(queueItem{Node: id, Distance: g.df(n.Vector, g.nodes[id].Vector)})
	}
	g.selectNeighboursHeuristic(top, maxConnections)

	conns := make([]uint32, top.Len())
	for i := top.Len() - 1; i >= 0; i-- {
		item, _ := top.Pop()
		conns[i] = item.Node
	}
	n.Connections[level] = conns
}

// selectNeighboursHeuristic prunes a max-heap of candidates down to at
// most m, preferring candidates that are closer to the query than to
// any already selected neighbour. This keeps edges spread out instead
// of clustering on one side of the query.
func (g *Graph) selectNeighboursHeuristic(top *priorityQueue, m int) {
	if top.Len() <= m {
		return
	}

	// Drain into ascending order.
	ordered := make([]queueItem, top.Len())
	for i := top.Len() - 1; i >= 0; i-- {
		ordered[i], _ = top.Pop()
	}

	selected := make([]queueItem, 0, m)
	discarded := make([]queueItem, 0, len(ordered))
	for _, item := range ordered {
		if len(selected) >= m {
			break
		}
		keep := true
		for _, s := range selected {
			if g.df(g.nodes[s.Node].Vector, g.nodes[item.Node].Vector) < item.Distance {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, item)
		} else {
			discarded = append(discarded, item)
		}
	}

	for i := 0; len(selected) < m && i < len(discarded); i++ {
		selected = append(selected, discarded[i])
	}

	for _, item := range selected {
		top.Push(item)
	}
}
