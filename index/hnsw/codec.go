package hnsw

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/stratavec/strata/distance"
)

// graphState is the serialized form of a Graph. The distance function
// travels as a metric name and is rebound on decode.
type graphState struct {
	Dim      int
	Metric   string
	MaxLevel int
	EP       uint32
	Nodes    []node
	Opts     Options
}

// Encode serializes the graph, s2 compressed. Vector payloads dominate
// the size and compress well enough that block level compression is
// worth the decode cost.
func (g *Graph) Encode(metric distance.Metric) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	state := graphState{
		Dim:      g.dim,
		Metric:   metric.String(),
		MaxLevel: g.maxLevel,
		EP:       g.ep,
		Nodes:    g.nodes,
		Opts:     g.opts,
	}
	if err := enc.Encode(&state); err != nil {
		return nil, fmt.Errorf("hnsw: encode graph: %w", err)
	}

	return s2.Encode(nil, buf.Bytes()), nil
}

// Decode reconstructs a graph from Encode output.
func Decode(data []byte) (*Graph, error) {
	raw, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("hnsw: decompress graph: %w", err)
	}

	var state graphState
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&state); err != nil {
		return nil, fmt.Errorf("hnsw: decode graph: %w", err)
	}

	metric, err := distance.ParseMetric(state.Metric)
	if err != nil {
		return nil, fmt.Errorf("hnsw: decode graph: %w", err)
	}

	g := New(state.Dim, distance.By(metric), func(o *Options) { *o = state.Opts })
	g.maxLevel = state.MaxLevel
	g.ep = state.EP
	g.nodes = state.Nodes

	return g, nil
}
