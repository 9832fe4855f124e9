package anomaly

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

const eulerGamma = 0.5772156649

// ForestConfig holds isolation forest hyper-parameters
type ForestConfig struct {
	Trees         int
	SampleSize    int
	Contamination float64
	Seed          uint64
}

// DefaultForestConfig returns the production hyper-parameters
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:         200,
		SampleSize:    256,
		Contamination: 0.03,
		Seed:          42,
	}
}

// Node is one node of a flattened isolation tree. Leaves have Left == -1 and
// record how many training points reached them.
type Node struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Left    int32   `json:"l"`
	Right   int32   `json:"r"`
	Size    int     `json:"n"`
}

// Tree is an isolation tree stored as a node array rooted at index 0
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Forest is a trained isolation forest
type Forest struct {
	Trees []Tree `json:"trees"`
	// Psi is the per-tree sub-sample size actually used
	Psi   int `json:"psi"`
	Width int `json:"width"`
}

// FitForest grows cfg.Trees isolation trees over rows. Each tree sees
// min(SampleSize, len(rows)) rows drawn without replacement and stops at
// depth ceil(log2(psi)).
func FitForest(rows [][]float64, cfg ForestConfig) (*Forest, error) {
	if cfg.Trees < 1 {
		return nil, fmt.Errorf("fit forest: trees must be >= 1")
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("fit forest: need at least 2 rows, got %d", len(rows))
	}
	width := len(rows[0])
	if width == 0 {
		return nil, fmt.Errorf("fit forest: rows have no features")
	}

	psi := cfg.SampleSize
	if psi <= 0 || psi > len(rows) {
		psi = len(rows)
	}
	heightLimit := int(math.Ceil(math.Log2(float64(psi))))

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	index := make([]int, len(rows))
	for i := range index {
		index[i] = i
	}

	forest := &Forest{Trees: make([]Tree, cfg.Trees), Psi: psi, Width: width}
	for t := range forest.Trees {
		// partial Fisher-Yates: the first psi entries become the sample
		for i := 0; i < psi; i++ {
			j := i + rng.IntN(len(index)-i)
			index[i], index[j] = index[j], index[i]
		}
		sample := make([][]float64, psi)
		for i := 0; i < psi; i++ {
			sample[i] = rows[index[i]]
		}

		b := &treeBuilder{rng: rng, width: width, limit: heightLimit}
		b.grow(sample, 0)
		forest.Trees[t] = Tree{Nodes: b.nodes}
	}

	return forest, nil
}

type treeBuilder struct {
	rng   *rand.Rand
	width int
	limit int
	nodes []Node
}

func (b *treeBuilder) grow(rows [][]float64, depth int) int32 {
	id := int32(len(b.nodes))
	b.nodes = append(b.nodes, Node{Left: -1, Right: -1, Size: len(rows)})

	if depth >= b.limit || len(rows) <= 1 {
		return id
	}

	feature, lo, hi, ok := b.pickFeature(rows)
	if !ok {
		return id
	}

	split := lo + b.rng.Float64()*(hi-lo)
	if split <= lo {
		split = lo + (hi-lo)/2
	}

	var left, right [][]float64
	for _, r := range rows {
		if r[feature] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[id] = Node{Feature: feature, Split: split, Left: l, Right: r, Size: len(rows)}
	return id
}

// pickFeature draws features in random order until it finds one that is not
// constant across rows
func (b *treeBuilder) pickFeature(rows [][]float64) (int, float64, float64, bool) {
	for _, f := range b.rng.Perm(b.width) {
		lo, hi := rows[0][f], rows[0][f]
		for _, r := range rows[1:] {
			if r[f] < lo {
				lo = r[f]
			}
			if r[f] > hi {
				hi = r[f]
			}
		}
		if hi > lo {
			return f, lo, hi, true
		}
	}
	return 0, 0, 0, false
}

// pathLength returns the depth at which x lands plus the expected remaining
// depth of the leaf's unresolved points
func (t *Tree) pathLength(x []float64) float64 {
	var depth float64
	i := int32(0)
	for {
		n := &t.Nodes[i]
		if n.Left < 0 {
			return depth + averagePathLength(n.Size)
		}
		if x[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// Score returns the anomaly score 2^(-E[h(x)]/c(psi)) of a standardized
// vector. Scores near 1 are anomalous, well below 0.5 are normal.
func (f *Forest) Score(x []float64) float64 {
	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	mean := total / float64(len(f.Trees))
	return math.Pow(2, -mean/averagePathLength(f.Psi))
}

// averagePathLength is c(n), the mean path length of an unsuccessful binary
// search tree lookup among n points
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	m := float64(n)
	return 2*(math.Log(m-1)+eulerGamma) - 2*(m-1)/m
}

// Quantile returns the q-quantile of values using linear interpolation
// between closest ranks
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func (f *Forest) validate(width int) error {
	if len(f.Trees) == 0 {
		return fmt.Errorf("forest has no trees")
	}
	if f.Width != width {
		return fmt.Errorf("forest width %d, expected %d", f.Width, width)
	}
	if f.Psi < 2 {
		return fmt.Errorf("forest sample size %d is too small", f.Psi)
	}
	for ti, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Left < 0 {
				continue
			}
			if int(n.Left) >= len(t.Nodes) || int(n.Right) >= len(t.Nodes) || n.Right < 0 ||
				n.Left <= int32(ni) || n.Right <= int32(ni) {
				return fmt.Errorf("tree %d node %d has invalid children", ti, ni)
			}
			if n.Feature < 0 || n.Feature >= width {
				return fmt.Errorf("tree %d node %d splits on unknown feature %d", ti, ni, n.Feature)
			}
		}
	}
	return nil
}
