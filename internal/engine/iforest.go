package engine

import (
	"math"
	"math/rand"
	"sort"
)

const eulerGamma = 0.5772156649015329

type point [2]float64

type iNode struct {
	leaf    bool
	size    int
	feature int
	split   float64
	left    *iNode
	right   *iNode
}

// isolationForest is fitted and discarded within one evaluation; nothing
// about it is kept between ticks.
type isolationForest struct {
	trees []*iNode
	psi   int
	rng   *rand.Rand
	limit int
}

func fitForest(points []point, trees, sampleSize int, seed int64) *isolationForest {
	psi := sampleSize
	if psi <= 0 || psi > len(points) {
		psi = len(points)
	}
	f := &isolationForest{
		trees: make([]*iNode, 0, trees),
		psi:   psi,
		rng:   rand.New(rand.NewSource(seed)),
		limit: int(math.Ceil(math.Log2(float64(psi)))),
	}
	for i := 0; i < trees; i++ {
		perm := f.rng.Perm(len(points))[:psi]
		sample := make([]point, psi)
		for j, idx := range perm {
			sample[j] = points[idx]
		}
		f.trees = append(f.trees, f.build(sample, 0))
	}
	return f
}

func (f *isolationForest) build(sample []point, depth int) *iNode {
	if depth >= f.limit || len(sample) <= 1 {
		return &iNode{leaf: true, size: len(sample)}
	}
	lo, hi := sample[0], sample[0]
	for _, p := range sample[1:] {
		for k := range p {
			lo[k] = math.Min(lo[k], p[k])
			hi[k] = math.Max(hi[k], p[k])
		}
	}
	candidates := make([]int, 0, len(lo))
	for k := range lo {
		if hi[k] > lo[k] {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return &iNode{leaf: true, size: len(sample)}
	}
	feature := candidates[f.rng.Intn(len(candidates))]
	split := lo[feature] + f.rng.Float64()*(hi[feature]-lo[feature])

	// split < hi, so the minimum always goes left and the maximum right.
	left := make([]point, 0, len(sample))
	right := make([]point, 0, len(sample))
	for _, p := range sample {
		if p[feature] <= split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	return &iNode{
		feature: feature,
		split:   split,
		left:    f.build(left, depth+1),
		right:   f.build(right, depth+1),
	}
}

func pathLength(p point, n *iNode, depth int) float64 {
	for !n.leaf {
		if p[n.feature] <= n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return float64(depth) + averagePathLength(n.size)
}

// averagePathLength is c(n), the expected depth of an unsuccessful search
// in a binary search tree of n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// score returns the anomaly score in (0, 1]; higher is more isolated.
func (f *isolationForest) score(p point) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(p, t, 0)
	}
	mean := total / float64(len(f.trees))
	c := averagePathLength(f.psi)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -mean/c)
}

// quantile uses linear interpolation between closest ranks.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
