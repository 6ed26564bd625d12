// Package iforest implements an isolation forest for unsupervised anomaly detection.
//
// Each tree isolates points by recursive random splits. Points that are isolated
// in few splits lie in sparse regions and receive lower (more negative) scores.
// A fitted Forest is immutable and safe for concurrent use.
package iforest

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

const eulerGamma = 0.5772156649015329

// maxAutoSampleSize caps the per-tree subsample when none is configured.
const maxAutoSampleSize = 256

var (
	ErrEmptyData         = errors.New("iforest: no training samples")
	ErrDimensionMismatch = errors.New("iforest: sample width does not match training data")
)

type config struct {
	trees         int
	sampleSize    int
	contamination float64
	seed          uint64
}

// Option configures Fit.
type Option func(*config)

// WithTrees sets the ensemble size.
func WithTrees(n int) Option {
	return func(c *config) { c.trees = n }
}

// WithSampleSize sets the number of samples drawn for each tree.
// Zero or a value above the training size means min(256, n).
func WithSampleSize(n int) Option {
	return func(c *config) { c.sampleSize = n }
}

// WithContamination sets the expected outlier fraction of the training data.
// It calibrates the decision offset.
func WithContamination(fraction float64) Option {
	return func(c *config) { c.contamination = fraction }
}

// WithSeed fixes the random source so fits are reproducible.
func WithSeed(seed uint64) Option {
	return func(c *config) { c.seed = seed }
}

// Forest is a fitted isolation forest.
type Forest struct {
	trees         []*node
	width         int
	sampleSize    int
	contamination float64
	seed          uint64

	// norm is the average path length of an unsuccessful search over sampleSize points.
	norm float64

	// offset is the contamination percentile of the training scores.
	offset float64
}

type node struct {
	leaf bool
	size int // samples that reached a leaf

	feature int
	split   float64
	left    *node
	right   *node
}

// Fit builds a forest over data, one row per sample.
func Fit(data [][]float64, opts ...Option) (*Forest, error) {
	cfg := config{
		trees:         100,
		contamination: 0.1,
		seed:          42,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("iforest: need at least 2 samples, got %d", len(data))
	}
	if cfg.trees <= 0 {
		return nil, fmt.Errorf("iforest: tree count must be positive, got %d", cfg.trees)
	}
	if cfg.contamination <= 0 || cfg.contamination > 0.5 {
		return nil, fmt.Errorf("iforest: contamination must be in (0, 0.5], got %v", cfg.contamination)
	}

	width := len(data[0])
	if width == 0 {
		return nil, fmt.Errorf("iforest: samples have no features")
	}
	for i, row := range data {
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d features, want %d", ErrDimensionMismatch, i, len(row), width)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("iforest: row %d feature %d is not finite", i, j)
			}
		}
	}

	n := len(data)
	sampleSize := cfg.sampleSize
	if sampleSize <= 0 || sampleSize > n {
		sampleSize = min(maxAutoSampleSize, n)
	}
	if sampleSize < 2 {
		return nil, fmt.Errorf("iforest: sample size must be at least 2, got %d", sampleSize)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	rng := rand.New(rand.NewPCG(cfg.seed, cfg.seed^0x9e3779b97f4a7c15))

	f := &Forest{
		trees:         make([]*node, cfg.trees),
		width:         width,
		sampleSize:    sampleSize,
		contamination: cfg.contamination,
		seed:          cfg.seed,
		norm:          averagePathLength(sampleSize),
	}

	for t := range f.trees {
		rows := rng.Perm(n)[:sampleSize]
		f.trees[t] = grow(rng, data, rows, 0, maxDepth)
	}

	scores := make([]float64, n)
	for i, row := range data {
		scores[i] = f.scoreSamples(row)
	}
	f.offset = percentile(scores, 100*cfg.contamination)

	return f, nil
}

// grow builds one isolation tree over the given rows.
func grow(rng *rand.Rand, data [][]float64, rows []int, depth, maxDepth int) *node {
	if depth >= maxDepth || len(rows) <= 1 {
		return &node{leaf: true, size: len(rows)}
	}

	width := len(data[rows[0]])
	lows := make([]float64, width)
	highs := make([]float64, width)
	copy(lows, data[rows[0]])
	copy(highs, data[rows[0]])
	for _, r := range rows[1:] {
		for j, v := range data[r] {
			if v < lows[j] {
				lows[j] = v
			}
			if v > highs[j] {
				highs[j] = v
			}
		}
	}

	// Only features that still vary can separate these rows.
	candidates := make([]int, 0, width)
	for j := range width {
		if highs[j] > lows[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &node{leaf: true, size: len(rows)}
	}

	feature := candidates[rng.IntN(len(candidates))]
	lo, hi := lows[feature], highs[feature]
	split := lo + rng.Float64()*(hi-lo)
	if split >= hi {
		split = lo
	}

	var left, right []int
	for _, r := range rows {
		if data[r][feature] <= split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	return &node{
		feature: feature,
		split:   split,
		left:    grow(rng, data, left, depth+1, maxDepth),
		right:   grow(rng, data, right, depth+1, maxDepth),
	}
}

// pathLength returns the isolation depth of x in one tree, adjusted for
// leaves that hold more than one training sample.
func pathLength(x []float64, n *node) float64 {
	depth := 0
	for !n.leaf {
		if x[n.feature] <= n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return float64(depth) + averagePathLength(n.size)
}

// averagePathLength is c(n), the average path length of an unsuccessful
// binary search tree lookup among n points.
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

// percentile returns the p-th percentile of values using linear interpolation
// between closest ranks.
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

func (f *Forest) scoreSamples(x []float64) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(x, t)
	}
	mean := total / float64(len(f.trees))
	return -math.Pow(2, -mean/f.norm)
}

func (f *Forest) check(x []float64) error {
	if len(x) != f.width {
		return fmt.Errorf("%w: got %d features, want %d", ErrDimensionMismatch, len(x), f.width)
	}
	return nil
}

// ScoreSamples returns the opposite of the anomaly score of x, in [-1, 0).
// Lower is more abnormal.
func (f *Forest) ScoreSamples(x []float64) (float64, error) {
	if err := f.check(x); err != nil {
		return 0, err
	}
	return f.scoreSamples(x), nil
}

// Decision returns ScoreSamples(x) shifted by the contamination offset.
// Negative values are outliers.
func (f *Forest) Decision(x []float64) (float64, error) {
	if err := f.check(x); err != nil {
		return 0, err
	}
	return f.scoreSamples(x) - f.offset, nil
}

// Predict returns the decision score of x and whether it is an outlier.
func (f *Forest) Predict(x []float64) (float64, bool, error) {
	score, err := f.Decision(x)
	if err != nil {
		return 0, false, err
	}
	return score, score < 0, nil
}

// Offset returns the decision threshold on ScoreSamples.
func (f *Forest) Offset() float64 { return f.offset }

// Trees returns the ensemble size.
func (f *Forest) Trees() int { return len(f.trees) }

// SampleSize returns the per-tree subsample size.
func (f *Forest) SampleSize() int { return f.sampleSize }

// Width returns the number of features per sample.
func (f *Forest) Width() int { return f.width }

// Contamination returns the configured outlier fraction.
func (f *Forest) Contamination() float64 { return f.contamination }

// Seed returns the random seed used to fit the forest.
func (f *Forest) Seed() uint64 { return f.seed }
