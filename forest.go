// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import "math"

// Random forest bootstrap modes (-bootstrap-mode). A closed enumeration,
// validated before the run starts.
const (
	bootstrapNone       = 0 // every tree sees the full training set
	bootstrapResample   = 1 // resample with replacement to the training-set size
	bootstrapStratified = 2 // resample with replacement within each subpopulation
	nBootstrapModes     = 3
)

// A trainingExample is one reference haplotype with its target class
// (subpopulation code minus 1).
type trainingExample struct {
	hap   []int8
	class int
}

// treeNode is one node of a CART tree in a flat slice. feature < 0 marks
// a leaf predicting class; internal nodes send allele 0 left, allele 1
// right, and missing calls toward the branch that received the larger
// share of training haplotypes.
type treeNode struct {
	feature  int32
	left     int32
	right    int32
	class    int16
	missLeft bool
}

type decisionTree struct {
	nodes []treeNode
}

func (t *decisionTree) classify(hap []int8) int {
	i := int32(0)
	for {
		node := &t.nodes[i]
		if node.feature < 0 {
			return int(node.class)
		}
		switch hap[node.feature] {
		case 0:
			i = node.left
		case alleleMissing:
			if node.missLeft {
				i = node.left
			} else {
				i = node.right
			}
		default:
			i = node.right
		}
	}
}

// windowFeatures returns the SNP indices in the window's training span
// usable as features: sites whose missing-call frequency across all
// haplotypes stays within maxMissing.
func windowFeatures(c *cohort, win crfWindow, maxMissing float64) []int {
	nHaps := c.nHaplotypes()
	features := make([]int, 0, win.rfEnd-win.rfStart+1)
	for i := win.rfStart; i <= win.rfEnd; i++ {
		missing := 0
		for _, s := range c.samples {
			for h := 0; h < 2; h++ {
				if s.haplotypes[h][i] == alleleMissing {
					missing++
				}
			}
		}
		if float64(missing) <= maxMissing*float64(nHaps) {
			features = append(features, i)
		}
	}
	return features
}

// representedClasses returns, per class index, whether any training
// example carries it.
func representedClasses(training []trainingExample, nClasses int) ([]bool, int) {
	seen := make([]bool, nClasses)
	n := 0
	for _, ex := range training {
		if !seen[ex.class] {
			seen[ex.class] = true
			n++
		}
	}
	return seen, n
}

// growForestWindow trains nTrees trees for one window and accumulates
// their votes for every haplotype in targets. votes is row-major
// len(targets) × nClasses. RNG streams are keyed by (window, tree) so the
// result is independent of scheduling.
func growForestWindow(seed uint64, window int, training []trainingExample, features []int, targets [][]int8, votes []int32, nClasses, nTrees, bootstrapMode int) {
	for t := 0; t < nTrees; t++ {
		r := newRNG(seed, forestRNGKey, uint64(window), uint64(t))
		sample := bootstrapSample(r, training, nClasses, bootstrapMode)
		tree := growTree(r, training, sample, features, nClasses)
		for ti, hap := range targets {
			votes[ti*nClasses+tree.classify(hap)]++
		}
	}
}

func bootstrapSample(r *rng, training []trainingExample, nClasses, mode int) []int {
	n := len(training)
	switch mode {
	case bootstrapNone:
		sample := make([]int, n)
		for i := range sample {
			sample[i] = i
		}
		return sample
	case bootstrapStratified:
		byClass := make([][]int, nClasses)
		for i, ex := range training {
			byClass[ex.class] = append(byClass[ex.class], i)
		}
		sample := make([]int, 0, n)
		for _, members := range byClass {
			for range members {
				sample = append(sample, members[r.Intn(len(members))])
			}
		}
		return sample
	default: // bootstrapResample
		sample := make([]int, n)
		for i := range sample {
			sample[i] = r.Intn(n)
		}
		return sample
	}
}

// growTree builds one CART tree on the bootstrap sample, Gini splits over
// a sqrt(m) feature subsample per node, grown until pure or no candidate
// feature separates the node.
func growTree(r *rng, training []trainingExample, sample []int, features []int, nClasses int) *decisionTree {
	tree := &decisionTree{}
	mtry := int(math.Sqrt(float64(len(features))))
	if mtry < 1 {
		mtry = 1
	}
	scratch := make([]int, len(features))
	var grow func(members []int) int32
	grow = func(members []int) int32 {
		counts := make([]int, nClasses)
		for _, m := range members {
			counts[training[m].class]++
		}
		if best, pure := majorityClass(counts); pure || len(members) < 2 {
			return addLeaf(tree, best)
		}

		// draw mtry candidate features without replacement
		copy(scratch, features)
		bestFeature, bestMissLeft := -1, true
		bestScore := math.Inf(1)
		remaining := len(scratch)
		for k := 0; k < mtry && remaining > 0; k++ {
			j := r.Intn(remaining)
			f := scratch[j]
			remaining--
			scratch[j] = scratch[remaining]
			scratch[remaining] = f
			score, missLeft, ok := splitScore(training, members, f, nClasses)
			if ok && score < bestScore {
				bestScore, bestFeature, bestMissLeft = score, f, missLeft
			}
		}
		if bestFeature < 0 {
			best, _ := majorityClass(counts)
			return addLeaf(tree, best)
		}

		var left, right []int
		for _, m := range members {
			switch training[m].hap[bestFeature] {
			case 0:
				left = append(left, m)
			case alleleMissing:
				if bestMissLeft {
					left = append(left, m)
				} else {
					right = append(right, m)
				}
			default:
				right = append(right, m)
			}
		}
		self := int32(len(tree.nodes))
		tree.nodes = append(tree.nodes, treeNode{feature: int32(bestFeature), missLeft: bestMissLeft})
		l := grow(left)
		rr := grow(right)
		tree.nodes[self].left = l
		tree.nodes[self].right = rr
		return self
	}
	members := make([]int, len(sample))
	copy(members, sample)
	grow(members)
	return tree
}

func addLeaf(tree *decisionTree, class int) int32 {
	self := int32(len(tree.nodes))
	tree.nodes = append(tree.nodes, treeNode{feature: -1, class: int16(class)})
	return self
}

// majorityClass returns the most frequent class (ties break toward the
// lower code, keeping output independent of iteration order) and whether
// the node is pure.
func majorityClass(counts []int) (int, bool) {
	best, total := 0, 0
	for class, n := range counts {
		total += n
		if n > counts[best] {
			best = class
		}
	}
	return best, counts[best] == total
}

// splitScore evaluates splitting on allele of SNP f: weighted Gini
// impurity of the two children, with missing calls assigned to the
// larger child. ok is false when the split leaves a side empty.
func splitScore(training []trainingExample, members []int, f, nClasses int) (score float64, missLeft, ok bool) {
	left := make([]int, nClasses)
	right := make([]int, nClasses)
	var miss []int
	nl, nr := 0, 0
	for _, m := range members {
		switch training[m].hap[f] {
		case 0:
			left[training[m].class]++
			nl++
		case alleleMissing:
			miss = append(miss, m)
		default:
			right[training[m].class]++
			nr++
		}
	}
	if nl == 0 || nr == 0 {
		return 0, false, false
	}
	missLeft = nl >= nr
	for _, m := range miss {
		if missLeft {
			left[training[m].class]++
			nl++
		} else {
			right[training[m].class]++
			nr++
		}
	}
	total := float64(nl + nr)
	score = float64(nl)/total*gini(left, nl) + float64(nr)/total*gini(right, nr)
	return score, missLeft, true
}

func gini(counts []int, n int) float64 {
	g := 1.0
	for _, c := range counts {
		p := float64(c) / float64(n)
		g -= p * p
	}
	return g
}
