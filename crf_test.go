// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import (
	"math"

	"gopkg.in/check.v1"
)

type crfSuite struct{}

var _ = check.Suite(&crfSuite{})

// encode an emission distribution for one window into 8-bit codes
func emit(ps ...float64) []int8 {
	out := make([]int8, len(ps))
	for i, p := range ps {
		out[i] = encodeP8(p)
	}
	return out
}

func closeWindows(n int, stepCM float64) []crfWindow {
	w := make([]crfWindow, n)
	for i := range w {
		w[i] = crfWindow{snpIdx: i, geneticPos: float64(i) * stepCM}
	}
	return w
}

// With near-zero switch probability, a weak contrary middle window must
// be overridden by its strong neighbors: smoothing, not per-window
// argmax.
func (s *crfSuite) TestSmoothingOverridesWeakWindow(c *check.C) {
	windows := closeWindows(3, 0.001)
	estP := append(append(emit(0.95, 0.05), emit(0.4, 0.6)...), emit(0.95, 0.05)...)
	curP := make([]int16, 6)
	path := make([]int8, 3)
	switches := smoothHaplotype(windows, 2, 1, estP, curP, path)
	c.Check(path, check.DeepEquals, []int8{0, 0, 0})
	c.Check(switches, check.Equals, 0)
	// the smoothed middle marginal must also flip toward class 0
	c.Check(decodeP16(curP[2]) > 0.5, check.Equals, true)
}

func (s *crfSuite) TestDistantWindowsFollowEmissions(c *check.C) {
	// 50 cM gaps at 10 generations: switching is cheap, the path
	// follows each window's own evidence
	windows := closeWindows(3, 50)
	estP := append(append(emit(0.95, 0.05), emit(0.1, 0.9)...), emit(0.95, 0.05)...)
	curP := make([]int16, 6)
	path := make([]int8, 3)
	switches := smoothHaplotype(windows, 2, 10, estP, curP, path)
	c.Check(path, check.DeepEquals, []int8{0, 1, 0})
	c.Check(switches, check.Equals, 2)
}

func (s *crfSuite) TestMarginalsSumToOne(c *check.C) {
	windows := closeWindows(20, 0.1)
	K := 3
	estP := make([]int8, 20*K)
	r := newRNG(5)
	for w := 0; w < 20; w++ {
		a := 0.2 + 0.6*r.Float64()
		b := (1 - a) * r.Float64()
		for s, p := range []float64{a, b, 1 - a - b} {
			estP[w*K+s] = encodeP8(p)
		}
	}
	curP := make([]int16, 20*K)
	path := make([]int8, 20)
	smoothHaplotype(windows, K, 8, estP, curP, path)
	for w := 0; w < 20; w++ {
		sum := 0.0
		for s := 0; s < K; s++ {
			sum += decodeP16(curP[w*K+s])
		}
		c.Check(math.Abs(sum-1) < 0.001, check.Equals, true,
			check.Commentf("window %d marginals sum to %v", w, sum))
	}
}

func (s *crfSuite) TestLongChainNoUnderflow(c *check.C) {
	// 50k windows of consistent evidence: linear-space forward
	// products would underflow long before the end
	n := 50000
	windows := closeWindows(n, 0.01)
	estP := make([]int8, n*2)
	for w := 0; w < n; w++ {
		copy(estP[w*2:], emit(0.9, 0.1))
	}
	curP := make([]int16, n*2)
	path := make([]int8, n)
	switches := smoothHaplotype(windows, 2, 8, estP, curP, path)
	c.Check(switches, check.Equals, 0)
	for w := 0; w < n; w += 9973 {
		c.Check(decodeP16(curP[w*2]) > 0.5, check.Equals, true)
	}
}

func (s *crfSuite) TestTransitionLogProbs(c *check.C) {
	logStay, logMove := transitionLogProbs(0, 8, 2)
	c.Check(logStay, check.Equals, 0.0)
	c.Check(math.IsInf(logMove, -1), check.Equals, true)

	logStay, logMove = transitionLogProbs(0.01, 8, 2)
	c.Check(logStay < 0 && logMove < logStay, check.Equals, true)
	// probabilities over the K destinations sum to 1
	sum := math.Exp(logStay) + math.Exp(logMove)
	c.Check(math.Abs(sum-1) < 1e-12, check.Equals, true)

	// more generations, larger switch probability
	_, move8 := transitionLogProbs(0.01, 8, 2)
	_, move80 := transitionLogProbs(0.01, 80, 2)
	c.Check(move80 > move8, check.Equals, true)
}
