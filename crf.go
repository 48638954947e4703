// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// The conditional random field chains the per-window forest posteriors of
// one haplotype into a sequence model. Ancestry switches between adjacent
// windows model accumulated recombination: with d the genetic distance in
// Morgans and g generations since admixture, an odd number of crossovers
// lands on any of the K states uniformly, so
//
//	P(s→s') = exp(-g·d)·[s=s'] + (1-exp(-g·d))/K
//
// Everything runs in log space; a chromosome is 10^3..10^5 windows and
// linear-space products underflow long before the end.

// transitionLogProbs returns (logStay, logMove) for one window gap.
func transitionLogProbs(dMorgans, generations float64, nClasses int) (float64, float64) {
	if dMorgans < 0 {
		dMorgans = 0
	}
	noRec := math.Exp(-generations * dMorgans)
	move := (1 - noRec) / float64(nClasses)
	return math.Log(noRec + move), math.Log(move)
}

// smoothHaplotype runs forward-backward and Viterbi over one haplotype's
// forest posteriors (estP, flattened window*K+class, 8-bit codes), writes
// the marginal posteriors into curP (16-bit codes) and the most-likely
// state path into path, and returns the number of ancestry switches along
// the path. It touches no shared state: haplotypes are smoothed in
// parallel.
func smoothHaplotype(windows []crfWindow, nClasses int, generations float64, estP []int8, curP []int16, path []int8) int {
	nWin := len(windows)
	K := nClasses

	logEm := func(w, s int) float64 {
		return math.Log(decodeP8(estP[w*K+s]))
	}

	alpha := make([]float64, nWin*K)
	beta := make([]float64, nWin*K)
	delta := make([]float64, nWin*K)
	psi := make([]int8, nWin*K)
	acc := make([]float64, K)

	logInit := -math.Log(float64(K))
	for s := 0; s < K; s++ {
		em := logEm(0, s)
		alpha[s] = logInit + em
		delta[s] = logInit + em
	}
	for w := 1; w < nWin; w++ {
		d := (windows[w].geneticPos - windows[w-1].geneticPos) / 100
		logStay, logMove := transitionLogProbs(d, generations, K)
		for s2 := 0; s2 < K; s2++ {
			em := logEm(w, s2)
			bestPrev, bestVal := 0, math.Inf(-1)
			for s1 := 0; s1 < K; s1++ {
				tr := logMove
				if s1 == s2 {
					tr = logStay
				}
				acc[s1] = alpha[(w-1)*K+s1] + tr
				if v := delta[(w-1)*K+s1] + tr; v > bestVal {
					bestVal, bestPrev = v, s1
				}
			}
			alpha[w*K+s2] = em + floats.LogSumExp(acc)
			delta[w*K+s2] = em + bestVal
			psi[w*K+s2] = int8(bestPrev)
		}
	}

	for s := 0; s < K; s++ {
		beta[(nWin-1)*K+s] = 0
	}
	for w := nWin - 2; w >= 0; w-- {
		d := (windows[w+1].geneticPos - windows[w].geneticPos) / 100
		logStay, logMove := transitionLogProbs(d, generations, K)
		for s1 := 0; s1 < K; s1++ {
			for s2 := 0; s2 < K; s2++ {
				tr := logMove
				if s1 == s2 {
					tr = logStay
				}
				acc[s2] = tr + logEm(w+1, s2) + beta[(w+1)*K+s2]
			}
			beta[w*K+s1] = floats.LogSumExp(acc)
		}
	}

	for w := 0; w < nWin; w++ {
		for s := 0; s < K; s++ {
			acc[s] = alpha[w*K+s] + beta[w*K+s]
		}
		norm := floats.LogSumExp(acc)
		for s := 0; s < K; s++ {
			curP[w*K+s] = encodeP16(math.Exp(acc[s] - norm))
		}
	}

	// Viterbi traceback; argmax ties break toward the lower class code
	// so output is bit-stable.
	best := 0
	for s := 1; s < K; s++ {
		if delta[(nWin-1)*K+s] > delta[(nWin-1)*K+best] {
			best = s
		}
	}
	path[nWin-1] = int8(best)
	for w := nWin - 1; w > 0; w-- {
		path[w-1] = psi[w*K+int(path[w])]
	}
	switches := 0
	for w := 1; w < nWin; w++ {
		if path[w] != path[w-1] {
			switches++
		}
	}
	return switches
}
