// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
)

// runConfig is built once by flag parsing and validation and never
// mutated afterwards; the generations estimate, the one EM-updated
// scalar, lives in the engine.
type runConfig struct {
	maxMissing         float64
	rfWindowCM         float64
	crfSpacing         int
	generations        float64
	nTrees             int
	emIterations       int
	reanalyzeReference bool
	bootstrapMode      int
	minimumSNPs        int
	rangeStart         int
	rangeEnd           int
	threads            int
	seed               uint64
}

// validate is the only fatal error path of the core: every parameter
// range check happens here, before any computation starts.
func (cfg *runConfig) validate() error {
	if cfg.maxMissing < 0 || cfg.maxMissing > 1 {
		return fmt.Errorf("-max-missing out of range 0..1: %g", cfg.maxMissing)
	}
	if cfg.rfWindowCM <= 0 {
		return fmt.Errorf("-rf-window-size must be greater than 0")
	}
	if cfg.crfSpacing < 1 {
		return fmt.Errorf("-crf-spacing must be at least 1 SNP")
	}
	if cfg.generations <= 0 {
		return fmt.Errorf("-generations must be greater than 0")
	}
	if cfg.nTrees < 10 {
		return fmt.Errorf("-trees must be at least 10")
	}
	if cfg.emIterations < 0 {
		return fmt.Errorf("-em-iterations must not be negative")
	}
	if cfg.bootstrapMode < 0 || cfg.bootstrapMode >= nBootstrapModes {
		return fmt.Errorf("-bootstrap-mode out of range 0..%d: %d", nBootstrapModes-1, cfg.bootstrapMode)
	}
	if cfg.minimumSNPs < 1 {
		return fmt.Errorf("-rf-minimum-snps must be at least 1")
	}
	if cfg.threads < 1 {
		cfg.threads = 1
	}
	return nil
}

// engine owns the per-haplotype probability arrays and drives the EM
// loop: forest training, CRF smoothing, generations re-estimation, for a
// fixed number of rounds. Arrays are allocated once; each round
// overwrites probability content in place.
type engine struct {
	c       *cohort
	cfg     *runConfig
	windows []crfWindow

	// current estimate of generations since admixture; re-estimated
	// after every non-final round
	generations float64

	// flattened window*K+class per haplotype (index sample*2+h):
	// estP holds raw forest posteriors, curP smoothed marginals
	estP [][]int8
	curP [][]int16
	path [][]int8

	// windows that could not train a forest (single-class training
	// set); non-fatal, reported as a count at end of run
	degenerate []bool
}

func newEngine(c *cohort, cfg *runConfig) (*engine, error) {
	windows, err := buildWindows(c.snps, windowParams{
		rfWindowCM:  cfg.rfWindowCM,
		crfSpacing:  cfg.crfSpacing,
		minimumSNPs: cfg.minimumSNPs,
		rangeStart:  cfg.rangeStart,
		rangeEnd:    cfg.rangeEnd,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("%d CRF windows over %d SNPs (%.3f cM)", len(windows), len(c.snps), windows[len(windows)-1].geneticPos-windows[0].geneticPos)
	e := &engine{
		c:           c,
		cfg:         cfg,
		windows:     windows,
		generations: cfg.generations,
		estP:        make([][]int8, c.nHaplotypes()),
		curP:        make([][]int16, c.nHaplotypes()),
		path:        make([][]int8, c.nHaplotypes()),
		degenerate:  make([]bool, len(windows)),
	}
	K := c.nSubpops()
	for i := range e.estP {
		e.estP[i] = make([]int8, len(windows)*K)
		e.curP[i] = make([]int16, len(windows)*K)
		e.path[i] = make([]int8, len(windows))
	}
	return e, nil
}

// analyzedHaps returns the flat indices of haplotypes classified in the
// given round: query haplotypes always, reference haplotypes from round 1
// on when -reanalyze-reference is set.
func (e *engine) analyzedHaps(round int) []int {
	var haps []int
	for si, s := range e.c.samples {
		if s.apriori == 0 || (e.cfg.reanalyzeReference && round >= 1) {
			haps = append(haps, si*2, si*2+1)
		}
	}
	return haps
}

// trainingSet assembles window w's training examples for the given
// round. The apriori label is always the target; from round 2 on, a
// reanalyzed reference haplotype whose previous-round smoothed posterior
// contradicts its label is excluded for this window.
func (e *engine) trainingSet(w, round int) []trainingExample {
	K := e.c.nSubpops()
	var training []trainingExample
	for si, s := range e.c.samples {
		if s.apriori == 0 {
			continue
		}
		for h := 0; h < 2; h++ {
			if e.cfg.reanalyzeReference && round >= 2 {
				if argmax16(e.curP[si*2+h][w*K:(w+1)*K]) != s.apriori-1 {
					continue
				}
			}
			training = append(training, trainingExample{hap: s.haplotypes[h], class: s.apriori - 1})
		}
	}
	return training
}

// forestWindow trains window w's forest and writes 8-bit posterior codes
// for every analyzed haplotype. Writes touch only this window's stripe of
// estP, so windows run in parallel without locks.
func (e *engine) forestWindow(w, round int, haps []int) {
	K := e.c.nSubpops()
	win := e.windows[w]
	training := e.trainingSet(w, round)
	seen, nSeen := representedClasses(training, K)

	if nSeen < 2 {
		// cannot train: uniform over represented classes (or over
		// everything when no training example exists at all)
		e.degenerate[w] = true
		if nSeen == 0 {
			for s := range seen {
				seen[s] = true
			}
			nSeen = K
		}
		var code [2]int8
		code[0] = encodeP8(0)
		code[1] = encodeP8(1 / float64(nSeen))
		for _, hi := range haps {
			for s := 0; s < K; s++ {
				e.estP[hi][w*K+s] = code[b2i(seen[s])]
			}
		}
		return
	}

	features := windowFeatures(e.c, win, e.cfg.maxMissing)
	if len(features) == 0 {
		// every SNP in the span exceeded the missing-data limit
		e.degenerate[w] = true
		for _, hi := range haps {
			for s := 0; s < K; s++ {
				e.estP[hi][w*K+s] = encodeP8(1 / float64(K))
			}
		}
		return
	}

	targets := make([][]int8, len(haps))
	for i, hi := range haps {
		targets[i] = e.c.samples[hi/2].haplotypes[hi%2]
	}
	votes := make([]int32, len(haps)*K)
	growForestWindow(e.cfg.seed, w, training, features, targets, votes, K, e.cfg.nTrees, e.cfg.bootstrapMode)
	for i, hi := range haps {
		for s := 0; s < K; s++ {
			e.estP[hi][w*K+s] = encodeP8(float64(votes[i*K+s]) / float64(e.cfg.nTrees))
		}
	}
}

// run executes the EM loop: INIT → (FOREST_TRAIN → CRF_SMOOTH)× rounds →
// DONE. Rounds are separated by hard barriers; the iteration cap is the
// only termination criterion.
func (e *engine) run() error {
	nRounds := 1 + e.cfg.emIterations
	for round := 0; round < nRounds; round++ {
		haps := e.analyzedHaps(round)
		log.Infof("EM round %d/%d: training %d forests (%d trees each), %d haplotypes, generations=%.2f",
			round+1, nRounds, len(e.windows), e.cfg.nTrees, len(haps), e.generations)

		forests := throttle{Max: e.cfg.threads}
		for w := range e.windows {
			w := w
			forests.Go(func() error {
				e.forestWindow(w, round, haps)
				return nil
			})
		}
		if err := forests.Wait(); err != nil {
			return err
		}

		switches := make([]int, len(haps))
		smooth := throttle{Max: e.cfg.threads}
		for i, hi := range haps {
			i, hi := i, hi
			smooth.Go(func() error {
				switches[i] = smoothHaplotype(e.windows, e.c.nSubpops(), e.generations, e.estP[hi], e.curP[hi], e.path[hi])
				return nil
			})
		}
		if err := smooth.Wait(); err != nil {
			return err
		}

		total := 0
		for _, n := range switches {
			total += n
		}
		log.Infof("EM round %d/%d: %d ancestry switches observed", round+1, nRounds, total)
		if round < nRounds-1 {
			e.generations = reestimateGenerations(total, len(haps), e.windows, e.c.nSubpops(), e.generations)
			log.Infof("re-estimated generations since admixture: %.2f", e.generations)
		}
	}

	if n := e.degenerateCount(); n > 0 {
		log.Warnf("%d window(s) lacked class diversity and fell back to uniform posteriors", n)
	}
	return nil
}

func (e *engine) degenerateCount() int {
	n := 0
	for _, d := range e.degenerate {
		if d {
			n++
		}
	}
	return n
}

// reestimateGenerations solves for g in the small-distance expectation of
// the per-haplotype switch count, g·D·(K-1)/K with D the analyzed genetic
// span in Morgans. More observed transitions push the estimate up, fewer
// pull it down; the result is clamped to a sane range so a pathological
// round cannot destroy the transition model.
func reestimateGenerations(switches, nHaps int, windows []crfWindow, nClasses int, current float64) float64 {
	dMorgans := (windows[len(windows)-1].geneticPos - windows[0].geneticPos) / 100
	if dMorgans <= 0 || nHaps == 0 {
		return current
	}
	g := float64(switches) * float64(nClasses) / (float64(nHaps) * dMorgans * float64(nClasses-1))
	return math.Min(1000, math.Max(0.5, g))
}

func argmax16(v []int16) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
