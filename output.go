// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/kshedden/gonpy"
)

// Output covers the final, frozen state of the engine for query samples:
// most-likely-path segments (msp), the full marginal posterior track
// (fb), global ancestry proportions (Q), and optionally the posterior
// matrix as numpy.

func (e *engine) querySamples() []int {
	var idx []int
	for si, s := range e.c.samples {
		if s.apriori == 0 {
			idx = append(idx, si)
		}
	}
	return idx
}

// windowSpan returns, per window, the first and last SNP index assigned
// to it.
func (e *engine) windowSpans() (first, last []int) {
	first = make([]int, len(e.windows))
	last = make([]int, len(e.windows))
	for w := range first {
		first[w] = -1
	}
	for i := range e.c.snps {
		w := e.c.snps[i].crfIndex
		if w < 0 {
			continue
		}
		if first[w] < 0 {
			first[w] = i
		}
		last[w] = i
	}
	return first, last
}

// writeMSP writes the most-likely ancestry path as maximal segments:
// consecutive windows collapse into one row while no query haplotype
// changes state. States are 0-based subpopulation codes, two columns per
// sample.
func (e *engine) writeMSP(out io.Writer) error {
	w := bufio.NewWriter(out)
	queries := e.querySamples()
	codes := make([]string, len(e.c.subpops))
	for i, name := range e.c.subpops {
		codes[i] = fmt.Sprintf("%s=%d", name, i)
	}
	fmt.Fprintf(w, "#Subpopulation order/codes: %s\n", strings.Join(codes, "\t"))
	fmt.Fprintf(w, "#chm\tspos\tepos\tsgpos\tegpos\tn snps")
	for _, si := range queries {
		fmt.Fprintf(w, "\t%s.0\t%s.1", e.c.samples[si].id, e.c.samples[si].id)
	}
	fmt.Fprintln(w)

	first, last := e.windowSpans()
	sameStates := func(w1, w2 int) bool {
		for _, si := range queries {
			if e.path[si*2][w1] != e.path[si*2][w2] || e.path[si*2+1][w1] != e.path[si*2+1][w2] {
				return false
			}
		}
		return true
	}
	for start := 0; start < len(e.windows); {
		end := start
		for end+1 < len(e.windows) && sameStates(start, end+1) {
			end++
		}
		nSNPs := 0
		for ww := start; ww <= end; ww++ {
			nSNPs += last[ww] - first[ww] + 1
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%.5f\t%.5f\t%d",
			e.c.chromosome,
			e.c.snps[first[start]].pos, e.c.snps[last[end]].pos,
			e.c.snps[first[start]].geneticPos, e.c.snps[last[end]].geneticPos,
			nSNPs)
		for _, si := range queries {
			fmt.Fprintf(w, "\t%d\t%d", e.path[si*2][start], e.path[si*2+1][start])
		}
		fmt.Fprintln(w)
		start = end + 1
	}
	return w.Flush()
}

// writeFB writes the forward-backward marginal posterior track: one row
// per CRF window, one column per (sample, haplotype, subpopulation).
func (e *engine) writeFB(out io.Writer) error {
	w := bufio.NewWriter(out)
	queries := e.querySamples()
	K := e.c.nSubpops()
	fmt.Fprintf(w, "#reference_panel_population:\t%s\n", strings.Join(e.c.subpops, "\t"))
	fmt.Fprintf(w, "chromosome\tphysical_position\tgenetic_position\tgenetic_marker_index")
	for _, si := range queries {
		for h := 0; h < 2; h++ {
			for _, name := range e.c.subpops {
				fmt.Fprintf(w, "\t%s:::hap%d:::%s", e.c.samples[si].id, h+1, name)
			}
		}
	}
	fmt.Fprintln(w)
	for win := range e.windows {
		fmt.Fprintf(w, "%s\t%d\t%.5f\t%d", e.c.chromosome, e.c.snps[e.windows[win].snpIdx].pos, e.windows[win].geneticPos, win)
		for _, si := range queries {
			for h := 0; h < 2; h++ {
				for s := 0; s < K; s++ {
					fmt.Fprintf(w, "\t%.5f", decodeP16(e.curP[si*2+h][win*K+s]))
				}
			}
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}

// writeQ writes per-sample global ancestry proportions: the marginal
// posterior averaged over windows and both haplotypes, renormalized so
// codec rounding cannot push a row off 1.0.
func (e *engine) writeQ(out io.Writer) error {
	w := bufio.NewWriter(out)
	K := e.c.nSubpops()
	fmt.Fprintf(w, "#sample\t%s\n", strings.Join(e.c.subpops, "\t"))
	q := make([]float64, K)
	for _, si := range e.querySamples() {
		for s := range q {
			q[s] = 0
		}
		for win := range e.windows {
			for h := 0; h < 2; h++ {
				for s := 0; s < K; s++ {
					q[s] += decodeP16(e.curP[si*2+h][win*K+s])
				}
			}
		}
		total := 0.0
		for _, v := range q {
			total += v
		}
		fmt.Fprintf(w, "%s", e.c.samples[si].id)
		for _, v := range q {
			fmt.Fprintf(w, "\t%.5f", v/total)
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}

// writePosteriorNpy writes the posterior track as a float32 matrix, one
// row per query haplotype, nWindows*K columns in window-major order.
func (e *engine) writePosteriorNpy(out io.Writer) error {
	queries := e.querySamples()
	K := e.c.nSubpops()
	cols := len(e.windows) * K
	data := make([]float32, 2*len(queries)*cols)
	for i, si := range queries {
		for h := 0; h < 2; h++ {
			row := (i*2 + h) * cols
			for j, code := range e.curP[si*2+h] {
				data[row+j] = float32(decodeP16(code))
			}
		}
	}
	bufw := bufio.NewWriter(out)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{2 * len(queries), cols}
	if err = npw.WriteFloat32(data); err != nil {
		return err
	}
	return bufw.Flush()
}
