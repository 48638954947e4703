// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import "fmt"

// A crfWindow is one inference point of the conditional random field: a
// representative SNP, the genetic position used by the transition model,
// and the inclusive SNP span [rfStart, rfEnd] the window's forest is
// trained on. Spans of adjacent windows may overlap; windows are ordered
// by genetic position.
type crfWindow struct {
	snpIdx     int
	rfStart    int
	rfEnd      int
	geneticPos float64
}

type windowParams struct {
	rfWindowCM  float64 // forest training span in genetic distance (cM)
	crfSpacing  int     // SNPs per CRF window
	minimumSNPs int     // training span floor, regardless of genetic span
	rangeStart  int     // physical restriction; rangeStart > rangeEnd means none
	rangeEnd    int
}

// buildWindows places one CRF point per crfSpacing SNPs (the middle SNP
// of each chunk), then grows each training span to ±rfWindowCM/2 around
// the representative and widens it symmetrically until it holds at least
// minimumSNPs. Chromosome ends make spans one-sided. Each SNP's crfIndex
// is set to its chunk's window, or -1 if that window is excluded by the
// physical range restriction.
func buildWindows(snps []snp, p windowParams) ([]crfWindow, error) {
	n := len(snps)
	if n == 0 {
		return nil, fmt.Errorf("no SNPs to window")
	}
	nWindows := (n + p.crfSpacing - 1) / p.crfSpacing
	windows := make([]crfWindow, 0, nWindows)
	half := p.rfWindowCM / 2
	for w := 0; w < nWindows; w++ {
		first := w * p.crfSpacing
		last := first + p.crfSpacing - 1
		if last >= n {
			last = n - 1
		}
		rep := first + (last-first)/2
		g := snps[rep].geneticPos

		start, end := rep, rep
		for start > 0 && g-snps[start-1].geneticPos <= half {
			start--
		}
		for end < n-1 && snps[end+1].geneticPos-g <= half {
			end++
		}
		// genetic span too sparse: widen to the SNP-count floor
		for end-start+1 < p.minimumSNPs && (start > 0 || end < n-1) {
			if start > 0 {
				start--
			}
			if end < n-1 && end-start+1 < p.minimumSNPs {
				end++
			}
		}
		windows = append(windows, crfWindow{snpIdx: rep, rfStart: start, rfEnd: end, geneticPos: g})
	}

	if p.rangeStart <= p.rangeEnd {
		kept := windows[:0]
		for w := range windows {
			pos := snps[windows[w].snpIdx].pos
			if pos >= p.rangeStart && pos <= p.rangeEnd {
				kept = append(kept, windows[w])
			}
		}
		windows = kept
		if len(windows) == 0 {
			return nil, fmt.Errorf("physical range %d-%d contains no CRF windows", p.rangeStart, p.rangeEnd)
		}
	}

	// map SNPs to their (possibly filtered) window
	for i := range snps {
		snps[i].crfIndex = -1
	}
	for w := range windows {
		chunk := windows[w].snpIdx / p.crfSpacing
		first := chunk * p.crfSpacing
		last := first + p.crfSpacing - 1
		if last >= n {
			last = n - 1
		}
		for i := first; i <= last; i++ {
			snps[i].crfIndex = w
		}
	}
	return windows, nil
}
