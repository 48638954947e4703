// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// alleleMissing marks a no-call in a haplotype. Valid calls are 0 (ref)
// and 1 (alt); the analysis is restricted to biallelic sites.
const alleleMissing int8 = -1

// A sample owns two phased haplotypes, one allele call per analyzed SNP.
// apriori == 0 marks a query sample; codes 1..K index the reference
// subpopulations. These arrays are built once at load time and read-only
// afterwards.
type sample struct {
	id         string
	apriori    int
	haplotypes [2][]int8
}

type snp struct {
	pos        int     // physical position (bp)
	geneticPos float64 // interpolated genetic-map position (cM)
	crfIndex   int     // CRF window this SNP belongs to
}

// cohort is the full input to the inference core: the fixed subpopulation
// code space, all samples (reference first is not required), and the
// position-ordered SNP list shared by every haplotype.
type cohort struct {
	chromosome string
	subpops    []string // name of code i+1; len == K
	samples    []*sample
	snps       []snp
}

func (c *cohort) nSubpops() int { return len(c.subpops) }

// nHaplotypes is 2*len(samples); haplotype h of sample i has index i*2+h
// everywhere a flat haplotype index appears.
func (c *cohort) nHaplotypes() int { return 2 * len(c.samples) }

func (c *cohort) subpopName(code int) string {
	if code < 1 || code > len(c.subpops) {
		return "?"
	}
	return c.subpops[code-1]
}

// loadSampleMap reads the reference panel classification map: one line per
// sample, sample id and subpopulation name separated by whitespace.
// Subpopulation codes 1..K are assigned in order of first appearance so
// the code space is stable for a given map file.
func loadSampleMap(fnm string) (classes map[string]int, subpops []string, err error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	classes = map[string]int{}
	code := map[string]int{}
	scanner := bufio.NewScanner(f)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, nil, fmt.Errorf("%s line %d: expected sample and subpopulation, got %q", fnm, lineno, line)
		}
		id, name := fields[0], fields[1]
		if _, ok := classes[id]; ok {
			return nil, nil, fmt.Errorf("%s line %d: duplicate sample %q", fnm, lineno, id)
		}
		if _, ok := code[name]; !ok {
			subpops = append(subpops, name)
			code[name] = len(subpops)
		}
		classes[id] = code[name]
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	if len(subpops) < 2 {
		return nil, nil, fmt.Errorf("%s: reference map defines %d subpopulation(s), need at least 2", fnm, len(subpops))
	}
	return classes, subpops, nil
}

// geneticMap holds one chromosome's physical→genetic coordinate mapping,
// sorted by physical position.
type geneticMap struct {
	pos []int
	cm  []float64
}

// loadGeneticMap reads a three-column genetic map (chromosome, physical
// position, cumulative cM), keeping only rows for the given chromosome. A
// header row is tolerated.
func loadGeneticMap(fnm, chromosome string) (*geneticMap, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gm := &geneticMap{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("%s line %d: expected 3 columns, got %d", fnm, lineno, len(fields))
		}
		if fields[0] != chromosome {
			continue
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			if lineno == 1 {
				continue // header
			}
			return nil, fmt.Errorf("%s line %d: position: %w", fnm, lineno, err)
		}
		cm, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: cM: %w", fnm, lineno, err)
		}
		gm.pos = append(gm.pos, pos)
		gm.cm = append(gm.cm, cm)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(gm.pos) < 2 {
		return nil, fmt.Errorf("%s: fewer than 2 genetic map points for chromosome %s", fnm, chromosome)
	}
	if !sort.IntsAreSorted(gm.pos) {
		return nil, fmt.Errorf("%s: genetic map positions out of order for chromosome %s", fnm, chromosome)
	}
	return gm, nil
}

// interpolate maps a physical position to genetic position by linear
// interpolation, clamping to the map's end values outside its range.
func (gm *geneticMap) interpolate(pos int) float64 {
	i := sort.SearchInts(gm.pos, pos)
	if i < len(gm.pos) && gm.pos[i] == pos {
		return gm.cm[i]
	}
	if i == 0 {
		return gm.cm[0]
	}
	if i == len(gm.pos) {
		return gm.cm[len(gm.cm)-1]
	}
	frac := float64(pos-gm.pos[i-1]) / float64(gm.pos[i]-gm.pos[i-1])
	return gm.cm[i-1] + frac*(gm.cm[i]-gm.cm[i-1])
}

// buildCohort intersects the query and reference panels on physical
// position, applies the genetic map, and assembles the cohort. Sites
// present in only one panel are dropped; both panels are required to be
// position-sorted (guaranteed by the VCF reader).
func buildCohort(chromosome string, query, ref *vcfPanel, classes map[string]int, subpops []string, gm *geneticMap) (*cohort, error) {
	for _, id := range ref.sampleIDs {
		if _, ok := classes[id]; !ok {
			return nil, fmt.Errorf("reference sample %q not present in sample map", id)
		}
	}
	for _, id := range query.sampleIDs {
		if _, ok := classes[id]; ok {
			return nil, fmt.Errorf("sample %q appears in both query panel and sample map", id)
		}
	}

	var qkeep, rkeep []int
	qi, ri := 0, 0
	for qi < len(query.positions) && ri < len(ref.positions) {
		switch {
		case query.positions[qi] < ref.positions[ri]:
			qi++
		case query.positions[qi] > ref.positions[ri]:
			ri++
		default:
			qkeep = append(qkeep, qi)
			rkeep = append(rkeep, ri)
			qi++
			ri++
		}
	}
	if len(qkeep) == 0 {
		return nil, fmt.Errorf("query and reference panels share no sites on chromosome %s", chromosome)
	}
	log.Infof("%d sites shared by query (%d) and reference (%d) panels", len(qkeep), len(query.positions), len(ref.positions))

	c := &cohort{chromosome: chromosome, subpops: subpops}
	c.snps = make([]snp, len(qkeep))
	for i, qidx := range qkeep {
		pos := query.positions[qidx]
		c.snps[i] = snp{pos: pos, geneticPos: gm.interpolate(pos)}
	}
	for si, id := range query.sampleIDs {
		c.samples = append(c.samples, &sample{
			id:         id,
			haplotypes: subsetHaplotypes(query.haplotypes[si], qkeep),
		})
	}
	for si, id := range ref.sampleIDs {
		c.samples = append(c.samples, &sample{
			id:         id,
			apriori:    classes[id],
			haplotypes: subsetHaplotypes(ref.haplotypes[si], rkeep),
		})
	}
	return c, nil
}

func subsetHaplotypes(haps [2][]int8, keep []int) [2][]int8 {
	var out [2][]int8
	for h := 0; h < 2; h++ {
		out[h] = make([]int8, len(keep))
		for i, idx := range keep {
			out[h][i] = haps[h][idx]
		}
	}
	return out
}
