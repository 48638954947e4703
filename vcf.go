// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// vcfPanel is one loaded VCF: sample ids from the header line, analyzed
// site positions in ascending order, and per-sample phased allele calls
// (one int8 per site per haplotype).
type vcfPanel struct {
	sampleIDs  []string
	positions  []int
	haplotypes [][2][]int8
}

// loadPhasedVCF reads the phased GT calls for one chromosome. Sites that
// are not biallelic SNPs on the requested chromosome are skipped; a "."
// allele becomes alleleMissing. Genotypes are required to be phased
// ("|"): ancestry is inferred per haplotype, so unphased calls would be
// meaningless.
func loadPhasedVCF(fnm, chromosome string) (*vcfPanel, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	panel := &vcfPanel{}
	var skipped, unsorted int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 64<<20)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := scanner.Text()
		if strings.HasPrefix(line, "##") {
			continue
		}
		if strings.HasPrefix(line, "#CHROM") {
			fields := strings.Split(line, "\t")
			if len(fields) < 10 {
				return nil, fmt.Errorf("%s line %d: header has no sample columns", fnm, lineno)
			}
			panel.sampleIDs = fields[9:]
			panel.haplotypes = make([][2][]int8, len(panel.sampleIDs))
			continue
		}
		if panel.sampleIDs == nil {
			return nil, fmt.Errorf("%s line %d: data before #CHROM header line", fnm, lineno)
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 9+len(panel.sampleIDs) {
			return nil, fmt.Errorf("%s line %d: expected %d columns, got %d", fnm, lineno, 9+len(panel.sampleIDs), len(fields))
		}
		if fields[0] != chromosome {
			continue
		}
		// biallelic sites only
		if fields[4] == "." || strings.Contains(fields[4], ",") {
			skipped++
			continue
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: position: %w", fnm, lineno, err)
		}
		if n := len(panel.positions); n > 0 && pos <= panel.positions[n-1] {
			unsorted++
			continue
		}
		if !strings.HasPrefix(fields[8], "GT") {
			return nil, fmt.Errorf("%s line %d: GT is not the first FORMAT field", fnm, lineno)
		}
		for si, call := range fields[9:] {
			if i := strings.IndexByte(call, ':'); i >= 0 {
				call = call[:i]
			}
			a0, a1, err := parseGT(call)
			if err != nil {
				return nil, fmt.Errorf("%s line %d sample %s: %w", fnm, lineno, panel.sampleIDs[si], err)
			}
			panel.haplotypes[si][0] = append(panel.haplotypes[si][0], a0)
			panel.haplotypes[si][1] = append(panel.haplotypes[si][1], a1)
		}
		panel.positions = append(panel.positions, pos)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if panel.sampleIDs == nil {
		return nil, fmt.Errorf("%s: no #CHROM header line", fnm)
	}
	if len(panel.positions) == 0 {
		return nil, fmt.Errorf("%s: no usable sites on chromosome %s", fnm, chromosome)
	}
	if skipped > 0 {
		log.Infof("%s: skipped %d non-biallelic site(s)", fnm, skipped)
	}
	if unsorted > 0 {
		log.Warnf("%s: skipped %d duplicate/out-of-order position(s)", fnm, unsorted)
	}
	return panel, nil
}

func parseGT(call string) (int8, int8, error) {
	sep := strings.IndexByte(call, '|')
	if sep < 0 {
		if strings.IndexByte(call, '/') >= 0 {
			return 0, 0, fmt.Errorf("unphased genotype %q", call)
		}
		// haploid call applies to both haplotypes
		a, err := parseAllele(call)
		return a, a, err
	}
	a0, err := parseAllele(call[:sep])
	if err != nil {
		return 0, 0, err
	}
	a1, err := parseAllele(call[sep+1:])
	return a0, a1, err
}

func parseAllele(s string) (int8, error) {
	switch s {
	case "0":
		return 0, nil
	case "1":
		return 1, nil
	case ".":
		return alleleMissing, nil
	}
	return 0, fmt.Errorf("unsupported allele %q", s)
}
