// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type outputSuite struct{}

var _ = check.Suite(&outputSuite{})

// outputEngine builds a 4-window engine over 20 SNPs with two query
// samples and one reference sample; path and posterior content is filled
// in by each test.
func outputEngine(c *check.C) *engine {
	coh := &cohort{chromosome: "1", subpops: []string{"AFR", "EUR"}}
	coh.snps = make([]snp, 20)
	for i := range coh.snps {
		coh.snps[i] = snp{pos: 1000 + 100*i, geneticPos: 0.05 * float64(i)}
	}
	coh.samples = []*sample{
		{id: "q1"},
		{id: "q2"},
		{id: "r1", apriori: 1},
	}
	e, err := newEngine(coh, &runConfig{
		maxMissing:    0.05,
		rfWindowCM:    0.2,
		crfSpacing:    5,
		generations:   8,
		nTrees:        10,
		bootstrapMode: bootstrapResample,
		minimumSNPs:   1,
		rangeStart:    1,
		rangeEnd:      0,
		threads:       1,
		seed:          1,
	})
	c.Assert(err, check.IsNil)
	c.Assert(len(e.windows), check.Equals, 4)
	return e
}

func (e *engine) setP16(hi, w int, probs ...float64) {
	K := e.c.nSubpops()
	for s, p := range probs {
		e.curP[hi][w*K+s] = encodeP16(p)
	}
}

func (s *outputSuite) TestWindowSpans(c *check.C) {
	e := outputEngine(c)
	first, last := e.windowSpans()
	c.Check(first, check.DeepEquals, []int{0, 5, 10, 15})
	c.Check(last, check.DeepEquals, []int{4, 9, 14, 19})
}

func (s *outputSuite) TestWriteMSPMergesRuns(c *check.C) {
	e := outputEngine(c)
	copy(e.path[0], []int8{0, 0, 1, 1}) // q1 hap 1
	copy(e.path[1], []int8{0, 0, 0, 1}) // q1 hap 2
	copy(e.path[2], []int8{1, 1, 1, 1}) // q2 hap 1
	copy(e.path[3], []int8{0, 0, 0, 0}) // q2 hap 2

	var buf bytes.Buffer
	c.Assert(e.writeMSP(&buf), check.IsNil)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	c.Assert(len(lines), check.Equals, 5)
	c.Check(lines[0], check.Equals, "#Subpopulation order/codes: AFR=0\tEUR=1")
	c.Check(lines[1], check.Equals, "#chm\tspos\tepos\tsgpos\tegpos\tn snps\tq1.0\tq1.1\tq2.0\tq2.1")

	// windows 0-1 are identical for every query haplotype and merge;
	// windows 2 and 3 each start a new segment
	row := strings.Split(lines[2], "\t")
	c.Check(row[0], check.Equals, "1")
	c.Check(row[1], check.Equals, "1000")
	c.Check(row[2], check.Equals, "1900")
	c.Check(row[5], check.Equals, "10")
	c.Check(row[6:], check.DeepEquals, []string{"0", "0", "1", "0"})

	row = strings.Split(lines[3], "\t")
	c.Check(row[1], check.Equals, "2000")
	c.Check(row[2], check.Equals, "2400")
	c.Check(row[5], check.Equals, "5")
	c.Check(row[6:], check.DeepEquals, []string{"1", "0", "1", "0"})

	row = strings.Split(lines[4], "\t")
	c.Check(row[1], check.Equals, "2500")
	c.Check(row[2], check.Equals, "2900")
	c.Check(row[6:], check.DeepEquals, []string{"1", "1", "1", "0"})
}

func (s *outputSuite) TestWriteFBRoundTrip(c *check.C) {
	e := outputEngine(c)
	want := map[[2]int]float64{} // (hap, window) → subpop-0 posterior
	for hi := 0; hi < 4; hi++ {
		for w := 0; w < 4; w++ {
			p := 0.1 + 0.2*float64((hi+w)%4)
			want[[2]int{hi, w}] = p
			e.setP16(hi, w, p, 1-p)
		}
	}

	var buf bytes.Buffer
	c.Assert(e.writeFB(&buf), check.IsNil)
	track, err := readPosteriorTrack(&buf)
	c.Assert(err, check.IsNil)
	c.Check(track.subpops, check.DeepEquals, []string{"AFR", "EUR"})
	c.Check(track.sampleIDs, check.DeepEquals, []string{"q1", "q2"})
	c.Assert(len(track.rows), check.Equals, 4)
	for w, row := range track.rows {
		c.Check(row.window, check.Equals, w)
		c.Check(row.pos, check.Equals, e.c.snps[e.windows[w].snpIdx].pos)
		c.Assert(len(row.probs), check.Equals, 8)
		for hi := 0; hi < 4; hi++ {
			p := want[[2]int{hi, w}]
			c.Check(math.Abs(row.probs[hi*2]-p) < 0.001, check.Equals, true)
			c.Check(math.Abs(row.probs[hi*2+1]-(1-p)) < 0.001, check.Equals, true)
		}
	}

	// expected subpop-0 copies per sample at window 0
	dosage := track.rows[0].dosage(0, 2)
	c.Assert(len(dosage), check.Equals, 2)
	c.Check(math.Abs(dosage[0]-(0.1+0.3)) < 0.002, check.Equals, true)
	c.Check(math.Abs(dosage[1]-(0.5+0.7)) < 0.002, check.Equals, true)
}

func (s *outputSuite) TestWriteQ(c *check.C) {
	e := outputEngine(c)
	for hi := 0; hi < 4; hi++ {
		for w := 0; w < 4; w++ {
			e.setP16(hi, w, 0.75, 0.25)
		}
	}
	var buf bytes.Buffer
	c.Assert(e.writeQ(&buf), check.IsNil)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	c.Assert(len(lines), check.Equals, 3)
	c.Check(lines[0], check.Equals, "#sample\tAFR\tEUR")
	for i, id := range []string{"q1", "q2"} {
		fields := strings.Split(lines[1+i], "\t")
		c.Assert(len(fields), check.Equals, 3)
		c.Check(fields[0], check.Equals, id)
		a, err := strconv.ParseFloat(fields[1], 64)
		c.Assert(err, check.IsNil)
		b, err := strconv.ParseFloat(fields[2], 64)
		c.Assert(err, check.IsNil)
		c.Check(math.Abs(a-0.75) < 0.001, check.Equals, true)
		c.Check(math.Abs(a+b-1) < 1e-9, check.Equals, true)
	}
}

func (s *outputSuite) TestWritePosteriorNpy(c *check.C) {
	e := outputEngine(c)
	for hi := 0; hi < 4; hi++ {
		for w := 0; w < 4; w++ {
			p := 0.05 * float64(hi*4+w+1)
			e.setP16(hi, w, p, 1-p)
		}
	}
	var buf bytes.Buffer
	c.Assert(e.writePosteriorNpy(&buf), check.IsNil)
	r, err := gonpy.NewReader(&buf)
	c.Assert(err, check.IsNil)
	c.Check(r.Shape, check.DeepEquals, []int{4, 8})
	data, err := r.GetFloat32()
	c.Assert(err, check.IsNil)
	c.Assert(len(data), check.Equals, 32)
	for hi := 0; hi < 4; hi++ {
		for w := 0; w < 4; w++ {
			p := 0.05 * float64(hi*4+w+1)
			c.Check(math.Abs(float64(data[hi*8+w*2])-p) < 0.001, check.Equals, true)
		}
	}
}
