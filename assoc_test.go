// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import (
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type assocSuite struct{}

var _ = check.Suite(&assocSuite{})

func (s *assocSuite) TestChi2Pvalue(c *check.C) {
	// carrier status identical to case status: strong association
	x := make([]bool, 40)
	y := make([]bool, 40)
	for i := range x {
		x[i] = i < 20
		y[i] = i < 20
	}
	c.Check(chi2Pvalue(x, y) < 0.001, check.Equals, true)

	// carriers split evenly across cases and controls: no association
	for i := range x {
		x[i] = i%2 == 0
	}
	c.Check(chi2Pvalue(x, y), check.Equals, 1.0)

	// no carriers at all
	for i := range x {
		x[i] = false
	}
	c.Check(chi2Pvalue(x, y), check.Equals, 1.0)
}

func (s *assocSuite) TestGLMPvalueDetectsSignal(c *check.C) {
	r := newRNG(17)
	n := 200
	dosage := make([]float64, n)
	caseControl := make([]bool, n)
	for i := range dosage {
		dosage[i] = 2 * r.Float64()
		caseControl[i] = r.Float64() < dosage[i]/2
	}
	p := glmPvalue(dosage, caseControl)
	c.Check(p < 0.01, check.Equals, true, check.Commentf("p=%v", p))
	c.Check(p >= 0, check.Equals, true)
}

func (s *assocSuite) TestDosagePvalueFallback(c *check.C) {
	// a constant dosage column cannot be fit by the GLM; the scan must
	// fall back to the Χ² test instead of reporting NaN
	n := 30
	dosage := make([]float64, n)
	caseControl := make([]bool, n)
	for i := range caseControl {
		caseControl[i] = i%2 == 0
	}
	p, method := dosagePvalue(dosage, caseControl)
	c.Check(method, check.Equals, "chi2")
	c.Check(p, check.Equals, 1.0)
}

func (s *assocSuite) TestTrackRowDosage(c *check.C) {
	row := &trackRow{probs: []float64{
		0.9, 0.1, // sample 1 hap 1
		0.8, 0.2, // sample 1 hap 2
		0.1, 0.9, // sample 2 hap 1
		0.3, 0.7, // sample 2 hap 2
	}}
	c.Check(row.dosage(0, 2), check.DeepEquals, []float64{1.7, 0.4})
	c.Check(row.dosage(1, 2), check.DeepEquals, []float64{0.3, 1.6})
}

func (s *assocSuite) TestLoadCaseControl(c *check.C) {
	dir := c.MkDir()
	fnm := dir + "/cc.csv"
	csv := "Age,SampleID,CaseControl\n61,q1,1\n48,q2,0\n59,q3,1\n"
	c.Assert(os.WriteFile(fnm, []byte(csv), 0666), check.IsNil)

	cc, err := loadCaseControl(fnm, "CaseControl", []string{"q2", "q3", "q1"})
	c.Assert(err, check.IsNil)
	c.Check(cc, check.DeepEquals, []bool{false, true, true})

	_, err = loadCaseControl(fnm, "CaseControl", []string{"q1", "q4"})
	c.Check(err, check.ErrorMatches, `.*no case/control status for sample "q4"`)

	_, err = loadCaseControl(fnm, "Outcome", []string{"q1"})
	c.Check(err, check.ErrorMatches, `.*header must name SampleID and Outcome columns`)
}

func (s *assocSuite) TestReadPosteriorTrackErrors(c *check.C) {
	for _, input := range []string{
		"",
		"chromosome\tphysical_position\tgenetic_position\tgenetic_marker_index\tq1:::hap1:::A\n",
		"#reference_panel_population:\tA\tB\n1\t100\t0.1\t0\t0.5\t0.5\n",
	} {
		_, err := readPosteriorTrack(strings.NewReader(input))
		c.Check(err, check.NotNil, check.Commentf("input %q", input))
	}
}
