// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"math"
	"net/http"
	_ "net/http/pprof"
	"strconv"
	"strings"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// assocCmd is an admixture-mapping scan: at every CRF window and
// subpopulation, case/control status is regressed on local ancestry
// dosage (0..2 copies, summed over a sample's haplotypes) read back from
// a previously written fb.tsv. P-values are likelihood-ratio tests of a
// binomial GLM; windows where IRLS cannot fit fall back to a Χ² test on
// dichotomized dosage.
type assocCmd struct {
	inputFilename   string
	samplesFilename string
	outputFilename  string
	caseColumn      string
}

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            stdlog.New(io.Discard, "", 0),
}

var chisquared = distuv.ChiSquared{K: 1, Src: rand.NewSource(rand.Uint64())}

func (cmd *assocCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *assocCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.StringVar(&cmd.inputFilename, "i", "-", "posterior track `fb.tsv` written by infer")
	flags.StringVar(&cmd.samplesFilename, "samples", "", "case/control `file`: CSV with SampleID and case column (required)")
	flags.StringVar(&cmd.caseColumn, "case-column", "CaseControl", "name of the 0/1 case column in -samples")
	flags.StringVar(&cmd.outputFilename, "o", "-", "output `file`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if cmd.samplesFilename == "" {
		flags.Usage()
		return fmt.Errorf("-samples is required")
	}
	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	var input io.ReadCloser
	if cmd.inputFilename == "-" {
		input = io.NopCloser(stdin)
	} else {
		input, err = zopen(cmd.inputFilename)
		if err != nil {
			return err
		}
		defer input.Close()
	}
	track, err := readPosteriorTrack(input)
	if err != nil {
		return err
	}
	caseControl, err := loadCaseControl(cmd.samplesFilename, cmd.caseColumn, track.sampleIDs)
	if err != nil {
		return err
	}
	nCases := 0
	for _, c := range caseControl {
		if c {
			nCases++
		}
	}
	log.Infof("%d windows, %d samples (%d cases, %d controls)", len(track.rows), len(track.sampleIDs), nCases, len(track.sampleIDs)-nCases)

	var output io.WriteCloser
	if cmd.outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = zcreate(cmd.outputFilename)
		if err != nil {
			return err
		}
		defer output.Close()
	}
	w := bufio.NewWriter(output)
	fmt.Fprintf(w, "chromosome\tphysical_position\tgenetic_position\twindow\tsubpopulation\tmean_dosage\tp_value\tmethod\n")
	for _, row := range track.rows {
		for s, name := range track.subpops {
			dosage := row.dosage(s, len(track.subpops))
			mean := 0.0
			for _, d := range dosage {
				mean += d
			}
			mean /= float64(len(dosage))
			p, method := dosagePvalue(dosage, caseControl)
			fmt.Fprintf(w, "%s\t%d\t%.5f\t%d\t%s\t%.4f\t%.6g\t%s\n",
				row.chromosome, row.pos, row.geneticPos, row.window, name, mean, p, method)
		}
	}
	if err = w.Flush(); err != nil {
		return err
	}
	return output.Close()
}

// dosagePvalue is the likelihood-ratio test of a binomial GLM of
// case/control on dosage; a singular fit falls back to the Χ² test on
// dosage ≥ 1.
func dosagePvalue(dosage []float64, caseControl []bool) (p float64, method string) {
	p = glmPvalue(dosage, caseControl)
	if !math.IsNaN(p) {
		return p, "glm"
	}
	carrier := make([]bool, len(dosage))
	for i, d := range dosage {
		carrier[i] = d >= 1
	}
	return chi2Pvalue(carrier, caseControl), "chi2"
}

func glmPvalue(dosage []float64, caseControl []bool) (p float64) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			p = math.NaN()
		}
	}()
	n := len(dosage)
	outcome := make([]statmodel.Dtype, n)
	constants := make([]statmodel.Dtype, n)
	variant := make([]statmodel.Dtype, n)
	for i := range dosage {
		if caseControl[i] {
			outcome[i] = 1
		}
		constants[i] = 1
		variant[i] = statmodel.Dtype(dosage[i])
	}

	null := statmodel.NewDataset([][]statmodel.Dtype{outcome, constants}, []string{"outcome", "constants"})
	modelNull, err := glm.NewGLM(null, "outcome", []string{"constants"}, glmConfig)
	if err != nil {
		return math.NaN()
	}
	logNull := modelNull.Fit().LogLike()

	full := statmodel.NewDataset([][]statmodel.Dtype{outcome, constants, variant}, []string{"outcome", "constants", "dosage"})
	modelFull, err := glm.NewGLM(full, "outcome", []string{"constants", "dosage"}, glmConfig)
	if err != nil {
		return math.NaN()
	}
	logFull := modelFull.Fit().LogLike()
	dist := distuv.ChiSquared{K: 1}
	return dist.Survival(-2 * (logNull - logFull))
}

func chi2Pvalue(x, y []bool) float64 {
	var (
		obs, exp [2]float64
		sum      float64
		sz       = float64(len(y))
	)
	for i, yi := range y {
		if x[i] {
			if yi {
				obs[0]++
			} else {
				obs[1]++
			}
		}
		if yi {
			exp[0]++
		} else {
			exp[1]++
		}
	}
	if exp[0] == 0 || exp[1] == 0 || obs[0]+obs[1] == 0 {
		return 1
	}
	exp[0] = (obs[0] + obs[1]) * exp[0] / sz
	exp[1] = (obs[0] + obs[1]) * exp[1] / sz
	for i := range exp {
		d := obs[i] - exp[i]
		sum += d * d / exp[i]
	}
	return 1 - chisquared.CDF(sum)
}

// posteriorTrack is a parsed fb.tsv: sample order from the header, and
// per window the flattened sample×hap×subpop posteriors.
type posteriorTrack struct {
	subpops   []string
	sampleIDs []string
	rows      []trackRow
}

type trackRow struct {
	chromosome string
	pos        int
	geneticPos float64
	window     int
	probs      []float64 // sample-major, hap, subpop
}

// dosage returns, per sample, the expected copies of subpopulation s
// (both haplotypes summed).
func (r *trackRow) dosage(s, nSubpops int) []float64 {
	n := len(r.probs) / (2 * nSubpops)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = r.probs[(i*2)*nSubpops+s] + r.probs[(i*2+1)*nSubpops+s]
	}
	return out
}

func readPosteriorTrack(input io.Reader) (*posteriorTrack, error) {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 1<<20), 64<<20)
	track := &posteriorTrack{}
	for lineno := 1; scanner.Scan(); lineno++ {
		line := scanner.Text()
		if strings.HasPrefix(line, "#reference_panel_population:") {
			track.subpops = strings.Fields(strings.TrimPrefix(line, "#reference_panel_population:"))
			continue
		}
		if strings.HasPrefix(line, "chromosome\t") {
			if track.subpops == nil {
				return nil, fmt.Errorf("fb input line %d: column header before subpopulation header", lineno)
			}
			cols := strings.Split(line, "\t")[4:]
			if len(cols)%(2*len(track.subpops)) != 0 {
				return nil, fmt.Errorf("fb input line %d: %d posterior columns not divisible by 2×%d", lineno, len(cols), len(track.subpops))
			}
			for i := 0; i < len(cols); i += 2 * len(track.subpops) {
				track.sampleIDs = append(track.sampleIDs, strings.SplitN(cols[i], ":::", 2)[0])
			}
			continue
		}
		if track.sampleIDs == nil {
			return nil, fmt.Errorf("fb input line %d: data before header", lineno)
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4+2*len(track.sampleIDs)*len(track.subpops) {
			return nil, fmt.Errorf("fb input line %d: expected %d columns, got %d", lineno, 4+2*len(track.sampleIDs)*len(track.subpops), len(fields))
		}
		row := trackRow{chromosome: fields[0]}
		var err error
		if row.pos, err = strconv.Atoi(fields[1]); err != nil {
			return nil, fmt.Errorf("fb input line %d: %w", lineno, err)
		}
		if row.geneticPos, err = strconv.ParseFloat(fields[2], 64); err != nil {
			return nil, fmt.Errorf("fb input line %d: %w", lineno, err)
		}
		if row.window, err = strconv.Atoi(fields[3]); err != nil {
			return nil, fmt.Errorf("fb input line %d: %w", lineno, err)
		}
		row.probs = make([]float64, len(fields)-4)
		for i, f := range fields[4:] {
			if row.probs[i], err = strconv.ParseFloat(f, 64); err != nil {
				return nil, fmt.Errorf("fb input line %d: %w", lineno, err)
			}
		}
		track.rows = append(track.rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(track.rows) == 0 {
		return nil, fmt.Errorf("fb input contains no windows")
	}
	return track, nil
}

// loadCaseControl reads a CSV with a SampleID column and a 0/1 case
// column, returning case status in sampleIDs order. Samples missing from
// the file are an error: an association scan with silently dropped
// samples is worse than no scan.
func loadCaseControl(fnm, colname string, sampleIDs []string) ([]bool, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	status := map[string]bool{}
	idCol, ccCol := -1, -1
	scanner := bufio.NewScanner(f)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if idCol < 0 {
			for col, name := range fields {
				switch name {
				case "SampleID":
					idCol = col
				case colname:
					ccCol = col
				}
			}
			if idCol < 0 || ccCol < 0 {
				return nil, fmt.Errorf("%s: header must name SampleID and %s columns", fnm, colname)
			}
			continue
		}
		if len(fields) <= idCol || len(fields) <= ccCol {
			continue
		}
		switch fields[ccCol] {
		case "0":
			status[fields[idCol]] = false
		case "1":
			status[fields[idCol]] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	out := make([]bool, len(sampleIDs))
	for i, id := range sampleIDs {
		cc, ok := status[id]
		if !ok {
			return nil, fmt.Errorf("%s: no case/control status for sample %q", fnm, id)
		}
		out[i] = cc
	}
	return out, nil
}
