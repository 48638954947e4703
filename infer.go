// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"runtime"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

type inferCmd struct {
	queryFile  string
	refFile    string
	sampleMap  string
	geneticMap string
	chromosome string
	output     string
	posteriors bool
	cfg        runConfig
	analyzeStr string
	seedStr    string
}

func (cmd *inferCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *inferCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	flags.StringVar(&cmd.queryFile, "query-file", "", "VCF `file` with samples to analyze (required)")
	flags.StringVar(&cmd.refFile, "reference-file", "", "VCF `file` with reference individuals (required)")
	flags.StringVar(&cmd.sampleMap, "sample-map", "", "reference panel sample→subpopulation map `file` (required)")
	flags.StringVar(&cmd.geneticMap, "genetic-map", "", "genetic map `file` (required)")
	flags.StringVar(&cmd.chromosome, "chromosome", "", "chromosome to analyze (required)")
	flags.StringVar(&cmd.output, "o", "", "output `basename` (required)")
	flags.Float64Var(&cmd.cfg.maxMissing, "max-missing", 0.05, "maximum proportion of missing data allowed to include a SNP")
	flags.Float64Var(&cmd.cfg.rfWindowCM, "rf-window-size", 0.2, "random forest window size in `cM`")
	flags.IntVar(&cmd.cfg.crfSpacing, "crf-spacing", 5, "conditional random field spacing (`SNPs`)")
	flags.Float64Var(&cmd.cfg.generations, "generations", 8, "average number of generations since expected admixture")
	flags.IntVar(&cmd.cfg.nTrees, "trees", 100, "number of trees per random forest")
	flags.IntVar(&cmd.cfg.emIterations, "em-iterations", 0, "maximum number of EM iterations")
	flags.BoolVar(&cmd.cfg.reanalyzeReference, "reanalyze-reference", false, "after first iteration, include reference panel in analysis and reclassify")
	flags.IntVar(&cmd.cfg.bootstrapMode, "bootstrap-mode", bootstrapResample, "random forest bootstrap mode (0 none, 1 resample, 2 stratified)")
	flags.IntVar(&cmd.cfg.minimumSNPs, "rf-minimum-snps", 10, "include at least this many SNPs per window regardless of genetic span")
	flags.StringVar(&cmd.analyzeStr, "analyze-range", "", "physical position range `start-end` in Mbp (decimal allowed)")
	flags.IntVar(&cmd.cfg.threads, "threads", runtime.NumCPU(), "number of worker threads")
	flags.StringVar(&cmd.seedStr, "random-seed", "0xDEADBEEF", "RNG seed: integer (0x hex allowed) or \"clock\"")
	flags.BoolVar(&cmd.posteriors, "posterior-npy", false, "also write the posterior track as <basename>.fb.npy")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)

	switch "" {
	case cmd.queryFile:
		return errors.New("-query-file is required")
	case cmd.refFile:
		return errors.New("-reference-file is required")
	case cmd.sampleMap:
		return errors.New("-sample-map is required")
	case cmd.geneticMap:
		return errors.New("-genetic-map is required")
	case cmd.chromosome:
		return errors.New("-chromosome is required")
	case cmd.output:
		return errors.New("-o output basename is required")
	}
	cmd.cfg.rangeStart, cmd.cfg.rangeEnd, err = parseAnalyzeRange(cmd.analyzeStr)
	if err != nil {
		return err
	}
	cmd.cfg.seed, err = parseSeed(cmd.seedStr)
	if err != nil {
		return err
	}
	if err = cmd.cfg.validate(); err != nil {
		return err
	}

	c, err := loadInputs(cmd.queryFile, cmd.refFile, cmd.sampleMap, cmd.geneticMap, cmd.chromosome)
	if err != nil {
		return err
	}
	e, err := newEngine(c, &cmd.cfg)
	if err != nil {
		return err
	}
	start := time.Now()
	if err = e.run(); err != nil {
		return err
	}
	log.Infof("inference finished in %v", time.Since(start))

	outputs := []struct {
		suffix string
		write  func(io.Writer) error
	}{
		{".msp.tsv", e.writeMSP},
		{".fb.tsv", e.writeFB},
		{".rfmix.Q", e.writeQ},
	}
	if cmd.posteriors {
		outputs = append(outputs, struct {
			suffix string
			write  func(io.Writer) error
		}{".fb.npy", e.writePosteriorNpy})
	}
	for _, o := range outputs {
		fnm := cmd.output + o.suffix
		f, err := zcreate(fnm)
		if err != nil {
			return err
		}
		if err = o.write(f); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", fnm, err)
		}
		if err = f.Close(); err != nil {
			return fmt.Errorf("close %s: %w", fnm, err)
		}
		log.Infof("wrote %s", fnm)
	}
	return nil
}

// loadInputs loads both panels, the sample map, and the genetic map, and
// assembles the cohort for one chromosome.
func loadInputs(queryFile, refFile, sampleMap, geneticMapFile, chromosome string) (*cohort, error) {
	classes, subpops, err := loadSampleMap(sampleMap)
	if err != nil {
		return nil, err
	}
	log.Infof("%d reference subpopulations: %s", len(subpops), strings.Join(subpops, ", "))
	gm, err := loadGeneticMap(geneticMapFile, chromosome)
	if err != nil {
		return nil, err
	}
	query, err := loadPhasedVCF(queryFile, chromosome)
	if err != nil {
		return nil, err
	}
	ref, err := loadPhasedVCF(refFile, chromosome)
	if err != nil {
		return nil, err
	}
	return buildCohort(chromosome, query, ref, classes, subpops, gm)
}

// parseAnalyzeRange parses "start-end" in Mbp (decimals allowed) into
// physical positions. An empty string means no restriction.
func parseAnalyzeRange(s string) (int, int, error) {
	if s == "" {
		return 1, 0, nil // start > end: unrestricted
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return 0, 0, fmt.Errorf("invalid -analyze-range %q (want start-end in Mbp)", s)
	}
	start, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid -analyze-range start: %w", err)
	}
	end, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid -analyze-range end: %w", err)
	}
	if start > end {
		return 0, 0, fmt.Errorf("-analyze-range start %g after end %g", start, end)
	}
	log.Infof("analysis restricted to positions in range %d to %d", int(start*1e6), int(end*1e6))
	return int(start * 1e6), int(end * 1e6), nil
}

// parseSeed accepts a decimal or 0x-hex integer, or "clock" to seed from
// wall-clock time.
func parseSeed(s string) (uint64, error) {
	if s == "clock" {
		return uint64(time.Now().UnixNano()), nil
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	seed, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid -random-seed %q: %w", s, err)
	}
	return seed, nil
}
