// Copyright (C) The Ancestra Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ancestra

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
)

// statsCmd loads the same inputs as infer and reports a cohort summary,
// for checking a run's inputs before committing CPU time to it.
type statsCmd struct{}

func (cmd *statsCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *statsCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	queryFile := flags.String("query-file", "", "VCF `file` with samples to analyze (required)")
	refFile := flags.String("reference-file", "", "VCF `file` with reference individuals (required)")
	sampleMap := flags.String("sample-map", "", "reference panel sample→subpopulation map `file` (required)")
	geneticMapFile := flags.String("genetic-map", "", "genetic map `file` (required)")
	chromosome := flags.String("chromosome", "", "chromosome to analyze (required)")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}
	if *queryFile == "" || *refFile == "" || *sampleMap == "" || *geneticMapFile == "" || *chromosome == "" {
		flags.Usage()
		return fmt.Errorf("all of -query-file, -reference-file, -sample-map, -genetic-map, -chromosome are required")
	}
	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	c, err := loadInputs(*queryFile, *refFile, *sampleMap, *geneticMapFile, *chromosome)
	if err != nil {
		return err
	}
	out := bufio.NewWriter(stdout)
	if err = cohortStats(c, out); err != nil {
		return err
	}
	return out.Flush()
}

func cohortStats(c *cohort, output io.Writer) error {
	var ret struct {
		Chromosome        string
		Sites             int
		QuerySamples      int
		ReferenceSamples  map[string]int
		GeneticSpanCM     float64
		MissingCallRate   float64
		FirstPos, LastPos int
	}
	ret.Chromosome = c.chromosome
	ret.Sites = len(c.snps)
	ret.ReferenceSamples = map[string]int{}
	missing, calls := 0, 0
	for _, s := range c.samples {
		if s.apriori == 0 {
			ret.QuerySamples++
		} else {
			ret.ReferenceSamples[c.subpopName(s.apriori)]++
		}
		for h := 0; h < 2; h++ {
			for _, a := range s.haplotypes[h] {
				calls++
				if a == alleleMissing {
					missing++
				}
			}
		}
	}
	if calls > 0 {
		ret.MissingCallRate = float64(missing) / float64(calls)
	}
	if n := len(c.snps); n > 0 {
		ret.FirstPos = c.snps[0].pos
		ret.LastPos = c.snps[n-1].pos
		ret.GeneticSpanCM = c.snps[n-1].geneticPos - c.snps[0].geneticPos
	}
	return json.NewEncoder(output).Encode(ret)
}
