package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/danielpatrickdp/commitment-escrow/internal/replay"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

// #region main

func main() {
	dbPath := flag.String("db", ":memory:", "store to replay into (a fresh database is expected)")
	jsonOut := flag.Bool("json", false, "output results as JSON")
	verbose := flag.Bool("v", false, "print passing steps too")
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: replay [--db path] [--json] [-v] scenario.yaml [more.yaml ...]")
		os.Exit(2)
	}
	if len(paths) > 1 && *dbPath != ":memory:" {
		fmt.Fprintln(os.Stderr, "--db only supports a single scenario")
		os.Exit(2)
	}

	exitCode := 0
	for _, path := range paths {
		if code := runScenario(path, *dbPath, *jsonOut, *verbose); code > exitCode {
			exitCode = code
		}
	}
	os.Exit(exitCode)
}

// #endregion main

// #region run

type scenarioReport struct {
	Path    string              `json:"path"`
	Summary replay.Summary      `json:"summary"`
	Steps   []replay.StepResult `json:"steps"`
}

func runScenario(path, dbPath string, jsonOut, verbose bool) int {
	sc, err := replay.LoadScenario(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	s, err := store.NewStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 2
	}
	defer s.Close()

	results, err := replay.Replay(context.Background(), s, sc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		return 2
	}
	report := scenarioReport{Path: path, Summary: replay.Summarize(results), Steps: results}

	if jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "marshal json: %v\n", err)
			return 2
		}
		fmt.Println(string(data))
	} else {
		printReport(report, sc.Description, verbose)
	}

	if report.Summary.Failed > 0 {
		return 1
	}
	return 0
}

func printReport(r scenarioReport, description string, verbose bool) {
	fmt.Printf("== %s\n", r.Path)
	if description != "" {
		fmt.Printf("   %s\n", strings.TrimSpace(description))
	}
	fmt.Printf("%-14s  %-16s  %-6s  %-24s  %8s  %s\n", "Step", "Op", "Result", "Code", "TVL", "Mismatches")
	fmt.Printf("%-14s+-%-16s+-%-6s+-%-24s+-%8s+-%s\n",
		"--------------", "----------------", "------", "------------------------", "--------", "----------")
	for _, s := range r.Steps {
		if s.Passed() && !verbose {
			continue
		}
		mark := "pass"
		if !s.Passed() {
			mark = "FAIL"
		}
		code := s.Code
		if code == "" {
			code = "-"
		}
		fmt.Printf("%-14s  %-16s  %-6s  %-24s  %8d  %s\n",
			s.StepID, s.Op, mark, code, s.TVL, strings.Join(s.Mismatches, "; "))
	}

	sum := r.Summary
	fmt.Printf("\nSummary: %d steps, %d ok, %d errors, %d failed, final TVL %d\n\n",
		sum.TotalSteps, sum.OK, sum.Errors, sum.Failed, sum.FinalTVL)
}

// #endregion run
