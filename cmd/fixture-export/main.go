package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/danielpatrickdp/commitment-escrow/internal/compliance"
	"github.com/danielpatrickdp/commitment-escrow/internal/config"
	"github.com/danielpatrickdp/commitment-escrow/internal/core"
	"github.com/danielpatrickdp/commitment-escrow/internal/ledger"
	"github.com/danielpatrickdp/commitment-escrow/internal/replay"
	"github.com/danielpatrickdp/commitment-escrow/internal/store"
)

// #region main

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("load config: %v", err)
	}

	dbPath := flag.String("db", cfg.DBPath, "path to escrow.db")
	ids := flag.String("commitments", "", "comma-separated commitment ids (default: all)")
	outPath := flag.String("out", "", "output scenario YAML path")
	flag.Parse()

	if *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export [--db path/to/escrow.db] [--commitments c_0,c_1] --out scenario.yaml")
		os.Exit(2)
	}

	if err := run(cfg, *dbPath, splitIDs(*ids), *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region export

func run(cfg config.Config, dbPath string, ids []string, outPath string) error {
	s, err := store.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer s.Close()

	l := ledger.New(s, nil, nil, core.Address(cfg.LedgerAddr))
	e := compliance.New(s, l, core.Address(cfg.ComplianceAddr))

	sc, err := replay.Export(context.Background(), s, l, e, ids...)
	if err != nil {
		return err
	}
	data, err := replay.MarshalScenario(sc)
	if err != nil {
		return fmt.Errorf("encode scenario: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write scenario: %w", err)
	}

	fmt.Printf("Wrote %d steps to %s\n", len(sc.Steps), outPath)
	return nil
}

func splitIDs(raw string) []string {
	var out []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// #endregion export
