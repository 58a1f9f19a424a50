// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/campuskit/enrolld/internal/audit"
)

// runVerifyAudit walks the full audit chain and recomputes every hash.
// A clean chain exits 0; corruption prints the broken sequence numbers and
// exits 1 so cron jobs can alert on it.
func runVerifyAudit(args []string) int {
	cfg, _, ok := loadConfig("enrolld verify-audit", args)
	if !ok {
		return exitConfig
	}

	chain, err := audit.Open(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "enrolld: audit chain open failed: %v\n", err)
		return exitStore
	}
	defer func() { _ = chain.Close() }()

	ctx := context.Background()
	total, err := chain.Count(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enrolld: audit chain read failed: %v\n", err)
		return exitStore
	}
	bad, err := chain.Verify(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enrolld: audit chain verification failed: %v\n", err)
		return exitStore
	}

	if len(bad) > 0 {
		fmt.Fprintf(os.Stderr, "audit chain CORRUPT: %d of %d entries failed verification (seqs %v)\n",
			len(bad), total, bad)
		return 1
	}
	fmt.Printf("audit chain OK: %d entries verified\n", total)
	return exitOK
}
