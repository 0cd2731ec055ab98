// Command scenarios runs the built-in negotiation scenarios over an
// in-process log and reports pass/fail per scenario.
//
// Usage:
//
//	scenarios [-scenario happy|negotiate|decline|idempotent|all] [-timeout 15s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/linkedout-ai/agent-commerce/ledger"
	"github.com/linkedout-ai/agent-commerce/logger"
	"github.com/linkedout-ai/agent-commerce/scenarios"
)

func main() {
	scenario := flag.String("scenario", "all", "scenario to run: happy, negotiate, decline, idempotent, all")
	timeout := flag.Duration("timeout", 15*time.Second, "per-scenario timeout")
	logLevel := flag.String("log-level", "INFO", "log level: DEBUG, INFO, WARN, ERROR")
	rpcURL := flag.String("ledger-rpc", "", "EVM JSON-RPC endpoint; empty settles in memory")
	chainID := flag.Int64("chain-id", 1337, "chain id for the ledger endpoint")
	flag.Parse()

	_ = godotenv.Load()

	lg := logger.Global()
	if level, err := logger.ParseLevel(*logLevel); err == nil {
		lg.SetLevel(level)
	}

	ctx := context.Background()
	deps := scenarios.Deps{Logger: lg, Timeout: *timeout}

	if *rpcURL != "" {
		operatorKey := os.Getenv("LEDGER_OPERATOR_KEY")
		if operatorKey == "" {
			fmt.Fprintln(os.Stderr, "LEDGER_OPERATOR_KEY must be set when -ledger-rpc is given")
			os.Exit(1)
		}
		exec, err := ledger.NewEthExecutor(ctx, *rpcURL, *chainID, operatorKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect to ledger: %v\n", err)
			os.Exit(1)
		}
		defer exec.Close()
		deps.Executor = exec
	}

	var results []scenarios.Result
	if *scenario == "all" {
		results = scenarios.RunAll(ctx, deps)
	} else {
		res, err := scenarios.Run(ctx, *scenario, deps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		results = []scenarios.Result{res}
	}

	failed := 0
	for _, res := range results {
		status := "PASSED"
		if !res.Passed {
			status = "FAILED"
			failed++
		}
		fmt.Printf("%-12s %s  %s\n", res.Name, status, res.Detail)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
