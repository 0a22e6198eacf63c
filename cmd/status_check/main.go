// Package main provides a one-shot status check for the tracked collection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/collection-scanner/internal/adapter"
	"github.com/collection-scanner/internal/config"
	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/ratelimit"
	"github.com/collection-scanner/internal/service"
	"github.com/collection-scanner/internal/types"
)

func main() {
	soldFlag := flag.Bool("sold", false, "List sold token ids")
	timeoutFlag := flag.Duration("timeout", 10*time.Minute, "Overall deadline for the check")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.InitGlobalLogger(
		logging.ParseLevel(cfg.Logging.Level),
		logging.ParseFormat(cfg.Logging.Format),
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	client, err := adapter.Dial(ctx, cfg.Ledger.RPCPrimary)
	if err != nil {
		fmt.Printf("Error connecting to ledger: %v\n", err)
		os.Exit(1)
	}

	gateway, err := ratelimit.NewGateway(&ratelimit.GatewayConfig{
		Ceiling:    cfg.RateLimit.CallsPerSecond,
		BatchPause: cfg.RateLimit.BatchPause,
	})
	if err != nil {
		fmt.Printf("Error creating call gateway: %v\n", err)
		os.Exit(1)
	}
	defer gateway.Close()

	reader, err := adapter.NewOwnershipReader(&adapter.OwnershipReaderConfig{
		Client:  client,
		Gateway: gateway,
	})
	if err != nil {
		fmt.Printf("Error creating ownership reader: %v\n", err)
		os.Exit(1)
	}

	scanner, err := adapter.NewTransferScanner(&adapter.TransferScannerConfig{
		Client:  client,
		Gateway: gateway,
	})
	if err != nil {
		fmt.Printf("Error creating transfer scanner: %v\n", err)
		os.Exit(1)
	}

	engine, err := service.NewStatusEngine(&service.StatusEngineConfig{
		Scanner:          scanner,
		Reader:           reader,
		ContractAddress:  cfg.Collection.ContractAddress,
		CustodianAddress: cfg.Collection.CustodianAddress,
		TotalCount:       cfg.Collection.TotalSupply,
	})
	if err != nil {
		fmt.Printf("Error creating status engine: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Collection: %s\n", cfg.Collection.ContractAddress)
	fmt.Printf("Custodian:  %s\n\n", cfg.Collection.CustodianAddress)

	start := time.Now()
	snapshot, err := engine.ComputeStatus(ctx)
	if err != nil {
		fmt.Printf("Error computing status: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Total:  %d\n", snapshot.TotalCount)
	fmt.Printf("Active: %d\n", snapshot.LiveCount)
	fmt.Printf("Sold:   %d\n", snapshot.SoldCount)
	fmt.Printf("Took:   %s\n", time.Since(start).Round(time.Millisecond))

	if *soldFlag {
		var soldIDs []int64
		for id, status := range snapshot.Statuses {
			if status == types.StatusSold {
				soldIDs = append(soldIDs, id)
			}
		}
		sort.Slice(soldIDs, func(i, j int) bool { return soldIDs[i] < soldIDs[j] })
		fmt.Printf("\nSold token ids (%d):\n", len(soldIDs))
		for _, id := range soldIDs {
			fmt.Printf("  %d\n", id)
		}
	}
}
