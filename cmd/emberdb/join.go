package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/emberdb/pkg/engine"
	"github.com/cuemby/emberdb/pkg/wire"
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join --seeds ADDR[,ADDR...]",
	Short: "Join this node to an existing emberdb cluster",
	Long: `Join contacts one of the given seed addresses, is admitted by the
current leader, and adopts the roster it receives before serving.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pageSize, _ := cmd.Flags().GetInt("page-size")
		seeds, _ := cmd.Flags().GetStringSlice("seeds")
		if len(seeds) == 0 {
			return fmt.Errorf("--seeds is required")
		}

		db, err := engine.Open(engine.Config{
			LocalAddress: bindAddr,
			DataDir:      dataDir,
			PageSize:     pageSize,
		})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}

		joinCh := wire.NewNetChannel(bindAddr)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.Join(ctx, joinCh, seeds); err != nil {
			joinCh.Close()
			return fmt.Errorf("join cluster: %w", err)
		}
		joinCh.Close()

		fmt.Println("emberdb joined cluster")
		fmt.Printf("  Data directory: %s\n", dataDir)
		fmt.Printf("  Bind address:   %s\n", bindAddr)
		fmt.Printf("  Seeds:          %v\n", seeds)

		return runServer(db, bindAddr, metricsAddr)
	},
}

func init() {
	joinCmd.Flags().String("data-dir", "./emberdb-data", "Data directory for this node's pages, undo log, roster, and replicated log")
	joinCmd.Flags().String("bind-addr", "127.0.0.1:8421", "Address peers dial to reach this node")
	joinCmd.Flags().String("metrics-addr", "127.0.0.1:9421", "Address for the Prometheus metrics endpoint")
	joinCmd.Flags().Int("page-size", 4096, "Page size in bytes")
	joinCmd.Flags().StringSlice("seeds", nil, "Comma-separated addresses of existing cluster members")
}
