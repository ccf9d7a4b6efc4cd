package main

import (
	"fmt"

	"github.com/cuemby/emberdb/pkg/engine"
	"github.com/spf13/cobra"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Initialize a brand-new single-node emberdb cluster",
	Long: `Bootstrap creates a fresh data directory, roster, and replicated log,
naming this node the sole member of a new group. It then serves that
group, electing itself leader immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		groupID, _ := cmd.Flags().GetUint64("group-id")
		pageSize, _ := cmd.Flags().GetInt("page-size")

		db, err := engine.Open(engine.Config{
			MemberID:     1,
			LocalAddress: bindAddr,
			DataDir:      dataDir,
			PageSize:     pageSize,
		})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if err := db.Bootstrap(groupID); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}

		fmt.Println("emberdb cluster bootstrapped")
		fmt.Printf("  Data directory: %s\n", dataDir)
		fmt.Printf("  Bind address:   %s\n", bindAddr)
		fmt.Printf("  Group ID:       %d\n", groupID)
		fmt.Printf("  Member ID:      1\n")

		return runServer(db, bindAddr, metricsAddr)
	},
}

func init() {
	bootstrapCmd.Flags().String("data-dir", "./emberdb-data", "Data directory for this node's pages, undo log, roster, and replicated log")
	bootstrapCmd.Flags().String("bind-addr", "127.0.0.1:8420", "Address peers dial to reach this node")
	bootstrapCmd.Flags().String("metrics-addr", "127.0.0.1:9420", "Address for the Prometheus metrics endpoint")
	bootstrapCmd.Flags().Uint64("group-id", 1, "Identifier for the new replicated group")
	bootstrapCmd.Flags().Int("page-size", 4096, "Page size in bytes")
}
