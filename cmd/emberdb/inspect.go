package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/emberdb/pkg/wire"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect ADDRESS",
	Short: "Query a running emberdb node's roster version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := args[0]
		ch := wire.NewNetChannel("")
		defer ch.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		reply, err := ch.Send(ctx, addr, wire.Frame{Opcode: wire.OpGroupVersion})
		if err != nil {
			return fmt.Errorf("query %s: %w", addr, err)
		}
		if reply.Opcode != wire.OpGroupVersionReply {
			return fmt.Errorf("unexpected reply opcode %s from %s", reply.Opcode, addr)
		}
		gv, err := wire.DecodeGroupVersion(reply.Payload)
		if err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}

		fmt.Printf("Node:          %s\n", addr)
		fmt.Printf("Roster version: %d\n", gv.Version)
		return nil
	},
}
