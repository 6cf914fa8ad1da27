package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/InstruktAI/teleclaude/internal/config"
	"github.com/InstruktAI/teleclaude/internal/toolclient"
)

var computersCmd = &cobra.Command{
	Use:   "computers",
	Short: "List known computers and their liveness",
	RunE:  runComputers,
}

func init() {
	rootCmd.AddCommand(computersCmd)
}

func runComputers(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	c, err := toolclient.Dial(cfg.ToolSocket.Path)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s: %w", cfg.ToolSocket.Path, err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	computers, err := c.ListComputers(ctx)
	if err != nil {
		return fmt.Errorf("list computers: %w", err)
	}

	if len(computers) == 0 {
		fmt.Println("no computers known")
		return nil
	}

	for _, comp := range computers {
		age := "now"
		if comp.LastSeenAt > 0 {
			age = time.Since(time.Unix(comp.LastSeenAt, 0)).Round(time.Second).String() + " ago"
		}
		fmt.Printf("%-20s %-10s last seen %s\n", comp.Name, comp.Status, age)
		if len(comp.Capabilities) > 0 {
			fmt.Printf("%-20s capabilities: %v\n", "", comp.Capabilities)
		}
	}
	return nil
}
