package cmd

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/InstruktAI/teleclaude/internal/config"
	"github.com/InstruktAI/teleclaude/internal/signal"
	"github.com/InstruktAI/teleclaude/internal/toolclient"
	"github.com/InstruktAI/teleclaude/internal/tui/sessions"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Browse and drive sessions on this computer",
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext()
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	c, err := toolclient.Dial(cfg.ToolSocket.Path)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s: %w", cfg.ToolSocket.Path, err)
	}
	defer c.Close()

	m := sessions.New(c, 100, 30)
	p := tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	_, err = p.Run()
	return err
}
