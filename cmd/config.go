package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/InstruktAI/teleclaude/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or edit the daemon configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (defaults + file + env)",
	RunE:  runConfigShow,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the configuration file in $EDITOR",
	RunE:  runConfigEdit,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively write a starter configuration file",
	RunE:  runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, err := config.GetConfigPath()
	if err != nil {
		return fmt.Errorf("get config path: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !config.Exists() {
		fmt.Printf("# No config file (using defaults)\n")
		fmt.Printf("# Create one at: %s\n\n", configPath)
	} else {
		fmt.Printf("# %s\n\n", configPath)
	}

	fmt.Printf("computer_name: %s\n", cfg.ComputerName)
	fmt.Printf("redis:\n  addr: %s\n  db: %d\n  key_prefix: %s\n", cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.KeyPrefix)
	fmt.Printf("tool_socket:\n  path: %s\n", cfg.ToolSocket.Path)
	fmt.Printf("heartbeat:\n  interval_seconds: %d\n  ttl_seconds: %d\n", cfg.Heartbeat.IntervalSeconds, cfg.Heartbeat.TTLSeconds)
	fmt.Printf("sessions:\n  enabled: %t\n  path: %s\n  max_age_days: %d\n", cfg.Sessions.Enabled, cfg.Sessions.Path, cfg.Sessions.MaxAgeDays)
	fmt.Printf("people: %d configured\n", len(cfg.People))
	fmt.Printf("profiles: %d configured\n", len(cfg.Profiles))
	fmt.Printf("agents: %d command mappings\n", len(cfg.Agents.Commands))
	if cfg.Serve.Telegram.Token != "" {
		fmt.Printf("serve.telegram.token: [set]\n")
	} else {
		fmt.Printf("serve.telegram.token: [NOT SET]\n")
	}
	return nil
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	configPath, err := config.GetConfigPath()
	if err != nil {
		return fmt.Errorf("get config path: %w", err)
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0644); err != nil {
			return fmt.Errorf("create config file: %w", err)
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		editor = "vi"
	}

	c := exec.Command(editor, configPath)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}

// initAnswers is the subset of Config a fresh install is prompted for; the
// rest is left to defaults, editable afterward with `config edit`.
type initAnswers struct {
	ComputerName  string `yaml:"computer_name"`
	RedisAddr     string `yaml:"redis_addr"`
	TelegramToken string `yaml:"telegram_token"`
}

// runConfigInit walks a new install through the handful of settings that
// can't be sensibly defaulted (computer name, Redis address, Telegram
// bot token) using a huh.NewForm/huh.NewInput prompt per field, then
// writes a starter config.yaml from the answers.
func runConfigInit(cmd *cobra.Command, args []string) error {
	configPath, err := config.GetConfigPath()
	if err != nil {
		return fmt.Errorf("get config path: %w", err)
	}
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s; edit it directly with `teleclaude config edit`", configPath)
	}

	answers := initAnswers{
		RedisAddr: "localhost:6379",
	}
	if hostname, err := os.Hostname(); err == nil {
		answers.ComputerName = hostname
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Computer name").
				Description("Identifies this node to peers and in session records").
				Value(&answers.ComputerName),
			huh.NewInput().
				Title("Redis address").
				Description("host:port for the cross-node transport").
				Value(&answers.RedisAddr),
			huh.NewInput().
				Title("Telegram bot token").
				Description("leave blank to skip the Telegram chat adapter").
				Value(&answers.TelegramToken),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("config init: %w", err)
	}

	body := map[string]any{
		"computer_name": answers.ComputerName,
		"redis":         map[string]any{"addr": answers.RedisAddr, "db": 0, "key_prefix": "teleclaude"},
		"tool_socket":   map[string]any{"path": ""},
		"heartbeat":     map[string]any{"interval_seconds": 20, "ttl_seconds": 60},
		"sessions":      map[string]any{"enabled": true, "path": "", "max_age_days": 30},
		"serve":         map[string]any{"telegram": map[string]any{"token": answers.TelegramToken}},
		"people":        []any{},
		"agents":        map[string]any{"commands": map[string]string{"claude": "claude", "codex": "codex", "gemini": "gemini"}},
	}
	out, err := yaml.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, out, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	fmt.Printf("wrote %s\n", configPath)
	return nil
}

const defaultConfigYAML = `# computer_name defaults to the hostname.
# computer_name: laptop

redis:
  addr: localhost:6379
  db: 0
  key_prefix: teleclaude

tool_socket:
  path: ""  # defaults to $XDG_RUNTIME_DIR/teleclaude/<computer>.sock

heartbeat:
  interval_seconds: 20
  ttl_seconds: 60

sessions:
  enabled: true
  path: ""  # defaults to $XDG_DATA_HOME/teleclaude/teleclaude.db
  max_age_days: 30

serve:
  telegram:
    token: ""
    allowed_user_ids: []
    allowed_usernames: []

people: []
# people:
#   - name: Alice
#     home: /home/alice/code/teleclaude
#     profile: default
#     chat_user_ids: ["123456789"]

agents:
  commands:
    claude: claude
    codex: codex
    gemini: gemini
`
