// Package cli wires the command-line surface to the proxy.
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"mcp-conceal/internal/config"
	"mcp-conceal/internal/logger"
	"mcp-conceal/internal/prompt"
	"mcp-conceal/internal/proxy"
)

type rootFlags struct {
	targetCommand string
	targetArgs    string
	targetEnv     []string
	targetCwd     string
	logLevel      string
	configPath    string
	keepDatabase  bool
}

// NewRootCmd builds the mcp-conceal command.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "mcp-conceal",
		Short: "Transparent PII-concealing proxy for MCP servers over stdio",
		Long: `mcp-conceal sits between an MCP client and an MCP server, scanning every
JSON-RPC payload for PII and replacing each detection with a deterministic
fake. Protocol control messages pass through untouched.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.targetCommand, "target-command", "", "command to spawn as the MCP server (required)")
	cmd.Flags().StringVar(&flags.targetArgs, "target-args", "", "arguments for the target command, shell-quoted")
	cmd.Flags().StringArrayVar(&flags.targetEnv, "target-env", nil, "KEY=VALUE environment overlay for the target (repeatable)")
	cmd.Flags().StringVar(&flags.targetCwd, "target-cwd", "", "working directory for the target")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&flags.configPath, "config", "", "path to a TOML config file")
	cmd.Flags().BoolVar(&flags.keepDatabase, "keep-database", false, "preserve the mapping database from previous runs")
	cmd.MarkFlagRequired("target-command") //nolint:errcheck // flag exists

	return cmd
}

func run(cmd *cobra.Command, flags *rootFlags) error {
	log := logger.New("main", flags.logLevel)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	args, err := SplitArgs(flags.targetArgs)
	if err != nil {
		return fmt.Errorf("parsing --target-args: %w", err)
	}
	env, err := ValidateEnv(flags.targetEnv)
	if err != nil {
		return err
	}

	// Fresh mappings per run unless explicitly kept.
	if !flags.keepDatabase && cfg.Mapping.DatabasePath != ":memory:" {
		if err := removeDatabase(cfg.Mapping.DatabasePath); err != nil {
			return err
		}
		log.Debugf("startup", "removed previous mapping database")
	}

	loader, err := prompt.NewLoader(promptsDir(), log)
	if err != nil {
		return err
	}
	template := loader.Load(cfg.LLM.PromptTemplate)

	p, err := proxy.New(cfg, proxy.Options{
		Command: flags.targetCommand,
		Args:    args,
		Env:     env,
		Dir:     flags.targetCwd,
	}, template, logger.New("proxy", flags.logLevel))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return p.Run(ctx)
}

func removeDatabase(path string) error {
	for _, f := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", f, err)
		}
	}
	return nil
}

// promptsDir resolves the data directory holding prompt templates.
func promptsDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "mcp-conceal", "prompts")
}
