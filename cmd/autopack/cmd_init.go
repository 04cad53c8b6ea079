package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"autopack/internal/config"
)

// initCmd scaffolds a workspace
var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a workspace for autopack",
	Long: `Creates the .autopack directory and writes a default config.yaml to
edit. Safe to re-run; an existing config is left alone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	ws := "."
	if len(args) == 1 {
		ws = args[0]
	} else if workspaceFlag != "" {
		ws = workspaceFlag
	}
	ws, err := filepath.Abs(ws)
	if err != nil {
		return exitf(exitUsage, "resolving %q: %v", ws, err)
	}
	if info, err := os.Stat(ws); err != nil || !info.IsDir() {
		return exitf(exitUsage, "%s is not a directory", ws)
	}

	path := config.DefaultPath(ws)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Workspace already initialized: %s\n", path)
		return nil
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(path); err != nil {
		return exitf(exitInfra, "writing config: %v", err)
	}

	fmt.Printf("Initialized %s\n", ws)
	fmt.Printf("  Config:  %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Export an LLM key (ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY or XAI_API_KEY)")
	fmt.Println("  2. Write a plan:    autopack plan example > plan.yaml")
	fmt.Println("  3. Submit it:       autopack run submit plan.yaml --wait")
	return nil
}
