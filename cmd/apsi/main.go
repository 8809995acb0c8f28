// Command apsi is the external CLI surface spec.md explicitly leaves out of
// scope ("the core exposes only a library interface"): a Sender daemon with
// load/serve subcommands and a Receiver CLI that submits a query CSV and
// prints the intersection. Grounded on the teacher's cmd/agent/main.go
// (flag-driven mode selection with a promptui fallback) and
// cmd/cohort-bridge/main.go (os.Args subcommand dispatch).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/auroradata-ai/apsi-engine/internal/applog"
	"github.com/auroradata-ai/apsi-engine/internal/config"
	"github.com/manifoldco/promptui"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	args := os.Args[2:]

	switch subcommand {
	case "load":
		runLoad(args)
	case "serve":
		runServe(args)
	case "query":
		runQuery(args)
	case "-help", "--help", "help":
		showUsage()
	default:
		fmt.Printf("unknown subcommand: %s\n\n", subcommand)
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("apsi - Asymmetric Private Set Intersection")
	fmt.Println()
	fmt.Println("Sender subcommands:")
	fmt.Println("  load  -config <path> -state <path>   build a SenderDB from the configured source and dump it")
	fmt.Println("  serve -config <path> -state <path>    load a dumped SenderDB and answer queries")
	fmt.Println()
	fmt.Println("Receiver subcommand:")
	fmt.Println("  query -config <path> [-items <csv>]   submit a query against the configured peer")
}

// loadConfig parses -config, reading the named flag set from args, and
// applies the teacher's SetDefaults() before returning.
func loadConfig(fs *flag.FlagSet, args []string) *config.Config {
	configPath := fs.String("config", "config.yaml", "path to YAML configuration")
	if err := fs.Parse(args); err != nil {
		fmt.Println("argument error:", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("error loading config:", err)
		os.Exit(1)
	}
	return cfg
}

func initLogging(cfg *config.Config, sessionID string) {
	if err := applog.InitLogger(cfg, sessionID); err != nil {
		fmt.Println("warning: logger initialization failed:", err)
	}
}

// confirmOrPrompt always asks a y/n question labelled label via promptui and
// reports whether the answer was "y" or "Y"; a prompt error counts as "no".
func confirmOrPrompt(label string) bool {
	prompt := promptui.Prompt{Label: label, IsConfirm: true}
	result, err := prompt.Run()
	if err != nil {
		return false
	}
	return result == "y" || result == "Y"
}
