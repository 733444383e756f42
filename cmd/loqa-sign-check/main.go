package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/labels"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one subcommand and returns the process exit code: 0 when the
// input is valid, 1 when it is not and 2 for usage errors.
func run(args []string, stdout, stderr io.Writer) int {
	var labelsPath, configPath string
	labelsCmd := flag.NewFlagSet("labels", flag.ContinueOnError)
	labelsCmd.SetOutput(stderr)
	labelsCmd.StringVar(&labelsPath, "file", "metadata.json", "Path to label metadata")
	configCmd := flag.NewFlagSet("config", flag.ContinueOnError)
	configCmd.SetOutput(stderr)
	configCmd.StringVar(&configPath, "file", "loqa-sign.yaml", "Path to configuration file")

	if len(args) < 1 {
		fmt.Fprintln(stderr, "expected 'labels', 'config' or 'version'")
		return 2
	}

	switch args[0] {
	case "labels":
		if err := labelsCmd.Parse(args[1:]); err != nil {
			return usageCode(err)
		}
		n, err := runLabels(labelsPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "label metadata valid (%d labels)\n", n)
	case "config":
		if err := configCmd.Parse(args[1:]); err != nil {
			return usageCode(err)
		}
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, "config valid")
	case "version":
		fmt.Fprintln(stdout, version)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		return 2
	}
	return 0
}

func usageCode(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	return 2
}

func runLabels(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	cat, err := labels.Validate(data)
	if err != nil {
		return 0, err
	}
	return cat.Len(), nil
}
