// Package main replays a recorded transaction stream through the control loop
// and prints the resulting decision log. Time is taken from the transactions,
// so the same input always yields the same decisions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"payops-agent/internal/config"
	"payops-agent/internal/logging"
	"payops-agent/internal/schema"
)

var version = "dev"

func main() {
	var (
		showVersion bool
		configPath  string
		inputPath   string
		outputPath  string
		logLevel    string
		trailing    int
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.StringVar(&configPath, "config", config.DefaultPath, "Agent configuration file")
	flag.StringVar(&inputPath, "input", "-", "JSON-lines transaction file (- for stdin)")
	flag.StringVar(&outputPath, "output", "-", "Decision record output file (- for stdout)")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level for diagnostics on stderr")
	flag.IntVar(&trailing, "trailing", 0, "Extra ticks to run after the input is exhausted")
	flag.Parse()

	if showVersion {
		fmt.Printf("payops-replay %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(configPath, inputPath, outputPath, logLevel, trailing))
}

func run(configPath, inputPath, outputPath, logLevel string, trailing int) int {
	logger, err := logging.New(logging.Config{Level: logLevel, Format: "text"}, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(logger)

	if trailing < 0 {
		fmt.Fprintf(os.Stderr, "Error: -trailing must not be negative\n")
		return 2
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	settings := cfg.Settings()
	if err := settings.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid config: %v\n", err)
		return 1
	}

	in, closeIn, err := openInput(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeIn()

	out, closeOut, err := openOutput(outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeOut()

	// Recorded streams are old by definition; only the schema is checked.
	txs, invalid, err := readTransactions(in, schema.NewValidatorWithConfig(schema.ValidatorConfig{}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := replay(ctx, settings, txs, trailing, out)
	sum.Invalid = invalid
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stderr)
	enc.SetIndent("", "  ")
	enc.Encode(sum)
	return 0
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output: %w", err)
	}
	return f, func() { f.Close() }, nil
}
