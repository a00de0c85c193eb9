// engram is a CLI for engram vector memory stores.
//
// Usage:
//
//	engram [--config FILE] [--dir DIR] <command> [args]
//
// Commands:
//
//	init                      Write a default .engram.json config
//	store [-m k=v]... TEXT    Embed and store a text record
//	recall [-k N] QUERY       Recall the closest records for a query
//	count                     Print the number of stored records
//	info                      Print store path, record count, and size
//	repl                      Interactive recall shell
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/shubhambiswas2196/engram-db/pkg/embedding"
	"github.com/shubhambiswas2196/engram-db/pkg/engram"
)

var errUsage = errors.New("usage error")

func main() {
	err := run(os.Args[1:])
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "error: %v\n\nrun 'engram --help' for usage\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}

		os.Exit(1)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("engram", flag.ContinueOnError)
	global.SetInterspersed(false)

	configPath := global.String("config", "", "path to config file")
	dirFlag := global.String("dir", "", "store directory (overrides config)")
	help := global.BoolP("help", "h", false, "show usage")

	err := global.Parse(args)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if *help {
		printUsage()

		return nil
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage()

		return fmt.Errorf("%w: missing command", errUsage)
	}

	command, commandArgs := rest[0], rest[1:]

	if command == "init" {
		return WriteDefaultConfig(ConfigFileName)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}

	if *dirFlag != "" {
		cfg.Dir = *dirFlag
	}

	switch command {
	case "store":
		return cmdStore(cfg, commandArgs)
	case "recall":
		return cmdRecall(cfg, commandArgs)
	case "count":
		return cmdCount(cfg)
	case "info":
		return cmdInfo(cfg)
	case "repl":
		return cmdRepl(cfg)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

func printUsage() {
	fmt.Print(`engram - embedded vector memory store

usage:
  engram [--config FILE] [--dir DIR] <command> [args]

commands:
  init                      write a default .engram.json config
  store [-m k=v]... TEXT    embed and store a text record
  recall [-k N] QUERY       recall the closest records for a query
  count                     print the number of stored records
  info                      print store path, record count, and size
  repl                      interactive recall shell
`)
}

func openStore(cfg Config) (*engram.Store, error) {
	return engram.Open(engram.Options{
		Dir:        cfg.Dir,
		Embedder:   embedding.NewHashing(cfg.Dimension),
		SyncWrites: cfg.SyncWrites,
		CacheSize:  cfg.CacheSize,
	})
}

func cmdStore(cfg Config, args []string) error {
	fs := flag.NewFlagSet("store", flag.ContinueOnError)
	metaFlags := fs.StringArrayP("meta", "m", nil, "metadata entry as key=value (repeatable)")

	err := fs.Parse(args)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("%w: store requires exactly one TEXT argument", errUsage)
	}

	metadata, err := parseMetadata(*metaFlags)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	err = s.Store(fs.Arg(0), metadata)
	if err != nil {
		return err
	}

	fmt.Printf("stored record %d\n", s.LastID())

	return nil
}

func parseMetadata(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	metadata := make(map[string]string, len(entries))

	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: metadata must be key=value, got %q", errUsage, entry)
		}

		metadata[key] = value
	}

	return metadata, nil
}

func cmdRecall(cfg Config, args []string) error {
	fs := flag.NewFlagSet("recall", flag.ContinueOnError)
	k := fs.IntP("limit", "k", 5, "maximum results")

	err := fs.Parse(args)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("%w: recall requires exactly one QUERY argument", errUsage)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	results, err := s.Recall(fs.Arg(0), *k)
	if err != nil {
		return err
	}

	printResults(results)

	return nil
}

func printResults(results []engram.Result) {
	if len(results) == 0 {
		fmt.Println("no results")

		return
	}

	for i, r := range results {
		fmt.Printf("%d. %s\n", i+1, r.Content)

		for key, value := range r.Metadata {
			fmt.Printf("   %s=%s\n", key, value)
		}
	}
}

func cmdCount(cfg Config) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Println(s.Count())

	return nil
}

func cmdInfo(cfg Config) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	size, err := s.Size()
	if err != nil {
		return err
	}

	fmt.Printf("dir:       %s\n", cfg.Dir)
	fmt.Printf("records:   %d\n", s.Count())
	fmt.Printf("last id:   %d\n", s.LastID())
	fmt.Printf("dimension: %d\n", s.Dimension())
	fmt.Printf("file size: %d bytes\n", size)

	return nil
}
