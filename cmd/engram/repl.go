package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/peterh/liner"
)

// cmdRepl runs an interactive shell against the store.
//
// Commands:
//
//	store <text>           store a record (no metadata)
//	recall [k] <query>     recall, optionally with a leading result limit
//	count                  number of records
//	help                   show commands
//	exit / quit / q        leave
func cmdRepl(cfg Config) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	fmt.Printf("engram repl - %d records in %s (type 'help' for commands)\n", s.Count(), cfg.Dir)

	for {
		input, err := line.Prompt("engram> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("read input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		command, rest, _ := strings.Cut(input, " ")
		rest = strings.TrimSpace(rest)

		switch command {
		case "exit", "quit", "q":
			return nil
		case "help":
			fmt.Println("commands: store <text> | recall [k] <query> | count | exit")
		case "count":
			fmt.Println(s.Count())
		case "store":
			if rest == "" {
				fmt.Println("usage: store <text>")

				continue
			}

			err = s.Store(rest, nil)
			if err != nil {
				fmt.Printf("error: %v\n", err)

				continue
			}

			fmt.Printf("stored record %d\n", s.LastID())
		case "recall":
			k, query := splitRecallArgs(rest)
			if query == "" {
				fmt.Println("usage: recall [k] <query>")

				continue
			}

			results, err := s.Recall(query, k)
			if err != nil {
				fmt.Printf("error: %v\n", err)

				continue
			}

			printResults(results)
		default:
			fmt.Printf("unknown command %q (type 'help')\n", command)
		}
	}
}

// splitRecallArgs parses an optional leading result limit: "3 some query"
// means k=3, query "some query"; "some query" means the default k.
func splitRecallArgs(rest string) (int, string) {
	const defaultK = 5

	first, remainder, ok := strings.Cut(rest, " ")
	if !ok {
		return defaultK, rest
	}

	k, err := strconv.Atoi(first)
	if err != nil || k < 0 {
		return defaultK, rest
	}

	return k, strings.TrimSpace(remainder)
}
