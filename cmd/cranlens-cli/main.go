package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cranlens/cranlens/internal/classify"
)

const defaultServer = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "classify":
		cmdClassify(args)
	case "health":
		cmdHealth(args)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`cranlens CLI

Usage:
  cranlens classify <path>...     Classify repository paths (reads stdin when no paths given)
  cranlens health [options]       Probe a running proxy

Options:
  --server <url>    Server URL (default: http://localhost:8080)`)
}

// parseFlags extracts --key value pairs from args.
func parseFlags(args []string) (positional []string, flags map[string]string) {
	flags = make(map[string]string)
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "--") && i+1 < len(args) {
			flags[strings.TrimPrefix(args[i], "--")] = args[i+1]
			i++
		} else {
			positional = append(positional, args[i])
		}
	}
	return
}

func getFlag(flags map[string]string, key, def string) string {
	if v, ok := flags[key]; ok {
		return v
	}
	return def
}

func cmdClassify(args []string) {
	paths, _ := parseFlags(args)

	enc := json.NewEncoder(os.Stdout)
	emit := func(path string) {
		if err := enc.Encode(classify.Classify(path)); err != nil {
			fmt.Fprintf(os.Stderr, "error encoding descriptor: %v\n", err)
			os.Exit(1)
		}
	}

	if len(paths) > 0 {
		for _, p := range paths {
			emit(p)
		}
		return
	}

	// No paths given: classify one path per stdin line, e.g. piped from an
	// access log.
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		emit(line)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error reading stdin: %v\n", err)
		os.Exit(1)
	}
}

func cmdHealth(args []string) {
	_, flags := parseFlags(args)
	server := getFlag(flags, "server", defaultServer)

	client := &http.Client{Timeout: 5 * time.Second}
	start := time.Now()
	resp, err := client.Get(strings.TrimRight(server, "/") + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "unhealthy: %s\n", resp.Status)
		os.Exit(1)
	}
	fmt.Printf("healthy (%v)\n", time.Since(start).Round(time.Millisecond))
}
