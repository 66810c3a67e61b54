// kvctl is a CLI for interacting with a shardkv store directory.
//
// Usage:
//
//	kvctl [-c config.jsonc] <store-dir>        Open a store and start the REPL
//	kvctl [-c config.jsonc] <store-dir> get <key>
//	kvctl [-c config.jsonc] <store-dir> put <key> <value>
//	kvctl [-c config.jsonc] <store-dir> del <key>
//
// With no subcommand after <store-dir>, kvctl drops into an interactive
// REPL. Store options may be supplied via a JSONC config file (see -c); -c
// is the only flag, and options the file leaves out keep the store's
// defaults.
//
// Commands (in REPL):
//
//	get <key>                 Retrieve a value by key
//	put <key> <value>         Insert or update an entry
//	del <key>                 Delete an entry
//	iter [prefix]             List every key (optionally filtered by prefix)
//	flush                     Force header and data to disk
//	compact                   Run compaction on shards past the dead-bytes threshold
//	shards                    Show the current shard directory layout
//	info                      Show the store directory
//	help                      Show this help
//	exit / quit / q           Exit
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/peterh/liner"
	"github.com/tailscale/hujson"

	"github.com/shardkv/shardkv/pkg/kv"
)

// fileConfig is the JSONC shape accepted via -c. Zero fields fall back to
// the store's own defaults.
type fileConfig struct {
	RowsPerShard             uint32  `json:"rows_per_shard"`
	SlotsPerRow              uint32  `json:"slots_per_row"`
	MaxShardFileSize         uint64  `json:"max_shard_file_size"`
	CompactionDeadBytesRatio float64 `json:"compaction_dead_bytes_ratio"`
	MaxKeySize               uint32  `json:"max_key_size"`
	MaxValueSize             uint32  `json:"max_value_size"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig

	if path == "" {
		return fc, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is user-controlled by design
	if err != nil {
		return fc, fmt.Errorf("reading config %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fc, fmt.Errorf("invalid JSONC in %q: %w", path, err)
	}

	if err := json.Unmarshal(standardized, &fc); err != nil {
		return fc, fmt.Errorf("invalid config %q: %w", path, err)
	}

	return fc, nil
}

func (fc fileConfig) options() []kv.Option {
	var opts []kv.Option

	if fc.RowsPerShard != 0 {
		opts = append(opts, kv.WithRowsPerShard(fc.RowsPerShard))
	}

	if fc.SlotsPerRow != 0 {
		opts = append(opts, kv.WithSlotsPerRow(fc.SlotsPerRow))
	}

	if fc.MaxShardFileSize != 0 {
		opts = append(opts, kv.WithMaxShardFileSize(fc.MaxShardFileSize))
	}

	if fc.CompactionDeadBytesRatio != 0 {
		opts = append(opts, kv.WithCompactionDeadBytesRatio(fc.CompactionDeadBytesRatio))
	}

	if fc.MaxKeySize != 0 {
		opts = append(opts, kv.WithMaxKeySize(fc.MaxKeySize))
	}

	if fc.MaxValueSize != 0 {
		opts = append(opts, kv.WithMaxValueSize(fc.MaxValueSize))
	}

	return opts
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "kvctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("kvctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.StringP("config", "c", "", "path to a JSONC config file")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: kvctl [-c config.jsonc] <store-dir> [command [args...]]")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("missing store directory")
	}

	storeDir := fs.Arg(0)

	fc, err := loadFileConfig(*configPath)
	if err != nil {
		return err
	}

	store, err := kv.Open(storeDir, fc.options()...)
	if err != nil {
		return fmt.Errorf("opening store %q: %w", storeDir, err)
	}
	defer store.Close()

	rest := fs.Args()[1:]
	if len(rest) == 0 {
		repl := &REPL{store: store, dir: storeDir}
		return repl.Run()
	}

	return runOneShot(store, rest)
}

func runOneShot(store *kv.Store, args []string) error {
	cmd, rest := strings.ToLower(args[0]), args[1:]

	switch cmd {
	case "get":
		if len(rest) < 1 {
			return errors.New("usage: get <key>")
		}

		value, err := store.Get([]byte(rest[0]))
		if err != nil {
			return err
		}

		fmt.Println(string(value))

		return nil

	case "put":
		if len(rest) < 2 {
			return errors.New("usage: put <key> <value>")
		}

		_, _, err := store.Insert([]byte(rest[0]), []byte(rest[1]))

		return err

	case "del", "delete":
		if len(rest) < 1 {
			return errors.New("usage: del <key>")
		}

		_, _, err := store.Remove([]byte(rest[0]))

		return err

	case "iter":
		prefix := ""
		if len(rest) >= 1 {
			prefix = rest[0]
		}

		return store.Iter(func(key, value []byte) bool {
			if prefix != "" && !strings.HasPrefix(string(key), prefix) {
				return true
			}

			fmt.Printf("%s = %s\n", key, value)

			return true
		})

	case "flush":
		return store.Flush()

	case "compact":
		return store.MaybeCompact()

	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// REPL is the interactive command loop.
type REPL struct {
	store *kv.Store
	dir   string
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".kvctl_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("kvctl - shardkv CLI (store=%s)\n", r.dir)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("kvctl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "get":
			r.cmdGet(args)

		case "put":
			r.cmdPut(args)

		case "del", "delete":
			r.cmdDel(args)

		case "iter", "ls", "list":
			r.cmdIter(args)

		case "flush":
			if err := r.store.Flush(); err != nil {
				fmt.Printf("Error: %v\n", err)
			}

		case "compact":
			if err := r.store.MaybeCompact(); err != nil {
				fmt.Printf("Error: %v\n", err)
			}

		case "shards":
			r.cmdShards()

		case "info":
			r.cmdInfo()

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"get", "put", "del", "delete",
		"iter", "ls", "list",
		"flush", "compact", "shards", "info",
		"clear", "cls",
		"help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  get <key>              Retrieve a value by key")
	fmt.Println("  put <key> <value>      Insert or update an entry")
	fmt.Println("  del <key>              Delete an entry")
	fmt.Println("  iter [prefix]          List every key, optionally by prefix")
	fmt.Println("  flush                  Force header and data to disk")
	fmt.Println("  compact                Run compaction past the dead-bytes threshold")
	fmt.Println("  shards                 Show the current shard directory layout")
	fmt.Println("  info                   Show the store directory")
	fmt.Println("  help                   Show this help")
	fmt.Println("  exit / quit / q        Exit")
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key>")
		return
	}

	value, err := r.store.Get([]byte(args[0]))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			fmt.Println("(not found)")
			return
		}

		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Println(string(value))
}

func (r *REPL) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: put <key> <value>")
		return
	}

	_, hadOld, err := r.store.Insert([]byte(args[0]), []byte(strings.Join(args[1:], " ")))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if hadOld {
		fmt.Println("updated")
	} else {
		fmt.Println("inserted")
	}
}

func (r *REPL) cmdDel(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: del <key>")
		return
	}

	_, hadOld, err := r.store.Remove([]byte(args[0]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if hadOld {
		fmt.Println("deleted")
	} else {
		fmt.Println("(not found)")
	}
}

func (r *REPL) cmdIter(args []string) {
	prefix := ""
	if len(args) >= 1 {
		prefix = args[0]
	}

	var count int

	err := r.store.Iter(func(key, value []byte) bool {
		if prefix != "" && !strings.HasPrefix(string(key), prefix) {
			return true
		}

		count++

		fmt.Printf("%s = %s\n", key, value)

		return true
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("(%d entries)\n", count)
}

func (r *REPL) cmdShards() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	var names []string

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "shard-") {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	fmt.Printf("%d shard file(s):\n", len(names))

	for _, n := range names {
		info, err := os.Stat(filepath.Join(r.dir, n))
		if err != nil {
			continue
		}

		fmt.Printf("  %s  %d bytes\n", n, info.Size())
	}
}

func (r *REPL) cmdInfo() {
	fmt.Printf("store directory: %s\n", r.dir)
}
