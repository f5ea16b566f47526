// shashctl is a small CLI for inspecting and driving shash store
// directories.
//
// Usage:
//
//	shashctl [flags] <store-dir>
//
// Flags:
//
//	    --kind          "map" or "set"; defaults to the directory manifest
//	-r, --read-only     Open without the writer lock; mutators are rejected
//	-c, --config        Options file (hujson) applied before other flags
//	-b, --buckets       Bucket count on first creation
//	-k, --max-key-len   Maximum key length on first creation
//	-t, --topk          Postings bound on first creation (map)
//	-d, --doc-size      Payload record size on first creation (map)
//
// Commands (in REPL):
//
//	insert <key>             Insert a key (set)
//	doc <text>               Append a payload record, print its slot (map)
//	map <key> <slot> <score> Add a posting for key (map)
//	get <key>                Print key's postings (map)
//	has <key>                Membership test
//	del <key>                Delete a key
//	chain <key>              Print the chain of key's bucket
//	len                      Count keys
//	status                   Dump every bucket's chain
//	flush                    Flush mappings to disk
//	help                     Show this help
//	exit / quit / q          Exit
package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/calvinalkan/shash/pkg/shash"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("shashctl", pflag.ContinueOnError)

	kind := flags.String("kind", "", `"map" or "set" (default: from manifest)`)
	readOnly := flags.BoolP("read-only", "r", false, "open read-only")
	configPath := flags.StringP("config", "c", "", "options file (hujson)")
	buckets := flags.Uint64P("buckets", "b", 0, "bucket count on creation")
	maxKeyLen := flags.IntP("max-key-len", "k", 0, "max key length on creation")
	topK := flags.IntP("topk", "t", 0, "postings bound on creation (map)")
	docSize := flags.Uint64P("doc-size", "d", 0, "payload record size on creation (map)")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if flags.NArg() != 1 {
		return errors.New("usage: shashctl [flags] <store-dir>")
	}

	dir := flags.Arg(0)

	opts := shash.Options{}

	if *configPath != "" {
		loaded, err := shash.LoadOptions(*configPath)
		if err != nil {
			return err
		}

		opts = loaded
	}

	opts.Dir = dir
	opts.ReadOnly = opts.ReadOnly || *readOnly

	if *buckets != 0 {
		opts.BucketCount = *buckets
	}

	if *maxKeyLen != 0 {
		opts.MaxKeyLen = *maxKeyLen
	}

	if *topK != 0 {
		opts.TopK = *topK
	}

	if *docSize != 0 {
		opts.DocSize = *docSize
	}

	storeKind := *kind
	if storeKind == "" {
		manifestKind, found, err := shash.ReadKind(dir)
		if err != nil {
			return err
		}

		if !found {
			return errors.New("no manifest in directory; pass --kind to create")
		}

		storeKind = manifestKind
	}

	switch storeKind {
	case "set":
		set, err := shash.OpenSet(opts)
		if err != nil {
			return err
		}
		defer set.Close()

		return repl(setCommands(set))
	case "map":
		hmap, err := shash.OpenMap(opts)
		if err != nil {
			return err
		}
		defer hmap.Close()

		return repl(mapCommands(hmap))
	default:
		return fmt.Errorf("unknown kind %q", storeKind)
	}
}

// command handles one REPL line; args excludes the command word itself.
type command func(args []string) error

// repl drives the line editor until exit.
func repl(commands map[string]command) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("shash> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, os.ErrClosed) {
				return nil
			}

			// EOF and other terminal errors end the session.
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		fields := strings.Fields(input)
		name, args := fields[0], fields[1:]

		switch name {
		case "exit", "quit", "q":
			return nil
		case "help":
			printHelp(commands)

			continue
		}

		cmd, ok := commands[name]
		if !ok {
			fmt.Printf("unknown command %q (try help)\n", name)

			continue
		}

		if err := cmd(args); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func printHelp(commands map[string]command) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}

	sort.Strings(names)

	fmt.Printf("commands: %s, help, exit\n", strings.Join(names, ", "))
}

// needArgs validates the argument count for a command.
func needArgs(args []string, n int, usage string) error {
	if len(args) != n {
		return fmt.Errorf("usage: %s", usage)
	}

	return nil
}

func setCommands(set *shash.Set) map[string]command {
	commands := map[string]command{
		"insert": func(args []string) error {
			if err := needArgs(args, 1, "insert <key>"); err != nil {
				return err
			}

			return set.Insert(args[0])
		},
		"has": func(args []string) error {
			if err := needArgs(args, 1, "has <key>"); err != nil {
				return err
			}

			fmt.Println(set.Has(args[0]))

			return nil
		},
		"del": func(args []string) error {
			if err := needArgs(args, 1, "del <key>"); err != nil {
				return err
			}

			found, err := set.Delete(args[0])
			if err != nil {
				return err
			}

			fmt.Println(found)

			return nil
		},
		"chain": func(args []string) error {
			if err := needArgs(args, 1, "chain <key>"); err != nil {
				return err
			}

			terms, err := set.Chain(args[0])
			if err != nil {
				return err
			}

			fmt.Println(strings.Join(terms, " -> "))

			return nil
		},
		"len": func([]string) error {
			fmt.Println(set.Len())

			return nil
		},
		"status": func([]string) error {
			set.DumpStatus(os.Stdout)

			return nil
		},
		"flush": func([]string) error {
			return set.Flush()
		},
	}

	return commands
}

func mapCommands(hmap *shash.Map) map[string]command {
	commands := map[string]command{
		"doc": func(args []string) error {
			if len(args) == 0 {
				return errors.New("usage: doc <text>")
			}

			slot, err := hmap.InsertDoc(padDoc(strings.Join(args, " "), hmap))
			if err != nil {
				return err
			}

			fmt.Println(slot)

			return nil
		},
		"map": func(args []string) error {
			if err := needArgs(args, 3, "map <key> <slot> <score>"); err != nil {
				return err
			}

			slot, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("slot: %w", err)
			}

			score, err := strconv.ParseUint(args[2], 10, 8)
			if err != nil {
				return fmt.Errorf("score: %w", err)
			}

			accepted, err := hmap.Map(args[0], slot, uint8(score))
			if err != nil {
				return err
			}

			if !accepted {
				fmt.Println("repeat")
			}

			return nil
		},
		"get": func(args []string) error {
			if err := needArgs(args, 1, "get <key>"); err != nil {
				return err
			}

			for _, posting := range hmap.Get(args[0]) {
				fmt.Printf("%d@%d %q\n", posting.Slot, posting.Score, trimDoc(posting.Doc))
			}

			return nil
		},
		"has": func(args []string) error {
			if err := needArgs(args, 1, "has <key>"); err != nil {
				return err
			}

			fmt.Println(hmap.Has(args[0]))

			return nil
		},
		"del": func(args []string) error {
			if err := needArgs(args, 1, "del <key>"); err != nil {
				return err
			}

			found, err := hmap.Delete(args[0])
			if err != nil {
				return err
			}

			fmt.Println(found)

			return nil
		},
		"chain": func(args []string) error {
			if err := needArgs(args, 1, "chain <key>"); err != nil {
				return err
			}

			terms, err := hmap.Chain(args[0])
			if err != nil {
				return err
			}

			fmt.Println(strings.Join(terms, " -> "))

			return nil
		},
		"len": func([]string) error {
			fmt.Println(hmap.Len())

			return nil
		},
		"doclen": func([]string) error {
			fmt.Println(hmap.DocLen())

			return nil
		},
		"status": func([]string) error {
			hmap.DumpStatus(os.Stdout)

			return nil
		},
		"flush": func([]string) error {
			return hmap.Flush()
		},
	}

	return commands
}

// padDoc fits text into the map's fixed payload record size, truncating or
// NUL-padding as needed.
func padDoc(text string, hmap *shash.Map) []byte {
	doc := make([]byte, hmap.DocSize())
	copy(doc, text)

	return doc
}

// trimDoc strips the NUL padding for display.
func trimDoc(doc []byte) string {
	return strings.TrimRight(string(doc), "\x00")
}
