package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/a-poor/bluekv/pmem"
	"github.com/a-poor/bluekv/pmem/sqlstore"
	"github.com/a-poor/bluekv/storage"
)

const (
	DefaultPath     = "bluekv.pool"
	DefaultPoolSize = 1 << 30
)

const usage = `usage: bkvcli [flags] <command> [args]

commands:
  put KEY VALUE   store VALUE under KEY
  get KEY         print the value of KEY
  remove KEY      delete KEY
  list            print every key and value as JSON
  count           print the number of keys
  analyze         print the tree's shape as JSON
  check           verify the routing index
  checkpoint      compact the pool journal (journal backend only)
  destroy         free every record of the tree

flags:
`

type config struct {
	path    string
	size    int64
	backend string
	verbose bool
}

func main() {
	var c config
	flag.StringVar(&c.path, "path", envOr("BKV_PATH", DefaultPath), "pool file path (env BKV_PATH)")
	flag.Int64Var(&c.size, "size", DefaultPoolSize, "size of a new journal pool in bytes")
	flag.StringVar(&c.backend, "backend", "journal", "pool backend: journal or sqlite")
	flag.BoolVar(&c.verbose, "v", false, "log debug output")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	log, err := newLogger(c.verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(c, log, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Sugar().Debugw("command failed", "command", flag.Arg(0), "err", err)
		fmt.Fprintf(os.Stderr, "%s: %v\n", storage.StatusOf(err), err)
		log.Sync()
		os.Exit(1)
	}
}

func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// openPool opens the configured backend.
func openPool(c config, log *zap.Logger) (pmem.Pool, error) {
	switch c.backend {
	case "journal":
		return pmem.OpenOrCreate(c.path, storage.Layout, c.size, pmem.WithLogger(log))
	case "sqlite":
		return sqlstore.Open(c.path, storage.Layout, sqlstore.WithLogger(log))
	default:
		return nil, fmt.Errorf("unknown backend %q", c.backend)
	}
}

func run(c config, log *zap.Logger, cmd string, args []string) error {
	want := map[string]int{
		"put": 2, "get": 1, "remove": 1,
		"list": 0, "count": 0, "analyze": 0, "check": 0, "checkpoint": 0, "destroy": 0,
	}
	n, ok := want[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q", cmd)
	}
	if len(args) != n {
		return fmt.Errorf("%s takes %d arguments, got %d", cmd, n, len(args))
	}

	pool, err := openPool(c, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	tree, err := storage.Attach(pool, storage.WithLogger(log))
	if err != nil {
		return err
	}
	defer tree.Close()

	switch cmd {
	case "put":
		return tree.Put([]byte(args[0]), []byte(args[1]))

	case "get":
		v, err := tree.Get([]byte(args[0]))
		if err != nil {
			return err
		}
		_, err = fmt.Printf("%s\n", v)
		return err

	case "remove":
		return tree.Remove([]byte(args[0]))

	case "list":
		pairs, err := tree.AppendPairs(nil)
		if err != nil {
			return err
		}
		out := make(map[string]string, len(pairs))
		for _, p := range pairs {
			out[string(p.Key)] = string(p.Value)
		}
		return printJSON(out)

	case "count":
		n, err := tree.Count()
		if err != nil {
			return err
		}
		_, err = fmt.Println(n)
		return err

	case "analyze":
		a, err := tree.Analyze()
		if err != nil {
			return err
		}
		return printJSON(a)

	case "check":
		if err := tree.Check(); err != nil {
			return err
		}
		_, err := fmt.Println("OK")
		return err

	case "checkpoint":
		fp, ok := pool.(*pmem.FilePool)
		if !ok {
			return errors.New("checkpoint needs the journal backend")
		}
		return fp.Checkpoint()

	case "destroy":
		return tree.Destroy()
	}
	return nil
}

func printJSON(v any) error {
	b, err := sonnet.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Printf("%s\n", b)
	return err
}
