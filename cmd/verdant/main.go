// Command verdant runs and administers a document sync server.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/daviddao/verdant/pkg/model"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("verdant", version)
		return
	}

	initLogging()

	cfg, err := loadConfig()
	if err != nil {
		fatal("%v", err)
	}

	// token only needs the secret.
	if os.Args[1] == "token" {
		os.Exit(cmdToken(cfg, os.Args[2:]))
	}

	a, err := newApp(cfg)
	if err != nil {
		fatal("%v", err)
	}
	code := a.run(os.Args[1], os.Args[2:])
	a.Close()
	os.Exit(code)
}

func (a *app) run(cmd string, args []string) int {
	switch cmd {
	case "serve":
		return a.cmdServe(args)
	case "list", "ls":
		return a.cmdList(args)
	case "status":
		return a.cmdStatus(args)
	case "rebase":
		return a.cmdRebase(args)
	case "evict":
		return a.cmdEvict(args)
	case "export":
		return a.cmdExport(args)
	case "import":
		return a.cmdImport(args)

	default:
		fmt.Fprintf(os.Stderr, "verdant: unknown command %q\n", cmd)
		fmt.Fprintln(os.Stderr, "Run 'verdant --help' for usage.")
		return 1
	}
}

func printUsage() {
	fmt.Print(`verdant: local-first document sync server

Libraries of documents replicated across clients. Operations are ordered by
hybrid logical clocks and folded into baselines once every replica has them.

Usage:
  verdant <command> [flags]

Server:
  serve [--addr ADDR]                 Serve the sync endpoints

Administration:
  token --library L --user U          Issue a library access token
  list                                List stored libraries
  status --library L                  Show replicas and acknowledgement state
  rebase --library L                  Fold acknowledged history into baselines
  evict --library L                   Delete all of a library's data
  export --library L [--out FILE]     Dump a library as JSON
  import --library L --in FILE        Replace a library from an export

Aliases:
  ls = list

Environment:
  VERDANT_DB            SQLite database path (default: verdant.db)
  VERDANT_ADDR          Listen address (default: :8080)
  VERDANT_SECRET        HMAC secret for library tokens (required by serve, token)
  VERDANT_TRUANCY       Replica truancy window (default: 720h)
  VERDANT_REBASE_DELAY  Debounce before a server rebase (default: 0s)
  VERDANT_LOG_V         glog verbosity (default: 0)

Most commands support --json for machine-readable output.
`)
}

// config is the process configuration, read from the environment.
type config struct {
	DB          string
	Addr        string
	Secret      string
	Truancy     time.Duration
	RebaseDelay time.Duration
}

func loadConfig() (*config, error) {
	cfg := &config{
		DB:     envOr("VERDANT_DB", "verdant.db"),
		Addr:   envOr("VERDANT_ADDR", ":8080"),
		Secret: os.Getenv("VERDANT_SECRET"),
	}
	var err error
	if cfg.Truancy, err = envDuration("VERDANT_TRUANCY", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RebaseDelay, err = envDuration("VERDANT_REBASE_DELAY", 0); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s=%q is not a valid duration", model.ErrConfiguration, key, v)
	}
	return d, nil
}

// initLogging sends glog output to stderr at VERDANT_LOG_V verbosity.
func initLogging() {
	flag.Set("logtostderr", "true")
	flag.Set("v", envOr("VERDANT_LOG_V", "0"))
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "verdant: "+format+"\n", args...)
	os.Exit(1)
}
