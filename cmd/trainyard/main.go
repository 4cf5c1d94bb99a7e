package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/trainyard/internal/config"
	"github.com/mattjoyce/trainyard/internal/lockstore"
	"github.com/mattjoyce/trainyard/internal/log"
	"github.com/mattjoyce/trainyard/internal/queue"
	"github.com/mattjoyce/trainyard/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes. Contention is not an error: another agent simply got there
// first, and scripts branch on it.
const (
	exitOK        = 0
	exitError     = 1
	exitContended = 2
)

// EnvAgent overrides worker.agent for CLI verbs that act as an agent.
const EnvAgent = "TRAINYARD_AGENT"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return exitError
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "queue":
		return runQueueNoun(args)
	case "lock":
		return runLockNoun(args)
	case "stack":
		return runStackNoun(args)
	case "worker":
		return runWorkerNoun(args)
	case "doctor":
		return runDoctor(args)
	case "watch":
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return exitError
	}
}

func printUsage() {
	fmt.Print(`trainyard - merge queue and lock coordinator for agent workspaces

Usage:
  trainyard <noun> <action> [flags]

Queue Commands:
  queue enqueue <ws>        Add a workspace to the merge queue
  queue list                Show queue entries (--tree groups stacks)
  queue next                Show the entry a worker would claim next
  queue claim [ws]          Claim a workspace, or the next eligible one
  queue heartbeat <ws>      Extend a claim
  queue transition <ws> <status>
                            Move a claimed entry forward
  queue fail <ws>           Record a failure (--retryable to requeue)
  queue release <ws>        Give a claimed entry back to the queue
  queue cancel <ws>         Cancel an entry
  queue dequeue <ws>        Remove an entry outright
  queue status <ws>         Show one entry and its position
  queue inspect <ws>        Show a workspace's stack lineage and history
  queue stats               Count entries per status
  queue events <ws>         Show an entry's history
  queue reclaim             Return abandoned claims to the queue
  queue prune               Delete old terminal entries
  queue reparent <ws>       Move a workspace onto another parent

Lock Commands:
  lock acquire <resource>   Take a named lock
  lock refresh <resource>   Extend a held lock
  lock release <resource>   Release a held lock
  lock status <resource>    Show the current holder
  lock list                 Show active locks
  lock audit <resource>     Show a lock's history

Stack Commands:
  stack status <ws>         Show a workspace's place in its stack
  stack tree                Draw every stack on the board

Service Commands:
  worker start              Run the merge worker, sweeper and API
  doctor                    Check configuration and store integrity
  watch                     Live train board (needs the API)

General:
  version                   Show version information
  help                      Show this help message

Exit status is 0 on success, 1 on error and 2 when a claim or lock is
held by someone else.
`)
}

// --- shared plumbing ---

type yard struct {
	cfg   *config.Config
	db    *sql.DB
	queue *queue.Queue
	locks *lockstore.Store
}

// openYard loads config, sets up logging on stderr and opens the store.
// Verbs that print results keep stdout for output.
func openYard(ctx context.Context, configPath string, pub queue.Publisher) (*yard, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)
	return openStore(ctx, cfg, pub)
}

func openStore(ctx context.Context, cfg *config.Config, pub queue.Publisher) (*yard, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open state %s: %w", cfg.State.Path, err)
	}
	opts := []queue.Option{
		queue.WithLogger(log.WithComponent("queue")),
		queue.WithMaxStackDepth(cfg.Queue.MaxStackDepth),
		queue.WithDefaultMaxAttempts(cfg.Queue.MaxAttempts),
	}
	if pub != nil {
		opts = append(opts, queue.WithPublisher(pub))
	}
	return &yard{
		cfg:   cfg,
		db:    db,
		queue: queue.New(db, opts...),
		locks: lockstore.New(db, lockstore.WithLogger(log.WithComponent("lockstore"))),
	}, nil
}

func (y *yard) Close() {
	_ = y.db.Close()
}

// agentFor resolves the acting agent: flag, then $TRAINYARD_AGENT, then
// worker.agent from config.
func agentFor(flagValue string, cfg *config.Config) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(EnvAgent)); env != "" {
		return env
	}
	return cfg.Worker.Agent
}

type verbFlags struct {
	fs     *flag.FlagSet
	config *string
	json   *bool
}

func newVerb(name string, withJSON bool) *verbFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	v := &verbFlags{
		fs:     fs,
		config: fs.String("config", "", "Path to configuration file or directory"),
	}
	if withJSON {
		v.json = fs.Bool("json", false, "Output as JSON")
	}
	return v
}

func (v *verbFlags) wantJSON() bool { return v.json != nil && *v.json }

// parse lets positionals sit before or after flags.
func (v *verbFlags) parse(args []string) ([]string, error) {
	takesValue := map[string]bool{}
	v.fs.VisitAll(func(f *flag.Flag) {
		if b, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && b.IsBoolFlag() {
			return
		}
		takesValue["-"+f.Name] = true
		takesValue["--"+f.Name] = true
	})
	flags, positionals := splitFlagsAndPositionals(args, takesValue)
	if err := v.fs.Parse(flags); err != nil {
		return nil, err
	}
	return append(positionals, v.fs.Args()...), nil
}

func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	flags := make([]string, 0, len(args))
	positionals := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positionals = append(positionals, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positionals = append(positionals, arg)
			continue
		}
		flags = append(flags, arg)
		if strings.Contains(arg, "=") {
			continue
		}
		if takesValue[arg] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return flags, positionals
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func fail(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return exitError
}

func output(asJSON bool, v any, human string) int {
	if asJSON {
		if err := writeJSON(os.Stdout, v); err != nil {
			return fail("render JSON: %v", err)
		}
		return exitOK
	}
	fmt.Println(human)
	return exitOK
}

// --- version ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return fail("%v", err)
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: trainyard version [--json]")
		return exitError
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fail("render version JSON: %v", err)
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("trainyard %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
