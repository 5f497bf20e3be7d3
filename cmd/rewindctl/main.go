// rewindctl is the operator CLI for rewindd.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"rewindd/internal/blob"
	"rewindd/internal/catalog"
	"rewindd/internal/config"
	"rewindd/internal/manifest"
	"rewindd/internal/rollback"
	"rewindd/internal/workspace"
)

// Exit codes.
const (
	exitOK          = 0
	exitBadArgs     = 2
	exitLockTimeout = 3
	exitIntegrity   = 4
	exitPartial     = 5
)

var (
	configPath    = flag.String("config", "", "path to config file")
	workspacePath = flag.String("workspace", "", "workspace directory (overrides config)")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(exitBadArgs)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	var code int
	switch cmd {
	case "list":
		code = cmdList(args)
	case "show":
		code = cmdShow(args)
	case "import":
		code = cmdImport(args)
	case "rollback":
		code = cmdRollback(args)
	case "delete":
		code = cmdDelete(args)
	case "recover":
		code = cmdRecover(args)
	case "gc":
		code = cmdGC(args)
	case "stats":
		code = cmdStats(args)
	case "journals":
		code = cmdJournals(args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		code = exitBadArgs
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, `rewindctl - Control utility for rewindd

Usage: rewindctl [options] <command> [args]

Commands:
  list [n]                     List recent sessions (default 20)
  show <sessionId>             Print a session manifest (-json for wire form)
  import <file>                Import a session.v1 manifest document
  rollback <sessionId>         Revert a session (-dry-run, -skip-verify)
  delete <sessionId>           Delete a manifest and release its blobs
  recover                      Run the journal recovery sweep now
  gc                           Collect unreferenced blobs past the grace window
  stats                        Show blob store statistics
  journals                     List rollback journals
  help                         Show this help message

Options:
  -config <path>     Path to config file
  -workspace <dir>   Workspace directory (overrides config)`)
}

// env bundles the opened stores for one command invocation.
type env struct {
	cfg   *config.Config
	ws    *workspace.Root
	cat   catalog.Catalog
	blobs *blob.Store
}

func openEnv() (*env, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if *workspacePath != "" {
		cfg.Workspace.Root = *workspacePath
	}
	if cfg.Workspace.Root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cfg.Workspace.Root = cwd
	}

	ws, err := workspace.NewRoot(cfg.Workspace.Root, nil)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.OpenSQLite(cfg.CatalogPath(), catalog.SQLiteOptions{
		LockTimeout: time.Duration(cfg.Storage.WriterLockTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	blobs, err := blob.Open(cfg.BlobDir(), cat)
	if err != nil {
		cat.Close()
		return nil, err
	}

	return &env{cfg: cfg, ws: ws, cat: cat, blobs: blobs}, nil
}

func (e *env) close() { e.cat.Close() }

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "rewindctl: %v\n", err)
	switch {
	case errors.Is(err, catalog.ErrLockTimeout):
		return exitLockTimeout
	case errors.Is(err, rollback.ErrIntegrity), errors.Is(err, blob.ErrHashMismatch):
		return exitIntegrity
	default:
		return 1
	}
}

func cmdList(args []string) int {
	limit := 20
	if len(args) >= 1 {
		if _, err := fmt.Sscanf(args[0], "%d", &limit); err != nil || limit <= 0 {
			fmt.Fprintln(os.Stderr, "Usage: rewindctl list [n]")
			return exitBadArgs
		}
	}

	e, err := openEnv()
	if err != nil {
		return fail(err)
	}
	defer e.close()

	sessions, err := e.cat.ListSessions(e.ws.Key(), limit)
	if err != nil {
		return fail(err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded for this workspace.")
		return exitOK
	}

	for _, s := range sessions {
		started := time.UnixMilli(s.StartedAt).Local().Format("2006-01-02 15:04:05")
		dur := time.Duration(s.EndedAt-s.StartedAt) * time.Millisecond
		fmt.Printf("%s  %s  %-30s  %3d changes  %s\n",
			s.SessionID, started, s.Name, s.ChangeCount, dur.Round(time.Second))
	}
	return exitOK
}

func cmdShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the session.v1 wire form")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: rewindctl show [-json] <sessionId>")
		return exitBadArgs
	}

	e, err := openEnv()
	if err != nil {
		return fail(err)
	}
	defer e.close()

	m, err := e.cat.GetManifest(fs.Arg(0))
	if err != nil {
		return fail(err)
	}
	if m == nil {
		fmt.Fprintf(os.Stderr, "rewindctl: no session %s\n", fs.Arg(0))
		return 1
	}

	if *asJSON {
		data, err := manifest.EncodeWire(m)
		if err != nil {
			return fail(err)
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("Session:   %s\n", m.SessionID)
	fmt.Printf("Name:      %s\n", m.Name)
	fmt.Printf("Workspace: %s\n", m.WorkspaceKey)
	fmt.Printf("Started:   %s\n", time.UnixMilli(m.StartedAt).Local().Format(time.RFC3339))
	fmt.Printf("Duration:  %s\n", (time.Duration(m.EndedAt-m.StartedAt) * time.Millisecond).Round(time.Second))
	fmt.Printf("Triggers:  %v\n", m.Triggers)
	fmt.Printf("Tags:      %v\n", m.Tags)
	fmt.Printf("Changes:   %d\n", m.ChangeCount)
	for _, c := range m.Changes {
		line := fmt.Sprintf("  %-8s %s", c.Op, c.Path)
		if c.Op == manifest.OpRenamed {
			line += " (from " + c.FromPath + ")"
		}
		fmt.Println(line)
	}
	return exitOK
}

func cmdImport(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: rewindctl import <file>")
		return exitBadArgs
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fail(err)
	}
	m, err := manifest.DecodeWire(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rewindctl: %v\n", err)
		return exitBadArgs
	}

	e, err := openEnv()
	if err != nil {
		return fail(err)
	}
	defer e.close()

	// Imported manifests may only reference content already in the store.
	for _, digest := range m.Digests() {
		ok, err := e.blobs.Has(digest)
		if err != nil {
			return fail(err)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "rewindctl: blob %s not in store\n", digest)
			return exitIntegrity
		}
	}

	if err := e.cat.SaveManifest(m); err != nil {
		return fail(err)
	}
	for _, digest := range m.Digests() {
		e.blobs.IncRef(digest, 1)
	}
	fmt.Printf("Imported session %s (%d changes)\n", m.SessionID, m.ChangeCount)
	return exitOK
}

func cmdRollback(args []string) int {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report affected files without touching the workspace")
	skipVerify := fs.Bool("skip-verify", false, "skip staged-content verification")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: rewindctl rollback [-dry-run] [-skip-verify] <sessionId>")
		return exitBadArgs
	}

	e, err := openEnv()
	if err != nil {
		return fail(err)
	}
	defer e.close()

	m, err := e.cat.GetManifest(fs.Arg(0))
	if err != nil {
		return fail(err)
	}
	if m == nil {
		fmt.Fprintf(os.Stderr, "rewindctl: no session %s\n", fs.Arg(0))
		return 1
	}

	engine := rollback.NewEngine(e.blobs, e.ws, e.cfg.JournalDir(), e.cfg.StagingDir(), e.cat, nil)
	res, err := engine.Rollback(m, rollback.Options{
		DryRun:           *dryRun,
		SkipVerification: *skipVerify,
		OnProgress: func(path string, reverted bool) {
			if reverted {
				fmt.Printf("  reverted %s\n", path)
			} else {
				fmt.Printf("  skipped  %s\n", path)
			}
		},
	})
	if err != nil {
		return fail(err)
	}

	if *dryRun {
		fmt.Printf("Dry run: %d files would be affected\n", len(res.FilesReverted))
		for _, p := range res.FilesReverted {
			fmt.Printf("  %s\n", p)
		}
		return exitOK
	}

	fmt.Printf("Reverted %d files", len(res.FilesReverted))
	if len(res.FilesSkipped) > 0 {
		fmt.Printf(", skipped %d:\n", len(res.FilesSkipped))
		for _, s := range res.FilesSkipped {
			fmt.Printf("  %s: %s\n", s.Path, s.Reason)
		}
		return exitPartial
	}
	fmt.Println()
	return exitOK
}

func cmdDelete(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: rewindctl delete <sessionId>")
		return exitBadArgs
	}

	e, err := openEnv()
	if err != nil {
		return fail(err)
	}
	defer e.close()

	m, err := e.cat.DeleteSession(args[0])
	if err != nil {
		return fail(err)
	}
	if m == nil {
		fmt.Fprintf(os.Stderr, "rewindctl: no session %s\n", args[0])
		return 1
	}
	for _, digest := range m.Digests() {
		e.blobs.DecRef(digest, 1)
	}
	fmt.Printf("Deleted session %s (%d changes)\n", m.SessionID, m.ChangeCount)
	return exitOK
}

func cmdRecover(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "Usage: rewindctl recover")
		return exitBadArgs
	}

	e, err := openEnv()
	if err != nil {
		return fail(err)
	}
	defer e.close()

	sweeper := rollback.NewSweeper(e.cfg.JournalDir(),
		time.Duration(e.cfg.Rollback.JournalRetentionMs)*time.Millisecond, e.cat, nil)
	report := sweeper.Sweep(time.Now())
	orphans := 0
	if e.cfg.Rollback.SweepOrphanBackups {
		orphans = sweeper.SweepOrphans(e.ws.Dir(), nil)
	}

	fmt.Printf("Recovery sweep: %d journals cleared, %d backups restored, %d committed pruned, %d orphans removed\n",
		report.JournalsCleared, report.BackupsRestored, report.CommittedPruned, orphans)
	return exitOK
}

func cmdGC(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "Usage: rewindctl gc")
		return exitBadArgs
	}

	e, err := openEnv()
	if err != nil {
		return fail(err)
	}
	defer e.close()

	n, err := e.blobs.GC(time.Duration(e.cfg.Storage.BlobGraceMs) * time.Millisecond)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("Collected %d blobs\n", n)
	return exitOK
}

func cmdStats(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "Usage: rewindctl stats")
		return exitBadArgs
	}

	e, err := openEnv()
	if err != nil {
		return fail(err)
	}
	defer e.close()

	stats, err := e.blobs.Stats()
	if err != nil {
		return fail(err)
	}

	fmt.Printf("Blobs:         %d\n", stats.TotalBlobs)
	fmt.Printf("Uncompressed:  %s\n", humanize.IBytes(uint64(stats.TotalUncompressed)))
	fmt.Printf("Compressed:    %s\n", humanize.IBytes(uint64(stats.TotalCompressed)))
	fmt.Printf("Ratio:         %.2fx\n", stats.CompressionRatio)
	return exitOK
}

func cmdJournals(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "Usage: rewindctl journals")
		return exitBadArgs
	}

	e, err := openEnv()
	if err != nil {
		return fail(err)
	}
	defer e.close()

	rows, err := e.cat.ListJournals("")
	if err != nil {
		return fail(err)
	}

	pendingGlob := filepath.Join(e.cfg.JournalDir(), "pending", "*.json")
	pendingFiles, _ := filepath.Glob(pendingGlob)

	if len(rows) == 0 && len(pendingFiles) == 0 {
		fmt.Println("No rollback journals.")
		return exitOK
	}
	for _, r := range rows {
		created := time.UnixMilli(r.CreatedAt).Local().Format("2006-01-02 15:04:05")
		fmt.Printf("%s  %-11s  %s\n", r.SessionID, r.Status, created)
	}
	if len(pendingFiles) > 0 {
		fmt.Printf("%d pending journal file(s) on disk; run 'rewindctl recover'\n", len(pendingFiles))
	}
	return exitOK
}
