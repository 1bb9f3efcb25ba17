package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"nestobserve/internal/config"
	"nestobserve/internal/credentials"
	"nestobserve/internal/store"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// cmdLast prints the newest stored tree, or a listing of recent
// snapshots or cycles.
func cmdLast(args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("last", pflag.ContinueOnError)
	g.register(fs)
	user := fs.String("user", "", "only snapshots of this user id")
	cycles := fs.Int("cycles", 0, "print the last N observe cycles instead")
	history := fs.Int("history", 0, "list the last N snapshots instead")
	fromState := fs.Bool("state-file", false, "read the state file instead of the database")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	_, cfg, err := loadConfig(&g)
	if err != nil {
		return err
	}

	if *fromState {
		tree, err := store.ReadStateFile(cfg.Storage.StateFile)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, tree)
	}

	st, err := store.Open(cfg.Storage.Path, store.Options{BusyTimeout: config.Millis(cfg.Storage.BusyTimeoutMs)})
	if err != nil {
		return err
	}
	defer st.Close()

	if *cycles > 0 {
		list, err := st.Cycles(*cycles)
		if err != nil {
			return err
		}
		for _, c := range list {
			fmt.Printf("%s  gen=%-5d reason=%-18s status=%-3d frames=%-6d %s\n",
				c.EndedAt.Format("2006-01-02 15:04:05"), c.Generation, c.Reason, c.Status, c.Frames, c.Error)
		}
		return nil
	}

	if *history > 0 {
		list, err := st.History(*history)
		if err != nil {
			return err
		}
		for _, snap := range list {
			fmt.Printf("%-6d %s  user=%s gen=%d devices=%d\n",
				snap.ID, snap.TakenAt.Format("2006-01-02 15:04:05"), snap.UserID, snap.Generation, snap.DeviceCount)
		}
		return nil
	}

	snap, err := st.Latest(*user)
	if errors.Is(err, store.ErrNoSnapshot) {
		return &exitError{code: 4, err: err}
	}
	if err != nil {
		return err
	}
	tree, err := snap.Tree()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "snapshot %d of user %s taken %s (generation %d, %d devices)\n",
		snap.ID, snap.UserID, snap.TakenAt.Format("2006-01-02 15:04:05"), snap.Generation, snap.DeviceCount)
	return printJSON(os.Stdout, tree)
}

// cmdCheck validates the configuration, the credentials file and the
// snapshot database without connecting anywhere.
func cmdCheck(args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	g.register(fs)
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	path := g.configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	failed := false
	report := func(ok bool, format string, a ...any) {
		mark := "ok  "
		if !ok {
			mark = "FAIL"
			failed = true
		}
		fmt.Printf("[%s] %s\n", mark, fmt.Sprintf(format, a...))
	}

	if path == "" {
		fmt.Println("[info] no config file, using defaults")
	} else {
		fmt.Printf("[info] config %s\n", path)
	}
	issues := config.Check(cfg)
	for _, w := range issues.Warnings() {
		fmt.Printf("[warn] %s: %s\n", w.Field, w.Message)
	}
	for _, e := range issues.Errors() {
		report(false, "%s: %s", e.Field, e.Message)
	}
	if !issues.HasErrors() {
		report(true, "configuration valid")
	}

	file, err := credentials.Load(cfg.Credentials.Paths)
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		fmt.Printf("[info] no %s in %v\n", credentials.FileName, cfg.Credentials.Paths)
	case err != nil:
		report(false, "credentials: %v", err)
	default:
		flow := "legacy token"
		if file.RefreshFlow() {
			flow = "refresh token"
		}
		report(true, "credentials %s (%s)", file.Path, flow)
	}
	if _, err := authConfig(cfg, file); err != nil {
		report(false, "auth: %v", err)
	}

	if _, err := os.Stat(cfg.Storage.Path); err == nil {
		checkStore(cfg, report)
	} else {
		fmt.Printf("[info] no database at %s yet\n", cfg.Storage.Path)
	}

	if failed {
		return &exitError{code: 1, err: errors.New("check failed")}
	}
	return nil
}

func checkStore(cfg *config.Config, report func(bool, string, ...any)) {
	st, err := store.Open(cfg.Storage.Path, store.Options{BusyTimeout: config.Millis(cfg.Storage.BusyTimeoutMs)})
	if err != nil {
		report(false, "database: %v", err)
		return
	}
	defer st.Close()

	if err := store.ValidateSchema(st.DB()); err != nil {
		report(false, "database schema: %v", err)
		return
	}
	status, err := store.GetMigrationStatus(st.DB())
	if err != nil {
		report(false, "database migrations: %v", err)
		return
	}
	report(len(status.Pending) == 0, "database schema v%d of v%d", status.CurrentVersion, status.LatestVersion)

	bad, err := st.VerifyAllSnapshots()
	if err != nil {
		report(false, "verify snapshots: %v", err)
		return
	}
	report(len(bad) == 0, "snapshot integrity (%d corrupt)", len(bad))

	if stats, err := st.GetStats(); err == nil {
		fmt.Printf("[info] %d snapshots, %d cycles\n", stats.Snapshots, stats.Cycles)
	}
}

// cmdImport converts a legacy plugin JSON config.
func cmdImport(args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("import", pflag.ContinueOnError)
	g.register(fs)
	out := fs.StringP("output", "o", config.ConfigPath(), "where to write the new config")
	force := fs.Bool("force", false, "overwrite an existing file")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return &exitError{code: 2, err: errors.New("usage: nestobserve import <legacy-config.json>")}
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	cfg, warnings, err := config.MigrateLegacyConfig(data)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s exists, use --force to overwrite", *out)
	}
	if err := os.MkdirAll(filepath.Dir(*out), 0o700); err != nil {
		return err
	}
	if err := config.SaveConfig(cfg, *out); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *out)
	return nil
}
