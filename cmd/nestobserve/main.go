// nestobserve - stream smart-home device state from the vendor cloud
//
//	nestobserve run              Authenticate and observe until stopped (default)
//	nestobserve last             Print the last stored device tree
//	nestobserve check            Validate configuration and credentials
//	nestobserve import <file>    Convert a legacy plugin config to config.toml
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// Version is set at build time.
var Version = "dev"

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

// globalFlags apply to every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	verbose    bool
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&g.configPath, "config", "c", "", "configuration file (default: platform config dir)")
	fs.StringVar(&g.logLevel, "log-level", "", "override the configured log level")
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "log at debug level")
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "nestobserve: %v\n", err)
		code := 1
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			code = coder.ExitCode()
		}
		os.Exit(code)
	}
}

func run(args []string) error {
	cmd := "run"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		return cmdRun(args)
	case "last":
		return cmdLast(args)
	case "check":
		return cmdCheck(args)
	case "import":
		return cmdImport(args)
	case "version":
		fmt.Println("nestobserve", Version)
		return nil
	case "help":
		usage()
		return nil
	default:
		usage()
		return &exitError{code: 2, err: fmt.Errorf("unknown command %q", cmd)}
	}
}

// parseFlags parses args into fs, printing help on -h.
func parseFlags(fs *pflag.FlagSet, args []string) (help bool, err error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, &exitError{code: 2, err: err}
	}
	return false, nil
}

func usage() {
	fmt.Fprint(os.Stderr, `nestobserve - observe smart-home devices through the vendor cloud API

USAGE:
    nestobserve [command] [options]

COMMANDS:
    run                 Authenticate and stream device state (default)
    last                Print the last stored device tree
    check               Validate configuration and credentials
    import <file>       Convert a legacy plugin config file
    version             Print the version
    help                Show this help message

COMMON OPTIONS:
    -c, --config FILE   Configuration file
        --log-level L   debug, info, warn or error
    -v, --verbose       Same as --log-level debug

Credentials are read from auth.json in the configured search paths
(default "." then "/etc/secrets"):

    {"nestRefreshToken": "1//0g..."}
`)
}
