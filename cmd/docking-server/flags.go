package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"dockingserver/internal/config"
)

// listFlag collects every occurrence of a repeatable flag.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// parseFlags overlays command-line flags onto cfg. Flags win over the
// environment; repeated receptor flags add to the environment lists.
func parseFlags(cfg *config.ServiceConfig, args []string, output io.Writer) error {
	fs := flag.NewFlagSet("docking-server", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.Addr, "a", cfg.Addr, "address to listen on")
	fs.StringVar(&cfg.Port, "p", cfg.Port, "port to listen on")
	fs.IntVar(&cfg.Workers, "n_jobs", cfg.Workers, "number of molecules docked concurrently")
	fs.StringVar(&cfg.ReceptorDir, "receptor_dir", cfg.ReceptorDir, "directory client receptor paths are read from")

	var receptors, named listFlag
	fs.Var(&receptors, "receptors", "receptor file to preload, named after its file stem (repeatable)")
	fs.Var(&receptors, "receptor", "alias for -receptors")
	fs.Var(&named, "named_receptors", "receptor to preload as path:name (repeatable)")
	fs.Var(&named, "named-receptor", "alias for -named_receptors")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("-n_jobs must be at least 1, got %d", cfg.Workers)
	}

	cfg.Receptors = append(cfg.Receptors, receptors...)
	cfg.NamedReceptors = append(cfg.NamedReceptors, named...)
	return nil
}
