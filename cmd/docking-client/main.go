// docking-client submits molecules to a docking server, waits for them and
// prints the outcomes as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dockingserver/internal/api"
	"dockingserver/internal/client"
	"dockingserver/internal/config"
	"dockingserver/internal/job"
	"dockingserver/internal/receptor"
)

const defaultSMILES = "CC(C)[C@H](C(=O)[O-])NC(=O)CCCCSc1c2c([nH]cn2)nc(n1)N"

type options struct {
	addr       string
	port       string
	smiles     []string
	receptor   string
	name       string
	serverPath bool
	poll       time.Duration
	apiKey     string
}

type smilesFlag []string

func (s *smilesFlag) String() string     { return strings.Join(*s, ",") }
func (s *smilesFlag) Set(v string) error { *s = append(*s, v); return nil }

func parseFlags(args []string, output io.Writer) (*options, error) {
	fs := flag.NewFlagSet("docking-client", flag.ContinueOnError)
	fs.SetOutput(output)

	opts := &options{}
	var smiles smilesFlag
	fs.StringVar(&opts.addr, "a", config.GetEnv("DOCKING_HOST", "localhost"), "server address")
	fs.StringVar(&opts.port, "p", config.GetEnv("DOCKING_PORT", "8080"), "server port")
	fs.Var(&smiles, "s", "SMILES to dock (repeatable; several make a batch)")
	fs.StringVar(&opts.receptor, "r", "", "receptor file")
	fs.StringVar(&opts.name, "n", "", "receptor name (default: file stem of -r)")
	fs.BoolVar(&opts.serverPath, "server-path", false, "send -r as a path on the server instead of uploading it")
	fs.DurationVar(&opts.poll, "poll", 2*time.Second, "status poll interval")
	apiKeyFile := fs.String("api-key-file", config.GetEnv("API_KEY_FILE", ""), "file holding the bearer token")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.smiles = smiles
	if len(opts.smiles) == 0 {
		opts.smiles = []string{defaultSMILES}
	}
	if opts.name == "" && opts.receptor != "" {
		opts.name = receptor.NameFromPath(opts.receptor)
	}
	if opts.name == "" {
		return nil, errors.New("either -r or -n is required")
	}
	opts.apiKey = config.GetSecretFile(*apiKeyFile)
	return opts, nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Docking failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	ref, err := receptorRef(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		URL:          "http://" + net.JoinHostPort(opts.addr, opts.port),
		APIKey:       opts.apiKey,
		PollInterval: opts.poll,
	})

	var id job.ID
	if len(opts.smiles) == 1 {
		id, err = c.SubmitOne(ctx, opts.smiles[0], opts.name, ref, nil)
	} else {
		id, err = c.Submit(ctx, opts.smiles, opts.name, ref, nil)
	}
	if err != nil {
		return err
	}
	slog.Info("Query submitted", "jobId", id, "items", len(opts.smiles), "receptor", opts.name)

	outcomes, err := c.Wait(ctx, id)
	if err != nil {
		return fmt.Errorf("query %s: %w", id, err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if len(opts.smiles) == 1 && len(outcomes) == 1 {
		return enc.Encode(outcomes[0])
	}
	return enc.Encode(outcomes)
}

func receptorRef(opts *options) (api.ReceptorRef, error) {
	switch {
	case opts.receptor == "":
		return api.ReceptorRef{}, nil
	case opts.serverPath:
		return api.ReceptorRef{Path: opts.receptor}, nil
	}
	data, err := os.ReadFile(opts.receptor)
	if err != nil {
		return api.ReceptorRef{}, fmt.Errorf("read receptor: %w", err)
	}
	return api.ReceptorRef{Data: data}, nil
}
