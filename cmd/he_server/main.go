package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/halilibrahimkanpak/he_inference/config"
	"github.com/halilibrahimkanpak/he_inference/he"
	"github.com/halilibrahimkanpak/he_inference/server"
)

func usage() {
	fmt.Println("Usage: he_server [serve|params] [options]")
	fmt.Println("  serve -config <file>       - Serve the program described in <file>")
	fmt.Println("  serve -addr <host:port>    - Override the listen address")
	fmt.Println("  params -set <name>         - Print a parameter set")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = serve(os.Args[2:])
	case "params":
		err = params(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(args []string) error {
	var configPath, addr string
	var verbose bool

	flagSet := flag.NewFlagSet("serve", flag.ExitOnError)
	flagSet.StringVar(&configPath, "config", "server.yaml", "Server configuration file")
	flagSet.StringVar(&addr, "addr", "", "Listen address")
	flagSet.BoolVar(&verbose, "v", false, "Verbose output")
	flagSet.Parse(args)

	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Address = addr
	}
	cfg.Verbose = cfg.Verbose || verbose

	program, err := cfg.Program()
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		Program:        program,
		ParameterSet:   he.ParameterSetIdentifier(cfg.ParameterSet),
		ComplexPacking: cfg.ComplexPacking,
		Verbose:        cfg.Verbose,
		Logger:         log.New(os.Stderr, "server: ", log.LstdFlags),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ln, err := server.Listen(ctx, cfg.Address)
	if err != nil {
		return err
	}
	log.Printf("listening on %s (%s, batch %d, %d ops)",
		ln.Addr(), cfg.ParameterSet, program.BatchSize, len(program.Ops))
	return srv.Serve(ctx, ln)
}

func params(args []string) error {
	var set string

	flagSet := flag.NewFlagSet("params", flag.ExitOnError)
	flagSet.StringVar(&set, "set", string(he.DefaultSet), "Parameter set name")
	flagSet.Parse(args)

	ps, err := he.LookupParameterSet(he.ParameterSetIdentifier(set))
	if err != nil {
		return err
	}
	p, err := he.NewParameters(ps.Name)
	if err != nil {
		return err
	}
	fp, err := he.Fingerprint(p)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s): logN=%d slots=%d levels=%d logQP=%.1f scale=2^%d security=%d bits\n",
		ps.Name, fp, p.LogN(), p.MaxSlots(), p.MaxLevel()+1, p.LogQP(),
		ps.Literal.LogDefaultScale, ps.Security)
	return nil
}
