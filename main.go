package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"difs/commands"
	"difs/config"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string, verbose bool) {
	if verbose {
		level = "debug"
	}
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

func loadConfig(path string) *config.Config {
	checkConfig(path)
	cfg, err := config.NewConfigFromFile(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "info", "Log level")
	verbose := flag.Bool("v", false, "Verbose output (same as -loglevel debug)")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	registerGlobalFlags(initCmd)

	putCmd := flag.NewFlagSet("put", flag.ExitOnError)
	putDigest := putCmd.Bool("D", false, "Sign segments with a bare SHA-256 digest")
	putChain := putCmd.Bool("H", false, "Link segments with a backward hash chain")
	putBlake := putCmd.Bool("B", false, "Use BLAKE2s for the chain digest")
	putDataIdent := putCmd.String("i", "", "Identity for signing data segments")
	putCmdIdent := putCmd.String("I", "", "Identity for signing command requests")
	putFreshness := putCmd.Duration("x", 0, "Freshness period of published segments")
	putLifetime := putCmd.Duration("l", 0, "Command request lifetime")
	putTimeout := putCmd.Duration("w", 0, "Overall timeout for the insert handshake")
	putBlockSize := putCmd.Uint64("s", 0, "Segment block size in bytes")
	registerGlobalFlags(putCmd)

	getCmd := flag.NewFlagSet("get", flag.ExitOnError)
	getCmdIdent := getCmd.String("I", "", "Identity for signing command requests")
	getLifetime := getCmd.Duration("l", 0, "Request lifetime")
	registerGlobalFlags(getCmd)

	deleteCmd := flag.NewFlagSet("delete", flag.ExitOnError)
	delCmdIdent := deleteCmd.String("I", "", "Identity for signing command requests")
	delLifetime := deleteCmd.Duration("l", 0, "Request lifetime")
	registerGlobalFlags(deleteCmd)

	delnodeCmd := flag.NewFlagSet("delnode", flag.ExitOnError)
	dnCmdIdent := delnodeCmd.String("I", "", "Identity for signing command requests")
	dnLifetime := delnodeCmd.Duration("l", 0, "Request lifetime")
	registerGlobalFlags(delnodeCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	infoCmdIdent := infoCmd.String("I", "", "Identity for signing command requests")
	registerGlobalFlags(infoCmd)

	ringinfoCmd := flag.NewFlagSet("ringinfo", flag.ExitOnError)
	ringCmdIdent := ringinfoCmd.String("I", "", "Identity for signing command requests")
	registerGlobalFlags(ringinfoCmd)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	registerGlobalFlags(serveCmd)

	testCmd := flag.NewFlagSet("test", flag.ExitOnError)
	registerGlobalFlags(testCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel, *verbose)
		cfg := config.NewEmptyConfig(*configFile)
		commands.RunInit(ctx, cfg)
	case "put":
		putCmd.Parse(args)
		setLogLevel(*logLevel, *verbose)
		if putCmd.NArg() < 1 {
			log.Fatal("Usage: put [options] <name> [file]")
		}
		file := "-"
		if putCmd.NArg() > 1 {
			file = putCmd.Arg(1)
		}
		commands.RunPut(ctx, loadConfig(*configFile), commands.PutOptions{
			Name:            putCmd.Arg(0),
			File:            file,
			Digest:          *putDigest,
			HashChain:       *putChain,
			Blake2s:         *putBlake,
			DataIdentity:    *putDataIdent,
			CommandIdentity: *putCmdIdent,
			Freshness:       *putFreshness,
			Lifetime:        *putLifetime,
			Timeout:         *putTimeout,
			BlockSize:       *putBlockSize,
		})
	case "get":
		getCmd.Parse(args)
		setLogLevel(*logLevel, *verbose)
		if getCmd.NArg() < 1 {
			log.Fatal("Usage: get [options] <name> [output]")
		}
		output := "-"
		if getCmd.NArg() > 1 {
			output = getCmd.Arg(1)
		}
		commands.RunGet(ctx, loadConfig(*configFile), commands.GetOptions{
			Name:            getCmd.Arg(0),
			Output:          output,
			CommandIdentity: *getCmdIdent,
			Lifetime:        *getLifetime,
		})
	case "delete":
		deleteCmd.Parse(args)
		setLogLevel(*logLevel, *verbose)
		if deleteCmd.NArg() != 1 {
			log.Fatal("Usage: delete [options] <name>")
		}
		commands.RunDelete(ctx, loadConfig(*configFile), commands.ControlOptions{
			Name:            deleteCmd.Arg(0),
			CommandIdentity: *delCmdIdent,
			Lifetime:        *delLifetime,
		})
	case "delnode":
		delnodeCmd.Parse(args)
		setLogLevel(*logLevel, *verbose)
		if delnodeCmd.NArg() != 2 {
			log.Fatal("Usage: delnode [options] <from-oid> <to-oid>")
		}
		commands.RunDelNode(ctx, loadConfig(*configFile), commands.ControlOptions{
			From:            delnodeCmd.Arg(0),
			To:              delnodeCmd.Arg(1),
			CommandIdentity: *dnCmdIdent,
			Lifetime:        *dnLifetime,
		})
	case "info":
		infoCmd.Parse(args)
		setLogLevel(*logLevel, *verbose)
		commands.RunInfo(ctx, loadConfig(*configFile), commands.ControlOptions{
			CommandIdentity: *infoCmdIdent,
		})
	case "ringinfo":
		ringinfoCmd.Parse(args)
		setLogLevel(*logLevel, *verbose)
		commands.RunRingInfo(ctx, loadConfig(*configFile), commands.ControlOptions{
			CommandIdentity: *ringCmdIdent,
		})
	case "serve":
		serveCmd.Parse(args)
		setLogLevel(*logLevel, *verbose)
		commands.RunServe(ctx, loadConfig(*configFile))
	case "test":
		testCmd.Parse(args)
		setLogLevel(*logLevel, *verbose)
		commands.RunTest(ctx, loadConfig(*configFile))
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}
