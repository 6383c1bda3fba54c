package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"gitdht/commands"
	"gitdht/config"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
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

func loadConfig(configFile string, logLevel string) *config.Config {
	checkConfig(configFile)
	cfg, err := config.NewConfigFromFile(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// The command line wins over the config file
	if logLevel == "" {
		logLevel = cfg.Node.LogLevel
	}
	if logLevel != "" {
		setLogLevel(logLevel)
	}
	return cfg
}

// main is the entry point of the application.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "", "Log level, overrides the config file")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	registerGlobalFlags(initCmd)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	printContacts := serveCmd.Bool("print-contacts", false, "Log the routing table every 30 seconds")
	registerGlobalFlags(serveCmd)

	searchCmd := flag.NewFlagSet("search", flag.ExitOnError)
	searchRepo := searchCmd.String("repo", "", "Repository name")
	searchRef := searchCmd.String("ref", "", "Branch or full ref name")
	searchCommit := searchCmd.String("commit", "", "Commit id")
	searchTerm := searchCmd.String("term", "", "Raw search term, hashed into the key")
	searchEvery := searchCmd.Duration("every", 0, "Repeat the search with this period and print changes")
	registerGlobalFlags(searchCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	registerGlobalFlags(infoCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand: init, serve, search or info")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		if *logLevel != "" {
			setLogLevel(*logLevel)
		}
		cfg := config.NewEmptyConfig(*configFile)
		commands.RunInit(ctx, cfg)
	case "serve":
		serveCmd.Parse(args)
		cfg := loadConfig(*configFile, *logLevel)
		commands.RunServe(ctx, cfg, *printContacts)
	case "search":
		searchCmd.Parse(args)
		cfg := loadConfig(*configFile, *logLevel)
		commands.RunSearch(ctx, cfg, commands.SearchOptions{
			Repo:   *searchRepo,
			Ref:    *searchRef,
			Commit: *searchCommit,
			Term:   *searchTerm,
			Every:  *searchEvery,
		})
	case "info":
		infoCmd.Parse(args)
		cfg := loadConfig(*configFile, *logLevel)
		if cfg.Node.ID.IsZero() {
			log.Fatalf("No node ID in %s, run init or serve first", *configFile)
		}
		commands.RunInfo(ctx, cfg)
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}
