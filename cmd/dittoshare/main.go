package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/config"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/peer"
)

const usage = `dittoshare - capability-secured document sharing between peers

Usage:
  dittoshare <command> [flags]

Commands:
  init                       Write a sample configuration file
  serve                      Run the sync listener, partners and gc
  sync                       Sync once (or continuously) with one partner
  gc                         Erase unreferenced payloads now

  identity new <shortname>   Create an identity
  identity ls                List identities
  share new <shortname>      Create a share
  share ls                   List shares

  cap mint                   Mint a capability from a share secret
  cap delegate               Delegate a held capability
  cap import <token>         Import a capability token
  cap ls                     List capabilities

  doc set                    Write a document
  doc clear                  Replace a document with an empty one
  doc get                    Print the latest document at a path
  doc ls                     List documents

  drop keygen                Print a fresh drop encryption key
  drop create                Write a share's documents to a drop file
  drop ingest                Read a drop file into a share

Every command accepts --config <path>. The keyring password is read from
DITTOSHARE_PEER_PASSWORD.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1], os.Args[2:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func run(ctx context.Context, command string, args []string) error {
	switch command {
	case "init":
		return runInit(args)
	case "serve":
		return runServe(ctx, args)
	case "sync":
		return runSync(ctx, args)
	case "gc":
		return runGC(ctx, args)
	case "identity":
		return runIdentity(ctx, args)
	case "share":
		return runShare(ctx, args)
	case "cap":
		return runCap(ctx, args)
	case "doc":
		return runDoc(ctx, args)
	case "drop":
		return runDrop(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// exitCode maps error kinds to distinct exit statuses for scripting.
func exitCode(err error) int {
	if errors.Is(err, peer.ErrWrongPassword) {
		return 3
	}
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return 2
	case errs.KindAuthorisation:
		return 3
	default:
		return 1
	}
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/dittoshare/config.yaml)")
	return fs, configPath
}

// loadConfig loads the configuration and applies the logging section.
func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openPeer loads the configuration and unlocks the keyring without metrics.
func openPeer(ctx context.Context, configPath string) (*peer.Peer, *config.Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	p, err := config.OpenPeer(ctx, cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	return p, cfg, nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	force := fs.Bool("force", false, "Overwrite an existing config file")
	configPath := fs.String("config", "", "Where to write the file (default: $XDG_CONFIG_HOME/dittoshare/config.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		path string
		err  error
	)
	if *configPath != "" {
		path, err = config.InitConfigAt(*configPath, *force)
	} else {
		path, err = config.InitConfig(*force)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	fmt.Println("Set DITTOSHARE_PEER_PASSWORD before the first run; it protects the keyring.")
	return nil
}
