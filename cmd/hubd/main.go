// Command hubd is the daemon entrypoint: it loads configuration, opens
// every store, wires the subsystems together, and serves the control
// socket until signaled to stop. Grounded on cmd/goclaw/main.go's
// signal.NotifyContext shutdown idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ylcn91/agentctl/internal/account"
	"github.com/ylcn91/agentctl/internal/config"
	"github.com/ylcn91/agentctl/internal/daemon"
	"github.com/ylcn91/agentctl/internal/wire"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemonCommand(os.Args[2:])
	case "config":
		runConfigCommand(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  hubd daemon start [--config path]
  hubd daemon status [--config path]
  hubd config reload [--config path]`)
}

func runDaemonCommand(args []string) {
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	_ = fs.Parse(args[1:])

	switch args[0] {
	case "start":
		startDaemon(*configPath)
	case "status":
		statusDaemon(*configPath)
	default:
		usage()
		os.Exit(2)
	}
}

func runConfigCommand(args []string) {
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	_ = fs.Parse(args[1:])

	switch args[0] {
	case "reload":
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		b, _ := yaml.Marshal(cfg)
		fmt.Println(string(b))
	default:
		usage()
		os.Exit(2)
	}
}

func startDaemon(configPath string) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err)
	}

	accounts := account.NewRegistry(toAccounts(cfg.Accounts))

	d, err := daemon.New(cfg, configPath, accounts, logger)
	if err != nil {
		fatal(err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Error("error closing daemon stores", "error", err)
		}
	}()

	listener, err := wire.Listen(cfg.Socket)
	if err != nil {
		fatal(err)
	}
	defer listener.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("hubd listening", "socket", cfg.Socket)
	if err := d.Run(ctx, listener); err != nil {
		fatal(err)
	}
	logger.Info("hubd stopped")
}

func statusDaemon(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err)
	}
	conn, err := net.DialTimeout("unix", cfg.Socket, 2*time.Second)
	if err != nil {
		fmt.Printf("socket: %s\nstatus: not running (%v)\n", cfg.Socket, err)
		os.Exit(1)
	}
	_ = conn.Close()
	fmt.Printf("socket: %s\nstatus: running\n", cfg.Socket)
}

func toAccounts(configured []config.AccountConfig) []account.Account {
	out := make([]account.Account, 0, len(configured))
	for _, a := range configured {
		out = append(out, account.Account{
			Name: a.Name, Label: a.Label, Color: a.Color,
			ConfigDir: a.ConfigDir, Provider: a.Provider,
		})
	}
	return out
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "hubd:", err)
	os.Exit(1)
}
