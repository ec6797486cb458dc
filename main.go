package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/fzft/agent-ipc/cmd"
	"github.com/fzft/agent-ipc/config"
	"github.com/fzft/agent-ipc/log"
	"github.com/fzft/agent-ipc/server"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "cli" {
		if err := cmd.NewCli().Run(os.Args[2:], Version()); err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			os.Exit(1)
		}
		return
	}
	os.Exit(serve(os.Args[1:]))
}

func serve(args []string) int {
	fs := flag.NewFlagSet("agent-ipc", flag.ContinueOnError)
	configFile := fs.String("c", "", "path of the YAML config file")
	showVersion := fs.Bool("v", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		fmt.Printf("agent-ipc %s build=%s\n", Version(), BuildIDRaw())
		return 0
	}

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			return 1
		}
	}

	if err := log.InitLogger(cfg.Log.Level, cfg.Log.Development); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return 1
	}
	defer log.Sync()

	log.Logger.Info("starting agent-ipc", zap.String("version", Version()),
		zap.String("type", cfg.IPC.Type), zap.Int("endpoints", len(cfg.IPC.Endpoints)))

	if err := server.New(cfg).Run(context.Background()); err != nil {
		log.Logger.Error("server exited", zap.Error(err))
		return 1
	}
	return 0
}
