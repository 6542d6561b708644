// Command noded runs a node: the router, its listeners and the node
// manager, and persists a descriptor so that nodectl can reach it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/najoast/noderoute/bootstrap"
	"github.com/najoast/noderoute/config"
	"github.com/najoast/noderoute/logging"
)

var (
	configFile = flag.String("config", "", "path to config file (default: search ./, ./config, /etc/noderoute, ~/.noderoute)")
	nodeName   = flag.String("name", "", "node name, overrides node.name")
	port       = flag.Int("port", -1, "tcp listen port, overrides network.tcp.port")
	stateDir   = flag.String("state-dir", "", "state directory, overrides node.state_dir")
	watch      = flag.Bool("watch", true, "reload the log level and client timeout when the config file changes")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "noded: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	loader := config.NewLoader()

	path := *configFile
	if path == "" {
		if found, err := loader.FindConfigFile(); err == nil {
			path = found
		}
	}
	cfg, err := loader.Load(path)
	if err != nil {
		return err
	}
	applyFlags(cfg)

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	opts := []bootstrap.Option{bootstrap.WithLogger(logger)}

	if path != "" && *watch {
		watcher, err := config.NewWatcher(path, loader, config.WithWatcherLogger(logger.Logger))
		if err != nil {
			return err
		}
		opts = append(opts, bootstrap.WithWatcher(watcher))
	}

	app, err := bootstrap.NewApplication(cfg, opts...)
	if err != nil {
		return err
	}

	app.Logger().Info("Starting node",
		zap.String("node", cfg.Node.Name),
		zap.String("config", path),
		zap.String("environment", string(cfg.App.Environment)))

	return app.Run(context.Background())
}

// applyFlags overrides the loaded configuration with explicitly set flags.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.Node.Name = *nodeName
		case "port":
			cfg.Network.TCP.Port = *port
		case "state-dir":
			cfg.Node.StateDir = *stateDir
		}
	})
}
