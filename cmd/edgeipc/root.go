package main

import (
	"fmt"

	"github.com/danmuck/edgeipc/internal/config"
	"github.com/danmuck/edgeipc/internal/logging"
	"github.com/danmuck/edgeipc/internal/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	id         string
	network    string
	socketRoot string
	port       int
	timeout    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "edgeipc",
		Short:         "Local request/response IPC endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			if flags.logLevel == "" {
				return nil
			}
			lvl, ok := logging.ParseLevel(flags.logLevel)
			if !ok {
				return fmt.Errorf("unknown log level %q", flags.logLevel)
			}
			zerolog.SetGlobalLevel(lvl)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "endpoint config file (TOML)")
	pf.StringVar(&flags.id, "id", "", "endpoint id")
	pf.StringVar(&flags.network, "network", "", "transport network: unix|tcp")
	pf.StringVar(&flags.socketRoot, "socket-root", "", "directory holding unix sockets")
	pf.IntVar(&flags.port, "port", 0, "tcp port")
	pf.StringVar(&flags.timeout, "timeout", "", "request timeout (0 disables)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level override")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newCallCmd(flags))
	root.AddCommand(newConfigCmd())
	return root
}

// endpoint resolves the config file, if any, with changed flags layered on top.
func (f *rootFlags) endpoint(cmd *cobra.Command) (config.Endpoint, error) {
	opts := config.Options{}
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.Endpoint{}, err
		}
		opts = loaded
	}
	changed := cmd.Flags().Changed
	if changed("id") {
		opts[config.KeyID] = f.id
	}
	if changed("network") {
		opts[transport.KeyNetwork] = f.network
	}
	if changed("socket-root") {
		opts[transport.KeySocketRoot] = f.socketRoot
	}
	if changed("port") {
		opts[transport.KeyNetworkPort] = f.port
	}
	if changed("timeout") {
		opts[config.KeyTimeout] = f.timeout
		delete(opts, config.KeyTimeoutMS)
	}
	return config.Resolve(opts)
}
