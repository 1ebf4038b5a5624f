package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sagernet/sing-intercept/adapter"
	"github.com/sagernet/sing-intercept/experimental/controlapi"
	"github.com/sagernet/sing-intercept/log"
	"github.com/sagernet/sing-intercept/modules"
	"github.com/sagernet/sing-intercept/option"
	"github.com/sagernet/sing-intercept/pipeline"
	"github.com/sagernet/sing-intercept/proxy"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/spf13/cobra"
)

var commandRun = &cobra.Command{
	Use:   "run",
	Short: "Run the intercepting relay",
	Run: func(cmd *cobra.Command, args []string) {
		err := run()
		if err != nil {
			log.NewDefaultFactory().Logger().Error(err)
			os.Exit(1)
		}
	},
}

func run() error {
	options, err := option.ReadOptions(configPath)
	if err != nil {
		return err
	}

	logFactory, err := newLogFactory(common.PtrValueOrDefault(options.Log))
	if err != nil {
		return err
	}
	defer logFactory.Close()

	manager := pipeline.NewManager()
	if options.Modules != nil {
		err = registerModules(manager, logFactory, *options.Modules)
		if err != nil {
			return err
		}
	}

	ctx := context.Background()
	service, err := proxy.New(ctx, logFactory, manager, options.Proxy)
	if err != nil {
		return err
	}

	var services []adapter.Service
	if options.API != nil && options.API.Listen != "" {
		services = append(services, controlapi.NewServer(logFactory, service, manager, *options.API))
	}
	services = append(services, service)

	for _, it := range services {
		err = it.Start()
		if err != nil {
			for _, started := range services {
				started.Close()
			}
			return err
		}
	}

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
	<-osSignals
	signal.Stop(osSignals)

	var closeErr error
	for _, it := range services {
		closeErr = E.Errors(closeErr, it.Close())
	}
	return closeErr
}

func newLogFactory(options option.LogOptions) (log.Factory, error) {
	var writer io.Writer = os.Stderr
	if options.Disabled {
		writer = nil
	} else if options.Output != "" {
		outputFile, err := os.OpenFile(options.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, E.Cause(err, "open log output")
		}
		writer = outputFile
	}
	factory := log.NewFactory(log.Formatter{DisableTimestamp: options.DisableTimestamp}, writer)
	if options.Level != "" {
		level, err := log.ParseLevel(options.Level)
		if err != nil {
			return nil, err
		}
		factory.SetLevel(level)
	}
	return factory, nil
}

func registerModules(manager *pipeline.Manager, logFactory log.Factory, options option.ModuleOptions) error {
	for _, direction := range []pipeline.Direction{pipeline.DirectionClient, pipeline.DirectionServer} {
		var names []string
		if direction == pipeline.DirectionClient {
			names = options.Client
		} else {
			names = options.Server
		}
		for _, name := range names {
			module, err := modules.New(name, logFactory.NewLogger("module/"+name))
			if err != nil {
				return E.Cause(err, "load ", direction, " modules")
			}
			manager.Register(direction, module)
		}
	}
	return nil
}
