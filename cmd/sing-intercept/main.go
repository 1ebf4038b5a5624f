package main

import (
	"os"

	"github.com/sagernet/sing-intercept/log"

	"github.com/spf13/cobra"
)

var configPath string

var mainCommand = &cobra.Command{
	Use: "sing-intercept",
}

func init() {
	mainCommand.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "set configuration file path")
	mainCommand.AddCommand(commandRun)
}

func main() {
	if err := mainCommand.Execute(); err != nil {
		log.NewDefaultFactory().Logger().Error(err)
		os.Exit(1)
	}
}
