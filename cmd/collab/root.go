/*
Command collab runs and joins Prompt Studio collaboration rooms.

	collab serve             run the room broadcast server
	collab join <room>       edit a room's document from the terminal
	collab discover          list servers advertised on the local network
*/
package main

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"promptstudio/collab/config"
)

var (
	cfgFile string
	manager *config.Manager

	logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	rootCmd = &cobra.Command{
		Use:               "collab",
		Short:             "Real-time collaborative editing for Prompt Studio",
		Long:              longRoot,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
)

const longRoot = `collab keeps prompt documents in sync between editors.

A server relays document updates and presence between the members of a room
and keeps each room's merged state for late joiners. Servers can share rooms
through Redis and persist evicted rooms in BoltDB or Postgres.`

/*
Execute runs the root command.
*/
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"",
		"config file (default is $HOME/"+config.DirName+"/config.yml)",
	)
	rootCmd.AddCommand(serveCmd, joinCmd, discoverCmd)
}

/*
initConfig writes the default config file to the user's home directory if it
doesn't exist, then loads the configuration.
*/
func initConfig(cmd *cobra.Command, _ []string) error {
	if cfgFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path, written, err := config.WriteDefault(filepath.Join(home, config.DirName))
			switch {
			case err != nil:
				logger.Warn("could not write default config", "error", err)
			case written:
				logger.Info("wrote default config", "path", path)
			}
		}
	}

	m, err := config.NewManager(cfgFile)
	if err != nil {
		return err
	}
	manager = m
	logger.SetLevel(m.Get().LogLevel())
	if file := m.ConfigFile(); file != "" {
		logger.Debug("loaded config", "file", file)
	}
	return nil
}

// bindFlags lets the named flags of cmd override config keys.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, name := range keys {
		if err := manager.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}
