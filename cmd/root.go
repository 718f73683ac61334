// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"
)

var (
	configPath string
	dsn        string
	debug      bool
	logLevel   slog.LevelVar
)

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Use:   "go-btmesh",
	Short: "Client/provisioner node for the Bluetooth Mesh Profile",
	Long: `A provisioner-capable Bluetooth Mesh node: the network, transport
	and access layers, the Secure Network Beacon and IV-Index state machine,
	and the provisioning handshake.

	The demo subcommand exercises the whole stack against an in-process
	loopback bearer without any BLE hardware.
`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().Bool("debug", false, "Print debug contents")
	rootCmd.PersistentFlags().String("config", "", "Path to the mesh network configuration file")
	rootCmd.PersistentFlags().String("dsn", "", "SQLite DSN for the sequence/IV-index store")
}

// rootCmdLoadConfig binds the persistent flags through viper and applies
// the debug log level. This is called by the subcommands after their own
// flags are bound and the configuration file is loaded.
func rootCmdLoadConfig() error {
	if !viper.IsSet("dsn") {
		return errors.New("missing required sequence store path (--dsn)")
	}
	dsn = viper.GetString("dsn")
	configPath = viper.GetString("config")
	debug = viper.GetBool("debug")
	if debug {
		logLevel.Set(slog.LevelDebug)
	}
	return nil
}
