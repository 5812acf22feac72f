package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coreospkg/tinykernel/internal/kconfig"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
)

var rootCmd = &cobra.Command{
	Use:   "tinykernel [flags] -- program [args...]",
	Short: "Boot the teaching kernel and load a program as its first process",
	Long: `tinykernel boots a disk image through the filesystem, virtual memory
and process layers of a small teaching kernel and loads the named
program as its first process, exercising the executable loader and
initial stack setup the way a real kernel's execve does.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		return runKernel(args)
	},
}

// Execute runs the root command, exiting the process on error the way a
// CLI entry point ordinarily does.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = kconfig.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("tinykernel: reading config file: %w", err)
	}
}
