// Package cmd implements the mltornado command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lidadreamer/ML-tornado/config"
	"github.com/lidadreamer/ML-tornado/logger"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "mltornado",
	Short: "Online-learning classification service",
	Long: `mltornado collects labeled feature vectors per dataset, retrains a
classifier on demand and serves predictions from the latest model.

Available commands:
  serve   - Start the HTTP server
  train   - Retrain one dataset and print its resubstitution accuracy
  models  - List the models stored in the registry

Examples:
  mltornado serve --config config.yaml
  mltornado train --dsid 3 --classifier 0
  mltornado models --json`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level from the config file")

	rootCmd.AddCommand(ServeCmd)
	rootCmd.AddCommand(TrainCmd)
	rootCmd.AddCommand(ModelsCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and builds the logger it describes.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
