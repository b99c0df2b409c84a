package main

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alvmarrod/domain-enricher/internal/config"
	"github.com/alvmarrod/domain-enricher/internal/version"
)

// cli carries state shared by every command
type cli struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "enricher",
		Short:         "Find the INN and contact email behind supplier domains",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(c.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			c.cfg = cfg
			return configureLogging(cfg)
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (.json, .yaml or .yml)")

	root.AddCommand(
		newServeCmd(c),
		newRunCmd(c),
		newStatusCmd(c),
		newResetCmd(c),
		newResolveCmd(c),
		newSweepCmd(c),
		newExportCmd(c),
		newCorrectCmd(c),
		newLearningCmd(c),
	)
	return root
}

// configureLogging applies the process-wide logrus setup
func configureLogging(cfg *config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if level >= logrus.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	return nil
}
