// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianConcierge/pkg/logging"
	"github.com/AleutianAI/AleutianConcierge/services/concierge"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/security"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "concierge",
		Short:         "Conversational resume assistant",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONCIERGE_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
	concierge.RegisterFlags(serveCmd.Flags())

	var force bool
	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Embed the resume into the vector index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIndex(cmd, force)
		},
	}
	indexCmd.Flags().BoolVar(&force, "force", false, "drop and rebuild the index")
	concierge.RegisterFlags(indexCmd.Flags())

	patternsCmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect the injection pattern table",
	}
	var sample string
	checkCmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Compile a pattern table (default: built in) and optionally screen --text",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatternsCheck(cmd.OutOrStdout(), args, sample)
		},
	}
	checkCmd.Flags().StringVar(&sample, "text", "", "message to screen against the table")
	patternsCmd.AddCommand(checkCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(serveCmd, indexCmd, patternsCmd, versionCmd)
	return root
}

// loadConfig layers file, env and the command's flags.
func loadConfig(cmd *cobra.Command) (concierge.Config, error) {
	cfg, err := concierge.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if err := concierge.ApplyFlags(cmd.Flags(), &cfg); err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cfg.Debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func setupLogging(cfg concierge.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format := logging.FormatAuto
	if cfg.Logging.JSON {
		format = logging.FormatJSON
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		Dir:     cfg.Logging.Dir,
		Service: concierge.ServiceName,
		Format:  format,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger.Slog())
	return logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	svc, err := concierge.New(cfg, concierge.Options{Version: version})
	if err != nil {
		slog.Error("Failed to start concierge", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Run(ctx); err != nil {
		slog.Error("Concierge stopped with error", "error", err)
		return err
	}
	slog.Info("Concierge stopped")
	return nil
}

func runIndex(cmd *cobra.Command, force bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	report, err := concierge.IndexKnowledge(ctx, cfg, force)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runPatternsCheck(out io.Writer, args []string, sample string) error {
	data := security.DefaultPatterns
	source := "built-in"
	if len(args) == 1 {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		data, source = raw, args[0]
	}
	pf, err := security.LoadPatterns(data)
	if err != nil {
		return err
	}
	filter := security.NewFromPatterns(pf, "")

	total := 0
	for _, c := range pf.Categories {
		total += len(c.Patterns)
	}
	fmt.Fprintf(out, "%s: %d categories, %d patterns, %d leak markers\n",
		source, len(pf.Categories), total, len(pf.LeakMarkers))
	for _, name := range filter.Categories() {
		fmt.Fprintf(out, "  - %s\n", name)
	}
	if sample == "" {
		return nil
	}
	assessment := filter.PreCheck(sample)
	fmt.Fprintf(out, "screen: %s\n", assessment.Tag)
	for _, d := range assessment.Detections {
		fmt.Fprintf(out, "  %s/%s (%s)\n", d.Category, d.PatternID, d.Confidence)
	}
	return nil
}
