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
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kbcache/services/kbcache/config"
)

var historyLimit int

var pathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the manifest path for the current toolchain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, s.close()) }()

		key, path, err := s.svc.Path(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]string{"key": key.String(), "path": path})
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarize the cached manifest without loading it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, s.close()) }()

		info, err := s.svc.Inspect(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, info)
		}
		fmt.Fprintf(out, "path:     %s\n", info.Path)
		fmt.Fprintf(out, "format:   %s\n", info.FormatVersion)
		fmt.Fprintf(out, "built:    %s\n", info.BuiltAt.Format(time.RFC3339))
		fmt.Fprintf(out, "modules:  %d\n", info.Modules)
		fmt.Fprintf(out, "files:    %d\n", info.Files)
		fmt.Fprintf(out, "warnings: %d\n", len(info.Warnings))
		fmt.Fprintln(out, "tables:")
		return printCounts(out, info.Tables)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached manifest of the project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, s.close()) }()

		removed, err := s.svc.Clear()
		if jsonOutput {
			if perr := printJSON(cmd.OutOrStdout(), map[string][]string{"removed": removed}); perr != nil {
				return perr
			}
			return err
		}
		for _, p := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", p)
		}
		return err
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent knowledge base builds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, s.close()) }()

		entries, err := s.svc.History(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, entries)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tSTATE\tDURATION\tTASK\tREASON")
		for _, e := range entries {
			dur := "-"
			if e.Finished() {
				dur = e.FinishedAt.Sub(e.StartedAt).Round(time.Millisecond).String()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				e.StartedAt.Format(time.RFC3339), e.State, dur, e.TaskID, e.Reason)
		}
		return tw.Flush()
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default .kbcache.yaml into the project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		root, err := filepath.Abs(projectRoot)
		if err != nil {
			return err
		}
		path := configPath
		if path == "" {
			path = filepath.Join(root, config.FileName)
		}
		created, err := config.WriteDefault(root, path)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of entries")
	rootCmd.AddCommand(pathCmd, inspectCmd, clearCmd, historyCmd, initCmd)
}
