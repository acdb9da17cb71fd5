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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kbcache/services/kbcache/orchestrator"
)

var (
	ensureWait  bool
	ensureForce bool
)

var ensureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Load the knowledge base from cache or build it",
	Long: `Load the knowledge base for the current toolchain from the cache, or
build it when the cache is missing, stale or unreadable.

Without --wait the command prints the state it found and exits once any
background work has finished. With --wait it also reports the outcome and
fails if the build failed.

Examples:
  kbcache ensure --wait
  kbcache ensure --force --wait
  kbcache ensure --json --wait`,
	Args: cobra.NoArgs,
	RunE: runEnsure,
}

func init() {
	ensureCmd.Flags().BoolVarP(&ensureWait, "wait", "w", false, "Wait for the knowledge base to be ready")
	ensureCmd.Flags().BoolVarP(&ensureForce, "force", "f", false, "Rebuild even if a valid cache exists")
	rootCmd.AddCommand(ensureCmd)
}

func runEnsure(cmd *cobra.Command, _ []string) (err error) {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, s.close()) }()

	var p *orchestrator.Pending
	if ensureForce {
		p = s.svc.Rebuild(ctx)
	} else {
		p = s.svc.Ensure(ctx)
	}

	out := cmd.OutOrStdout()
	if !ensureWait {
		st := s.svc.Status()
		if jsonOutput {
			return printJSON(out, st)
		}
		fmt.Fprintf(out, "state: %s\n", renderState(st.State))
		return nil
	}

	res, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	persistErr := s.svc.WaitPersisted(ctx)

	if jsonOutput {
		if err := printJSON(out, s.svc.Status()); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "state:  %s\n", renderState(res.State.String()))
		if res.Source != "" {
			fmt.Fprintf(out, "source: %s\n", res.Source)
		}
		if res.Key.Profile != "" {
			fmt.Fprintf(out, "key:    %s\n", res.Key)
		}
		if st := s.svc.Status(); len(st.Facts) > 0 {
			fmt.Fprintln(out, "facts:")
			if err := printCounts(out, st.Facts); err != nil {
				return err
			}
		}
		if persistErr != nil {
			fmt.Fprintf(out, "%s %v\n", styles.Pending.Render("warning:"), persistErr)
		}
	}
	return res.Err
}
