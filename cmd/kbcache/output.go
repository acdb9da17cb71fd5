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
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")
)

// styles for human output. Rendering degrades to plain text when stdout is
// not a terminal.
var styles = struct {
	OK      lipgloss.Style
	Pending lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
}{
	OK:      lipgloss.NewStyle().Bold(true).Foreground(colorSuccess),
	Pending: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Bold(true).Foreground(colorError),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
}

// renderState colors an orchestrator state name.
func renderState(state string) string {
	switch state {
	case "succeeded", "cache_hit":
		return styles.OK.Render(state)
	case "failed":
		return styles.Error.Render(state)
	case "loading", "building":
		return styles.Pending.Render(state)
	default:
		return styles.Muted.Render(state)
	}
}

// printJSON writes v indented.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printCounts writes a two-column table sorted by name.
func printCounts(w io.Writer, counts map[string]int) error {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "  %s\t%d\n", name, counts[name])
	}
	return tw.Flush()
}
