// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/opdispatch/backends"
	"github.com/pbnjay/memory"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// PrintReport writes the summary of the machine and a table per step of the sweep.
func PrintReport(w io.Writer, backend backends.Backend, report *Report) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	summary := newPlainTable(false)
	summary.Row("scenario", report.Scenario)
	summary.Row("backend", backend.Description())
	summary.Row("# cpus", humanize.Comma(int64(runtime.NumCPU())))
	summary.Row("memory", humanize.Bytes(memory.TotalMemory()))
	summary.Row("# fused nodes", humanize.Comma(int64(report.Fused)))
	summary.Row("# sweep steps", humanize.Comma(int64(len(report.Steps))))
	_, _ = fmt.Fprintln(w, summary.Render())

	for stepIdx, step := range report.Steps {
		_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Step #%d: %v (prepared in %s)", stepIdx, step.Shapes, step.Prepare)))
		table := newPlainTable(true).
			Headers("node", "op", "variant", "fused", "unfused", "dispatch", "plan", "build", "avg run", "output")
		for _, stats := range step.Nodes {
			table.Row(
				stats.Node,
				stats.Op.String(),
				stats.Variant,
				stats.Fused.String(),
				stats.Unfused.String(),
				stats.Dispatch.String(),
				stats.PlanID[:8],
				stats.Build.String(),
				stats.AverageRun().String(),
				humanize.Bytes(stats.OutBytes),
			)
		}
		_, _ = fmt.Fprintln(w, table.Render())
	}
}
