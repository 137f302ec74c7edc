// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package verbose prints one line per node execution: node, operator, chosen variant, dispatch,
// precision, shapes, post-ops and durations.
//
// It's configured by the environment variable OPDISPATCH_VERBOSE: the level is the value modulo 10,
// and values >= 10 colorize the output (if the terminal supports it). E.g. 1, 2, 3 print in plain text,
// 11, 12, 13 in color.
//
//   - Level 1: node, op, variant, durations.
//   - Level 2: adds dispatch, precision, shapes and post-ops.
//   - Level 3: adds plan id, cache hits and output size.
package verbose

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/plan"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
)

// EnvVar configures the default Printer, see FromEnv.
const EnvVar = "OPDISPATCH_VERBOSE"

// Printer implements plan.Observer printing to a writer.
type Printer struct {
	level    int
	colorize bool

	mu  sync.Mutex
	out io.Writer

	nodeStyle, variantStyle, timeStyle, dimStyle lipgloss.Style
}

var _ plan.Observer = (*Printer)(nil)

// ParseLevel parses the verbose configuration: it returns the level (value modulo 10) and whether to colorize.
func ParseLevel(config string) (level int, colorize bool, err error) {
	config = strings.TrimSpace(config)
	if config == "" {
		return 0, false, nil
	}
	value, err := strconv.Atoi(config)
	if err != nil || value < 0 {
		return 0, false, errors.Errorf("invalid %s value %q: it must be a non-negative integer", EnvVar, config)
	}
	return value % 10, value/10 != 0, nil
}

// New returns a Printer for the configuration (see ParseLevel), writing to out.
// It returns nil (and no error) if the level is 0.
func New(config string, out io.Writer) (*Printer, error) {
	level, colorize, err := ParseLevel(config)
	if err != nil || level == 0 {
		return nil, err
	}
	p := &Printer{level: level, colorize: colorize, out: out}
	renderer := lipgloss.NewRenderer(out)
	if !colorize || termenv.NewOutput(out).ColorProfile() == termenv.Ascii {
		renderer.SetColorProfile(termenv.Ascii)
	}
	p.nodeStyle = renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	p.variantStyle = renderer.NewStyle().Foreground(lipgloss.Color("10"))
	p.timeStyle = renderer.NewStyle().Foreground(lipgloss.Color("11"))
	p.dimStyle = renderer.NewStyle().Faint(true)
	return p, nil
}

// FromEnv returns a Printer to os.Stderr configured by OPDISPATCH_VERBOSE, or nil if it's not set or 0.
func FromEnv() (*Printer, error) {
	return New(os.Getenv(EnvVar), os.Stderr)
}

// Level returns the verbosity level, 1 to 9.
func (p *Printer) Level() int { return p.level }

// ExecuteStart implements plan.Observer. Only level 3 prints the start of executions.
func (p *Printer) ExecuteStart(node string, op backends.OpType) {
	if p.level < 3 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, "%s %s\n", p.dimStyle.Render("start"), p.nodeStyle.Render(node+":"+op.String()))
}

// ExecuteEnd implements plan.Observer.
func (p *Printer) ExecuteEnd(s *plan.Snapshot) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s variant=%s", p.nodeStyle.Render(s.Node+":"+s.Op.String()), p.variantStyle.Render(s.Variant))
	if p.level >= 2 {
		fmt.Fprintf(&sb, " dispatch={%s} precision=%s in=%v out=%v", s.Dispatch, s.Precision, s.Inputs, s.Outputs)
		if len(s.PostOps) > 0 {
			fmt.Fprintf(&sb, " fused=%s", s.PostOps)
		}
		if len(s.Unfused) > 0 {
			fmt.Fprintf(&sb, " unfused=%s", s.Unfused)
		}
	}
	if p.level >= 3 {
		var outBytes uint64
		for _, output := range s.Outputs {
			outBytes += uint64(output.Memory())
		}
		fmt.Fprintf(&sb, " plan=%s cache_hit=%v out_bytes=%s", s.PlanID, s.CacheHit, humanize.Bytes(outBytes))
	}
	if !s.CacheHit {
		fmt.Fprintf(&sb, " build=%s", p.timeStyle.Render(s.BuildTime.String()))
	}
	fmt.Fprintf(&sb, " run=%s\n", p.timeStyle.Render(s.RunTime.String()))

	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.out, sb.String())
}
