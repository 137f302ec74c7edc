// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// copyright_header adds the license header to the Go files that miss it.
//
// With -check it only lists the files missing the header, and exits with an error if there are any.
// Directories starting with "." or "_", vendor and generated files ("gen_*.go") are skipped.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagProject = flag.String("project", "GoMLX", "Project name used in the header.")
	flagCheck   = flag.Bool("check", false, "Only list files missing the header, and fail if there are any.")
)

// maxHeaderSearch is the number of lines searched for an existing header.
const maxHeaderSearch = 50

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [flags] [path ...]\n\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "Adds the license header to Go files missing it. The default path is \".\".\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	header := makeHeader(*flagProject)
	roots := flag.Args()
	if len(roots) == 0 {
		roots = []string{"."}
	}
	var missing []string
	for _, root := range roots {
		files, err := goFiles(root)
		if err != nil {
			klog.Fatalf("Failed to list files under %q: %+v", root, err)
		}
		for _, path := range files {
			changed, err := processFile(path, header, *flagCheck)
			if err != nil {
				klog.Fatalf("%+v", err)
			}
			if changed {
				missing = append(missing, path)
			}
		}
	}
	if *flagCheck && len(missing) > 0 {
		klog.Errorf("%d files missing the license header:\n\t%s", len(missing), strings.Join(missing, "\n\t"))
		os.Exit(1)
	}
}

func makeHeader(project string) string {
	return fmt.Sprintf("// Copyright 2023-2026 The %s Authors. SPDX-License-Identifier: Apache-2.0\n", project)
}

// goFiles returns the non-generated Go files under root.
func goFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(name, ".go") && !strings.HasPrefix(name, "gen_") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// processFile adds the header to the file if it is missing, unless checkOnly is set.
// It returns whether the header was missing.
func processFile(path, header string, checkOnly bool) (bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return false, errors.Wrapf(err, "failed to read %q", path)
	}
	updated, changed := addHeader(content, header)
	if !changed || checkOnly {
		return changed, nil
	}
	klog.Infof("Adding header to %s", path)
	info, err := os.Stat(path)
	if err != nil {
		return false, errors.Wrapf(err, "failed to stat %q", path)
	}
	if err := os.WriteFile(path, updated, info.Mode().Perm()); err != nil {
		return false, errors.Wrapf(err, "failed to write %q", path)
	}
	return true, nil
}

// addHeader returns the content with the header inserted, and whether it was missing.
// The header goes after the build constraints, if any, separated by a blank line.
func addHeader(content []byte, header string) ([]byte, bool) {
	lines := bytes.Split(content, []byte("\n"))
	lastConstraint := -1
	for ii, line := range lines {
		if ii >= maxHeaderSearch {
			break
		}
		trimmed := bytes.TrimSpace(line)
		switch {
		case bytes.HasPrefix(trimmed, []byte("// Copyright")):
			return content, false
		case bytes.HasPrefix(trimmed, []byte("//go:build")), bytes.HasPrefix(trimmed, []byte("// +build")):
			lastConstraint = ii
		}
	}

	var buf bytes.Buffer
	rest := lines
	if lastConstraint >= 0 {
		buf.Write(bytes.Join(lines[:lastConstraint+1], []byte("\n")))
		buf.WriteString("\n\n")
		rest = lines[lastConstraint+1:]
	}
	for len(rest) > 0 && len(bytes.TrimSpace(rest[0])) == 0 {
		rest = rest[1:]
	}
	buf.WriteString(header)
	buf.WriteString("\n")
	buf.Write(bytes.Join(rest, []byte("\n")))
	return buf.Bytes(), true
}
