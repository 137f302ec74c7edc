// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddHeader(t *testing.T) {
	header := makeHeader("Test")

	got, changed := addHeader([]byte("package foo\n"), header)
	assert.True(t, changed)
	assert.Equal(t, header+"\npackage foo\n", string(got))

	// Already there.
	_, changed = addHeader(got, header)
	assert.False(t, changed)

	// After build constraints.
	got, changed = addHeader([]byte("//go:build noverbose\n\npackage foo\n"), header)
	assert.True(t, changed)
	assert.Equal(t, "//go:build noverbose\n\n"+header+"\npackage foo\n", string(got))
}

func TestProcessFiles(t *testing.T) {
	root := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}
	missing := write("a.go", "package a\n")
	write("gen_a.go", "package a\n")
	write("_skipped/b.go", "package b\n")
	write(".hidden/c.go", "package c\n")
	write("notes.txt", "not go\n")

	files, err := goFiles(root)
	require.NoError(t, err)
	assert.Equal(t, []string{missing}, files)

	header := makeHeader("Test")
	changed, err := processFile(missing, header, true)
	require.NoError(t, err)
	assert.True(t, changed)
	content, err := os.ReadFile(missing)
	require.NoError(t, err)
	assert.Equal(t, "package a\n", string(content), "check only must not modify the file")

	changed, err = processFile(missing, header, false)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = processFile(missing, header, false)
	require.NoError(t, err)
	assert.False(t, changed)
}
