// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/coralbridge/orderdesk/services/engine/session"
)

// execute runs the root command with args and returns combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "dev") {
		t.Fatalf("expected the dev version string, got %q", out)
	}
}

func TestSweepCommand_EmptyDatabase(t *testing.T) {
	t.Setenv("LLM_BACKEND_TYPE", "ollama")
	t.Setenv("DATABASE_URL", t.TempDir())

	out, err := execute(t, "sweep")
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if !strings.Contains(out, "sessions deleted: 0") {
		t.Fatalf("expected empty sweep stats, got %q", out)
	}
}

func TestSweepCommand_LockedDatabase(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LLM_BACKEND_TYPE", "ollama")
	t.Setenv("DATABASE_URL", dir)

	// Hold the badger directory lock the way a serving engine would.
	db, err := session.OpenDB(session.DefaultDBConfig(dir))
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := execute(t, "sweep"); err == nil {
		t.Fatal("expected the sweep to fail against a locked database")
	}
}

func TestSweepCommand_RejectsMissingEnvFile(t *testing.T) {
	t.Setenv("LLM_BACKEND_TYPE", "ollama")
	t.Setenv("DATABASE_URL", t.TempDir())

	_, err := execute(t, "sweep", "--env-file", "/nonexistent/orderdesk.env")
	if err == nil {
		t.Fatal("expected an error for a missing --env-file")
	}

	// The flag value persists on the global command; clear it so later
	// tests run with the implicit lookup.
	envFile = ""
}
