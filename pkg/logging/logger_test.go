// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExporter struct {
	mu      sync.Mutex
	entries []LogEntry
	flushed int
	closed  int
}

func (r *recordingExporter) Export(_ context.Context, entry LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingExporter) Flush(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
	return nil
}

func (r *recordingExporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *recordingExporter) snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.entries...)
}

func TestLevelString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(99).String())
}

func logFilePath(t *testing.T, dir, service string) string {
	t.Helper()
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return filepath.Join(dir, name)
}

func TestFileOutputIsJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logger := New(Config{Service: "servingd", LogDir: dir, Quiet: true})

	logger.Info("Request admitted", "request_id", "req-1", "position", 3)
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFilePath(t, dir, "servingd"))
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &record))
	assert.Equal(t, "Request admitted", record["msg"])
	assert.Equal(t, "req-1", record["request_id"])
	assert.Equal(t, "servingd", record["service"])
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logger := New(Config{Service: "servingd", LogDir: dir, Level: LevelWarn, Quiet: true})

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFilePath(t, dir, "servingd"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "kept")
	assert.NotContains(t, string(data), "dropped")
}

func TestExporterReceivesEntries(t *testing.T) {
	t.Parallel()
	exporter := &recordingExporter{}
	logger := New(Config{Service: "servingd", Quiet: true, Exporter: exporter})

	logger.Error("Generation failed", "model", "big-model")

	entries := exporter.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, LevelError, entries[0].Level)
	assert.Equal(t, "Generation failed", entries[0].Message)
	assert.Equal(t, "servingd", entries[0].Service)
	assert.Equal(t, "big-model", entries[0].Attrs["model"])
}

func TestWithCarriesAttributes(t *testing.T) {
	t.Parallel()
	exporter := &recordingExporter{}
	logger := New(Config{Quiet: true, Exporter: exporter})

	child := logger.With("worker", 2)
	child.Info("Dequeued request")

	entries := exporter.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "Dequeued request", entries[0].Message)
}

func TestCloseIsIdempotentAndFlushes(t *testing.T) {
	t.Parallel()
	exporter := &recordingExporter{}
	logger := New(Config{Quiet: true, Exporter: exporter})

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	assert.Equal(t, 1, exporter.flushed)
	assert.Equal(t, 1, exporter.closed)
}

func TestClosedLoggerStopsExporting(t *testing.T) {
	t.Parallel()
	exporter := &recordingExporter{}
	logger := New(Config{Quiet: true, Exporter: exporter})
	require.NoError(t, logger.Close())

	logger.Info("after close")
	assert.Empty(t, exporter.snapshot())
}
