// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package usage

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteSinkRoundTrip(t *testing.T) {
	// Nested path proves the sink creates missing directories.
	path := filepath.Join(t.TempDir(), "state", "usage.db")
	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("NewSQLiteSink error: %v", err)
	}
	defer sink.Close()

	t1 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	ok := Event{
		ID: "ev-1", Time: t1, BackendID: "cloud-fast", Model: "gpt-4o-mini",
		TaskType: "parse", PromptTokens: 120, CompletionTokens: 40,
		CostMicrocents: 990, Success: true, Streamed: true, DurationMS: 812,
	}
	failed := Event{
		ID: "ev-2", Time: t2, BackendID: "local", Model: "qwen2.5-coder",
		TaskType: "code", PromptTokens: 300, CompletionTokens: 25,
		Estimated: true, Success: false, ErrorKind: "network", DurationMS: 95,
	}
	if err := sink.Record(ok); err != nil {
		t.Fatalf("Record(ok) error: %v", err)
	}
	if err := sink.Record(failed); err != nil {
		t.Fatalf("Record(failed) error: %v", err)
	}

	got, err := sink.Recent(10)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d events, want 2", len(got))
	}

	// Newest first.
	if got[0].ID != "ev-2" || got[1].ID != "ev-1" {
		t.Errorf("order = [%s %s], want [ev-2 ev-1]", got[0].ID, got[1].ID)
	}

	g := got[1]
	if g.BackendID != "cloud-fast" || g.Model != "gpt-4o-mini" || g.TaskType != "parse" {
		t.Errorf("identity fields mangled: %+v", g)
	}
	if g.PromptTokens != 120 || g.CompletionTokens != 40 || g.CostMicrocents != 990 {
		t.Errorf("accounting fields mangled: %+v", g)
	}
	if !g.Success || g.Estimated || !g.Streamed || g.DurationMS != 812 {
		t.Errorf("flag fields mangled: %+v", g)
	}
	if !g.Time.Equal(t1) {
		t.Errorf("time = %v, want %v", g.Time, t1)
	}

	f := got[0]
	if f.Success || !f.Estimated || f.ErrorKind != "network" {
		t.Errorf("failure fields mangled: %+v", f)
	}
}

func TestSQLiteSinkDuplicateID(t *testing.T) {
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	ev := Event{ID: "dup", Time: time.Now(), BackendID: "local", Success: true}
	if err := sink.Record(ev); err != nil {
		t.Fatalf("first Record error: %v", err)
	}
	if err := sink.Record(ev); err == nil {
		t.Error("second Record with duplicate id succeeded, want primary key error")
	}
}

func TestSQLiteSinkSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")

	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Record(Event{ID: "persist", Time: time.Now(), BackendID: "local", Success: true}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "persist" {
		t.Errorf("after reopen, events = %+v, want the persisted one", got)
	}
}

func TestSQLiteSinkThroughRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatal(err)
	}

	r := NewRecorder(32, sink)
	for i := 0; i < 20; i++ {
		r.Record(Event{BackendID: "local", Success: true})
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Recorder.Close closed the sink; reopen to count what landed.
	reopened, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Recent(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 20 {
		t.Errorf("persisted %d events, want 20", len(got))
	}
}
