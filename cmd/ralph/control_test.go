package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestControlRequest_WriteThenPopRoundTrips(t *testing.T) {
	dir := t.TempDir()
	if err := writeControlRequest(dir, "loop-1", controlRequest{Action: "stop", Reason: "user requested"}); err != nil {
		t.Fatal(err)
	}

	req, ok := popControlRequest(dir, "loop-1")
	if !ok {
		t.Fatal("expected a pending control request")
	}
	if req.Action != "stop" || req.Reason != "user requested" {
		t.Fatalf("req = %+v, want stop/user requested", req)
	}
	if req.Timestamp == "" {
		t.Fatal("expected Timestamp to be stamped")
	}

	if _, err := os.Stat(controlRequestPath(dir, "loop-1")); !os.IsNotExist(err) {
		t.Fatal("popControlRequest should delete the file")
	}
}

func TestPopControlRequest_NoFilePresent(t *testing.T) {
	dir := t.TempDir()
	if _, ok := popControlRequest(dir, "loop-1"); ok {
		t.Fatal("expected no pending request")
	}
}

func TestPopControlRequest_CorruptFileIgnored(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "loop-1.control.json"), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := popControlRequest(dir, "loop-1"); ok {
		t.Fatal("expected corrupt control file to be rejected")
	}
}

func TestRunLoopStop_WritesControlRequest(t *testing.T) {
	dir := t.TempDir()
	if code := runLoopStop([]string{"--id", "loop-1", "--state-dir", dir}); code != 0 {
		t.Fatalf("runLoopStop failed with code %d", code)
	}
	req, ok := popControlRequest(dir, "loop-1")
	if !ok || req.Action != "stop" {
		t.Fatalf("req = %+v, ok=%v, want stop action", req, ok)
	}
}

func TestRunLoopInject_RequiresExactlyOneAction(t *testing.T) {
	dir := t.TempDir()
	if code := runLoopInject([]string{"--id", "loop-1", "--state-dir", dir}); code == 0 {
		t.Fatal("expected failure with no action selected")
	}
	if code := runLoopInject([]string{"--id", "loop-1", "--state-dir", dir, "--message", "hi", "--push"}); code == 0 {
		t.Fatal("expected failure with two actions selected")
	}
}

func TestRunLoopInject_MessageWritesInjectRequest(t *testing.T) {
	dir := t.TempDir()
	if code := runLoopInject([]string{"--id", "loop-1", "--state-dir", dir, "--message", "do more"}); code != 0 {
		t.Fatal("expected success")
	}
	req, ok := popControlRequest(dir, "loop-1")
	if !ok || req.Action != "inject" || req.Message != "do more" {
		t.Fatalf("req = %+v, ok=%v, want inject/do more", req, ok)
	}
}

func TestRunLoopInject_AcceptPlanWritesAcceptPlanRequest(t *testing.T) {
	dir := t.TempDir()
	if code := runLoopInject([]string{"--id", "loop-1", "--state-dir", dir, "--accept-plan"}); code != 0 {
		t.Fatal("expected success")
	}
	req, ok := popControlRequest(dir, "loop-1")
	if !ok || req.Action != "accept_plan" {
		t.Fatalf("req = %+v, ok=%v, want accept_plan", req, ok)
	}
}
