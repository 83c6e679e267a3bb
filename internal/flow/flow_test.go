package flow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ai-janitor/minion-factory/internal/model"
)

func writeFlow(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write flow: %v", err)
	}
}

func TestLoadMissingDirHasBase(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	f, err := reg.Get("")
	if err != nil {
		t.Fatalf("get base: %v", err)
	}
	if !f.ValidTransition("open", "assigned") {
		t.Error("base flow missing open -> assigned")
	}
	if !f.Terminal("closed") {
		t.Error("base flow: closed not terminal")
	}
	if !f.Owns("fixed", model.ClassOracle) {
		t.Error("base flow: oracle does not own fixed")
	}
	if f.Owns("fixed", model.ClassCoder) {
		t.Error("base flow: coder must not own fixed")
	}
	if !f.RequiresResult("in_progress") {
		t.Error("base flow: in_progress does not require a result")
	}
	if f.FailTarget("in_progress") != "open" {
		t.Errorf("in_progress fail = %q, want open", f.FailTarget("in_progress"))
	}
	if f.FailTarget("fixed") != "in_progress" {
		t.Errorf("fixed fail = %q, want in_progress", f.FailTarget("fixed"))
	}
}

func TestAllowedWorkerFallsBackToLead(t *testing.T) {
	reg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	f, _ := reg.Get(BaseFlow)
	if !f.AllowedWorker("in_progress", model.ClassCoder) {
		t.Error("coder must be allowed at in_progress")
	}
	if f.AllowedWorker("in_progress", model.ClassOracle) {
		t.Error("oracle must not be allowed at in_progress")
	}
	// No row for lead, no default row: the lead fallback applies.
	if !f.AllowedWorker("in_progress", model.ClassLead) {
		t.Error("lead fallback missing at in_progress")
	}
	if !f.AllowedWorker("verified", model.ClassLead) {
		t.Error("lead must be allowed at worker-less stages")
	}
	if f.AllowedWorker("verified", model.ClassCoder) {
		t.Error("coder must not be allowed at worker-less stages")
	}
}

func TestInheritsMergesPerStage(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "build-fix.yaml", `
name: build-fix
stages:
  in_progress:
    workers:
      builder: [builder]
  fixed:
    requires: [submit_result]
`)
	reg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	f, err := reg.Get("build-fix")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Overridden fields.
	if !f.Owns("in_progress", model.ClassBuilder) {
		t.Error("in_progress not owned by builder after override")
	}
	if f.Owns("in_progress", model.ClassCoder) {
		t.Error("override must replace the parent workers map")
	}
	if !f.RequiresResult("fixed") {
		t.Error("fixed requires override lost")
	}
	// Inherited fields survive.
	if !f.ValidTransition("in_progress", "fixed") {
		t.Error("inherited in_progress -> fixed lost")
	}
	if f.FailTarget("in_progress") != "open" {
		t.Errorf("in_progress fail = %q, want inherited open", f.FailTarget("in_progress"))
	}
	if !f.Owns("fixed", model.ClassOracle) {
		t.Error("fixed no longer owned by inherited oracle")
	}
}

func TestLoadRejectsUnknownNext(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "broken.yaml", `
name: broken
stages:
  in_progress:
    next: [nowhere]
`)
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "nowhere") {
		t.Fatalf("err = %v, want unknown next status", err)
	}
}

func TestLoadRejectsUnknownFailTarget(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "broken.yaml", `
name: broken
stages:
  in_progress:
    fail: limbo
`)
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "limbo") {
		t.Fatalf("err = %v, want unknown fail status", err)
	}
}

func TestLoadRejectsTerminalWithEdges(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "broken.yaml", `
name: broken
stages:
  closed:
    next: [open]
`)
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "terminal") {
		t.Fatalf("err = %v, want terminal edge rejection", err)
	}
}

func TestLoadRejectsUnreachableStage(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "island.yaml", `
name: island
stages:
  limbo:
    next: [verified]
`)
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "unreachable") {
		t.Fatalf("err = %v, want unreachable stage", err)
	}
}

func TestLoadRejectsInheritanceCycle(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "a.yaml", "name: a\ninherits: b\nstages: {}\n")
	writeFlow(t, dir, "b.yaml", "name: b\ninherits: a\nstages: {}\n")
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("err = %v, want inheritance cycle", err)
	}
}

func TestLoadRejectsBadWorkerClass(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "bad.yaml", `
name: bad
stages:
  in_progress:
    workers:
      coder: [wizard]
`)
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "wizard") {
		t.Fatalf("err = %v, want unknown worker class", err)
	}

	writeFlow(t, dir, "bad.yaml", `
name: bad
stages:
  in_progress:
    workers:
      wizard: [coder]
`)
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "wizard") {
		t.Fatalf("err = %v, want unknown workers key", err)
	}
}

func TestLoadRejectsUnknownRequirement(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "bad.yaml", `
name: bad
stages:
  in_progress:
    requires: [blood_oath]
`)
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "blood_oath") {
		t.Fatalf("err = %v, want unknown requirement", err)
	}
}

func TestNextStatusesIncludeFailSorted(t *testing.T) {
	reg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	f, _ := reg.Get(BaseFlow)
	next, err := f.NextStatuses("in_progress")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(next) != 2 || next[0] != "fixed" || next[1] != "open" {
		t.Errorf("next = %v, want [fixed open]", next)
	}
	if _, err := f.NextStatuses("bogus"); err == nil {
		t.Error("want error for undefined status")
	}
}

func TestThreePhaseReviewFlow(t *testing.T) {
	dir := t.TempDir()
	writeFlow(t, dir, "audited.yaml", `
name: audited
stages:
  verified:
    workers:
      auditor: [auditor]
    next: [audited]
    fail: in_progress
  audited:
    next: [closed]
`)
	reg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	f, err := reg.Get("audited")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !f.Owns("verified", model.ClassAuditor) {
		t.Error("verified not owned by auditor")
	}
	if !f.ValidTransition("verified", "audited") || !f.ValidTransition("audited", "closed") {
		t.Error("extended phase edges missing")
	}
	if !f.ValidTransition("verified", "in_progress") {
		t.Error("verified fail edge missing")
	}
	if got := f.WorkerClasses("verified"); len(got) != 1 || got[0] != model.ClassAuditor {
		t.Errorf("worker classes = %v, want [auditor]", got)
	}
}
