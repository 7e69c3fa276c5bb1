package scanner

import (
	"strings"
	"testing"
	"time"

	"vaultagent/internal/vault"
)

const dailyDoc = `---
title: Today
agents:
  - agent: agents/reflect
    status: pending
    trigger: daily@00:00
    enabled: true
---
# Today

Journal body stays intact.
`

func newScanner(t *testing.T) (*Scanner, *vault.Store) {
	t.Helper()
	store, err := vault.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(store), store
}

func TestParseTrigger(t *testing.T) {
	trig := ParseTrigger("daily@07:30")
	if trig.Kind != TriggerDaily || trig.Hour != 7 || trig.Minute != 30 {
		t.Fatalf("daily parse: %+v", trig)
	}
	trig = ParseTrigger("weekly@monday")
	if trig.Kind != TriggerWeekly || trig.Weekday != time.Monday {
		t.Fatalf("weekly parse: %+v", trig)
	}
	if ParseTrigger("hourly").Kind != TriggerHourly {
		t.Fatalf("hourly parse failed")
	}
	if ParseTrigger("on_save").Kind != TriggerOnSave {
		t.Fatalf("on_save parse failed")
	}
	if ParseTrigger("garbage@x").Kind != TriggerManual {
		t.Fatalf("bad spec should degrade to manual")
	}
}

func TestDailyShouldFire(t *testing.T) {
	trig := ParseTrigger("daily@09:00")
	day := time.Date(2026, 8, 6, 10, 0, 0, 0, time.Local)

	if !trig.ShouldFire(day, nil) {
		t.Fatalf("never-run daily should fire after the mark")
	}
	before := time.Date(2026, 8, 6, 8, 0, 0, 0, time.Local)
	if trig.ShouldFire(before, nil) {
		t.Fatalf("daily should not fire before the mark")
	}
	ranToday := day.Add(-30 * time.Minute)
	if trig.ShouldFire(day, &ranToday) {
		t.Fatalf("daily should not fire twice on the same day")
	}
	ranYesterday := day.Add(-24 * time.Hour)
	if !trig.ShouldFire(day, &ranYesterday) {
		t.Fatalf("daily should fire on a new day")
	}
}

func TestHourlyShouldFire(t *testing.T) {
	trig := ParseTrigger("hourly")
	now := time.Date(2026, 8, 6, 10, 5, 0, 0, time.Local)
	sameHour := time.Date(2026, 8, 6, 10, 1, 0, 0, time.Local)
	lastHour := time.Date(2026, 8, 6, 9, 59, 0, 0, time.Local)
	if trig.ShouldFire(now, &sameHour) {
		t.Fatalf("hourly should not fire twice within an hour")
	}
	if !trig.ShouldFire(now, &lastHour) {
		t.Fatalf("hourly should fire in a new hour")
	}
	if ParseTrigger("manual").ShouldFire(now, nil) {
		t.Fatalf("manual must never auto-fire")
	}
}

func TestDocumentAgentsRoundTrip(t *testing.T) {
	s, store := newScanner(t)
	if err := store.WriteFile("daily/today", dailyDoc); err != nil {
		t.Fatal(err)
	}
	entries, err := s.GetDocumentAgents("daily/today")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Agent != "agents/reflect" {
		t.Fatalf("entries = %+v", entries)
	}

	// Idempotence: writing back what was read leaves the parse identical and
	// the body unchanged.
	if err := s.UpdateDocumentAgents("daily/today", entries); err != nil {
		t.Fatal(err)
	}
	again, err := s.GetDocumentAgents("daily/today")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 || again[0] != entries[0] {
		t.Fatalf("round trip changed entries: %+v vs %+v", again, entries)
	}
	raw, err := store.ReadFile("daily/today")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(raw, "Journal body stays intact.") {
		t.Fatalf("body lost: %q", raw)
	}
}

func TestUpdateStatusStampsExtras(t *testing.T) {
	s, store := newScanner(t)
	if err := store.WriteFile("daily/today", dailyDoc); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 8, 6, 0, 1, 0, 0, time.UTC)
	err := s.UpdateStatus("daily/today", "agents/reflect", StatusCompleted, &StatusExtras{
		LastRun:    &now,
		LastResult: "wrote summary",
	})
	if err != nil {
		t.Fatal(err)
	}
	entries, _ := s.GetDocumentAgents("daily/today")
	if entries[0].Status != StatusCompleted {
		t.Fatalf("status = %s", entries[0].Status)
	}
	if entries[0].LastRun != "2026-08-06T00:01:00Z" {
		t.Fatalf("last_run = %s", entries[0].LastRun)
	}
	if entries[0].LastResult != "wrote summary" {
		t.Fatalf("last_result = %s", entries[0].LastResult)
	}

	if err := s.UpdateStatus("daily/today", "agents/missing", StatusRunning, nil); err == nil {
		t.Fatalf("unknown agent should error")
	}
}

func TestFindTriggeredAndNeedsRun(t *testing.T) {
	s, store := newScanner(t)
	if err := store.WriteFile("daily/today", dailyDoc); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 8, 6, 0, 30, 0, 0, time.Local)
	pairs, err := s.FindTriggered(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 || pairs[0].DocumentPath != "daily/today" {
		t.Fatalf("pairs = %+v", pairs)
	}

	if err := s.UpdateStatus("daily/today", "agents/reflect", StatusNeedsRun, nil); err != nil {
		t.Fatal(err)
	}
	needs, err := s.FindNeedsRun()
	if err != nil {
		t.Fatal(err)
	}
	if len(needs) != 1 {
		t.Fatalf("needs = %+v", needs)
	}
	// Not triggered twice while out of pending.
	pairs, _ = s.FindTriggered(now)
	if len(pairs) != 0 {
		t.Fatalf("triggered entry should leave the pending pool, got %+v", pairs)
	}
}

func TestTriggerAndReset(t *testing.T) {
	s, store := newScanner(t)
	if err := store.WriteFile("daily/today", dailyDoc); err != nil {
		t.Fatal(err)
	}
	if err := s.TriggerAll("daily/today"); err != nil {
		t.Fatal(err)
	}
	entries, _ := s.GetDocumentAgents("daily/today")
	if entries[0].Status != StatusNeedsRun {
		t.Fatalf("status = %s", entries[0].Status)
	}
	if err := s.Reset("daily/today", nil); err != nil {
		t.Fatal(err)
	}
	entries, _ = s.GetDocumentAgents("daily/today")
	if entries[0].Status != StatusPending {
		t.Fatalf("status = %s", entries[0].Status)
	}
}
