package analytics

import (
	"testing"

	"go.uber.org/zap/zaptest"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTrackAndCount(t *testing.T) {
	db := openTestDB(t)
	a := NewAnalytics(db, zaptest.NewLogger(t).Sugar())

	a.Track(EvtSessionStart, 1, "01HSESSIONA", `{"addr":"127.0.0.1:5000"}`)
	a.Track(EvtSessionStart, 2, "01HSESSIONB", "")
	a.Track(EvtShotFired, 1, "01HSESSIONA", "")
	a.Track(EvtSessionEnd, 1, "01HSESSIONA", `{"duration":12.5}`)
	a.Track(EvtRetransmit, 0, "", `{"seq":4}`)
	a.Stop()

	counts, err := a.EventCounts(1)
	if err != nil {
		t.Fatalf("event counts: %v", err)
	}
	want := map[string]int{
		EvtSessionStart: 2,
		EvtShotFired:    1,
		EvtSessionEnd:   1,
		EvtRetransmit:   1,
	}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("expected %d %s events, got %d", v, k, counts[k])
		}
	}

	sessions, err := a.SessionCount()
	if err != nil {
		t.Fatalf("session count: %v", err)
	}
	if sessions != 2 {
		t.Errorf("expected 2 sessions, got %d", sessions)
	}

	avg, err := a.AverageSession(1)
	if err != nil {
		t.Fatalf("average session: %v", err)
	}
	if avg != 12.5 {
		t.Errorf("expected average session 12.5s, got %f", avg)
	}
}

func TestTrackAfterStop(t *testing.T) {
	a := NewAnalytics(openTestDB(t), zaptest.NewLogger(t).Sugar())
	a.Stop()
	a.Stop()

	a.Track(EvtShotFired, 1, "", "")
	if a.Dropped() != 1 {
		t.Errorf("expected event after stop to be dropped, got %d", a.Dropped())
	}
}

func TestNilDatabase(t *testing.T) {
	a := NewAnalytics(nil, zaptest.NewLogger(t).Sugar())
	a.Track(EvtShotFired, 1, "", "")
	a.Stop()

	counts, err := a.EventCounts(7)
	if err != nil || counts != nil {
		t.Errorf("expected empty result without a database, got %v, %v", counts, err)
	}
}

func TestSettings(t *testing.T) {
	db := openTestDB(t)

	if v := db.GetSetting("jwt_secret"); v != "" {
		t.Errorf("expected unset setting, got %q", v)
	}
	if err := db.SetSetting("jwt_secret", "abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := db.SetSetting("jwt_secret", "def"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v := db.GetSetting("jwt_secret"); v != "def" {
		t.Errorf("expected def, got %q", v)
	}
}
