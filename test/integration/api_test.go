//go:build integration

package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"
)

type checkEnvelope struct {
	Data struct {
		Code     string `json:"code"`
		Name     string `json:"name"`
		Status   string `json:"status"`
		Schedule struct {
			Kind      string `json:"kind"`
			PeriodSec int64  `json:"period_sec"`
			GraceSec  int64  `json:"grace_sec"`
		} `json:"schedule"`
	} `json:"data"`
}

func createCheck(t *testing.T, cfg Cfg, name string, periodSec, graceSec int64) string {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"name": name,
		"schedule": map[string]any{
			"kind": "simple", "period_sec": periodSec, "grace_sec": graceSec,
		},
	})
	resp := HTTPDoJSON(t, http.MethodPost, cfg.APIBaseURL+"/api/v1/checks", body, 201)

	var env checkEnvelope
	if err := json.Unmarshal(resp, &env); err != nil {
		t.Fatalf("unmarshal check: %v body=%s", err, string(resp))
	}
	if env.Data.Code == "" {
		t.Fatalf("no code in response: %s", string(resp))
	}
	t.Logf("[api] created check %s code=%s", name, env.Data.Code)
	return env.Data.Code
}

func TestCheckLifecycle_Basic(t *testing.T) {
	cfg := LoadCfg()
	WaitHealthz(t, cfg.APIHealthURL, 60*time.Second)
	db := DBOpen(t, cfg.DBDSN)
	defer db.Close()

	code := createCheck(t, cfg, fmt.Sprintf("it-lifecycle-%d", time.Now().UnixNano()), 3600, 600)

	// first ping brings the check up
	_ = HTTPDoJSON(t, http.MethodPost, FmtPingURL(cfg.APIBaseURL, code, ""), nil, 200)
	WaitCheckStatus(t, db, code, "up", 10*time.Second)
	if n := CountPings(t, db, code); n != 1 {
		t.Fatalf("pings = %d, want 1", n)
	}

	// explicit failure flips it down immediately
	_ = HTTPDoJSON(t, http.MethodPost, FmtPingURL(cfg.APIBaseURL, code, "fail"), nil, 200)
	WaitCheckStatus(t, db, code, "down", 10*time.Second)

	// and a success always wins it back
	_ = HTTPDoJSON(t, http.MethodPost, FmtPingURL(cfg.APIBaseURL, code, ""), nil, 200)
	WaitCheckStatus(t, db, code, "up", 10*time.Second)
}

func TestCheckAPI_Validation(t *testing.T) {
	cfg := LoadCfg()
	WaitHealthz(t, cfg.APIHealthURL, 60*time.Second)

	body, _ := json.Marshal(map[string]any{
		"name": "it-bad-cron",
		"schedule": map[string]any{
			"kind": "cron", "expr": "61 * * * *", "grace_sec": 60,
		},
	})
	_ = HTTPDoJSON(t, http.MethodPost, cfg.APIBaseURL+"/api/v1/checks", body, 400)

	// unknown ping refs never leak information
	_ = HTTPDoJSON(t, http.MethodPost, FmtPingURL(cfg.APIBaseURL, "no-such-slug", ""), nil, 404)
}

func TestPauseSkipsSweep(t *testing.T) {
	cfg := LoadCfg()
	WaitHealthz(t, cfg.APIHealthURL, 60*time.Second)
	WaitHealthz(t, cfg.SweepHealthURL, 60*time.Second)
	db := DBOpen(t, cfg.DBDSN)
	defer db.Close()

	code := createCheck(t, cfg, fmt.Sprintf("it-paused-%d", time.Now().UnixNano()), 1, 1)

	_ = HTTPDoJSON(t, http.MethodPost, FmtPingURL(cfg.APIBaseURL, code, ""), nil, 200)
	WaitCheckStatus(t, db, code, "up", 10*time.Second)

	_ = HTTPDoJSON(t, http.MethodPost, cfg.APIBaseURL+"/api/v1/checks/"+code+"/pause", nil, 200)
	WaitCheckStatus(t, db, code, "paused", 10*time.Second)

	// deadlines long expired, but the sweeper must not touch it
	time.Sleep(5 * time.Second)
	if s, err := GetCheckStatus(t, db, code); err != nil || s != "paused" {
		t.Fatalf("status = %q err=%v, want paused", s, err)
	}
}
