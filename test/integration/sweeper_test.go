//go:build integration

package integration

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

// A check on a one second period with one second grace must be swept
// down shortly after its only ping, and the crossing must surface as
// exactly one event on the status topic.
func TestSweeperFlipsSilentCheckDown(t *testing.T) {
	cfg := LoadCfg()
	WaitHealthz(t, cfg.APIHealthURL, 60*time.Second)
	WaitHealthz(t, cfg.SweepHealthURL, 60*time.Second)
	EnsureTopic(t, cfg.KafkaBootstrap, cfg.StatusTopic)
	db := DBOpen(t, cfg.DBDSN)
	defer db.Close()

	code := createCheck(t, cfg, fmt.Sprintf("it-sweep-%d", time.Now().UnixNano()), 1, 1)

	_ = HTTPDoJSON(t, http.MethodPost, FmtPingURL(cfg.APIBaseURL, code, ""), nil, 200)
	WaitCheckStatus(t, db, code, "up", 10*time.Second)

	// then silence
	WaitCheckStatus(t, db, code, "down", 30*time.Second)

	group := fmt.Sprintf("it-sweep-%d", time.Now().UnixNano())
	ev, ok := ReadStatusEvent(t, cfg.KafkaBootstrap, cfg.StatusTopic, group, 60*time.Second, func(ev StatusEvent) bool {
		return ev.CheckCode == code && ev.New == "down"
	})
	if !ok {
		t.Fatalf("no down event for %s on %s", code, cfg.StatusTopic)
	}
	if ev.Old != "grace" && ev.Old != "up" {
		t.Fatalf("down event from %q, want grace or up", ev.Old)
	}
	t.Logf("[kafka] got %s -> %s at %s", ev.Old, ev.New, ev.At)
}

// Recovery after a dispatched down must publish an up event; the
// new -> up bookkeeping flip from the first ping must not.
func TestSweeperPublishesRecovery(t *testing.T) {
	cfg := LoadCfg()
	WaitHealthz(t, cfg.APIHealthURL, 60*time.Second)
	WaitHealthz(t, cfg.SweepHealthURL, 60*time.Second)
	EnsureTopic(t, cfg.KafkaBootstrap, cfg.StatusTopic)
	db := DBOpen(t, cfg.DBDSN)
	defer db.Close()

	code := createCheck(t, cfg, fmt.Sprintf("it-recover-%d", time.Now().UnixNano()), 1, 1)

	_ = HTTPDoJSON(t, http.MethodPost, FmtPingURL(cfg.APIBaseURL, code, ""), nil, 200)
	WaitCheckStatus(t, db, code, "down", 30*time.Second)

	_ = HTTPDoJSON(t, http.MethodPost, FmtPingURL(cfg.APIBaseURL, code, ""), nil, 200)
	WaitCheckStatus(t, db, code, "up", 10*time.Second)

	group := fmt.Sprintf("it-recover-%d", time.Now().UnixNano())
	ev, ok := ReadStatusEvent(t, cfg.KafkaBootstrap, cfg.StatusTopic, group, 60*time.Second, func(ev StatusEvent) bool {
		return ev.CheckCode == code && ev.New == "up"
	})
	if !ok {
		t.Fatalf("no recovery event for %s", code)
	}
	if ev.Old != "down" {
		t.Fatalf("recovery from %q, want down (new->up must stay silent)", ev.Old)
	}
}
