package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"apex-engine/internal/journal"
	"apex-engine/pkg/types"
)

type stubProvider struct {
	state    StateView
	accounts []AccountView
}

func (s *stubProvider) State() StateView        { return s.state }
func (s *stubProvider) Accounts() []AccountView { return s.accounts }

type stubController struct {
	killed  []string
	paused  int
	resumed int
	err     error
}

func (s *stubController) Kill(reason string) error {
	if s.err != nil {
		return s.err
	}
	s.killed = append(s.killed, reason)
	return nil
}

func (s *stubController) Pause() error {
	if s.err != nil {
		return s.err
	}
	s.paused++
	return nil
}

func (s *stubController) Resume() error {
	if s.err != nil {
		return s.err
	}
	s.resumed++
	return nil
}

type stubTrades struct {
	lastLimit int
	lastDays  int
	err       error
}

func (s *stubTrades) RecentTrades(accountID string, n int) ([]journal.TradeRecord, error) {
	s.lastLimit = n
	return []journal.TradeRecord{}, s.err
}

func (s *stubTrades) DailyPnLs(accountID string, days int) ([]journal.DailyPnL, error) {
	s.lastDays = days
	return []journal.DailyPnL{}, s.err
}

func newTestHandlers(p *stubProvider, c *stubController, tr *stubTrades) *Handlers {
	if p == nil {
		p = &stubProvider{}
	}
	if c == nil {
		c = &stubController{}
	}
	if tr == nil {
		tr = &stubTrades{}
	}
	return NewHandlers(p, c, tr, zerolog.Nop())
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(nil, nil, nil)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestStateEndpoint(t *testing.T) {
	t.Parallel()
	p := &stubProvider{state: StateView{Mode: types.ModeDryRun, KillSwitch: false, Accounts: 2}}
	h := newTestHandlers(p, nil, nil)

	rec := httptest.NewRecorder()
	h.State(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	var got StateView
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Mode != types.ModeDryRun || got.Accounts != 2 {
		t.Errorf("state = %+v", got)
	}
}

func TestPositionsEndpoint(t *testing.T) {
	t.Parallel()
	p := &stubProvider{accounts: []AccountView{
		{AccountID: "kraken-master", Broker: "kraken", State: "SCANNING"},
	}}
	h := newTestHandlers(p, nil, nil)

	rec := httptest.NewRecorder()
	h.Positions(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

	var got []AccountView
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].AccountID != "kraken-master" {
		t.Errorf("accounts = %+v", got)
	}
}

func TestTradesLimitClamped(t *testing.T) {
	t.Parallel()
	tr := &stubTrades{}
	h := newTestHandlers(nil, nil, tr)

	rec := httptest.NewRecorder()
	h.Trades(rec, httptest.NewRequest(http.MethodGet, "/api/trades?limit=9999", nil))
	if tr.lastLimit != 500 {
		t.Errorf("limit = %d, want clamped to 500", tr.lastLimit)
	}

	h.Trades(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/trades?limit=bogus", nil))
	if tr.lastLimit != 50 {
		t.Errorf("limit = %d, want default 50 for junk input", tr.lastLimit)
	}
}

func TestTradesQueryFailure(t *testing.T) {
	t.Parallel()
	tr := &stubTrades{err: errors.New("db locked")}
	h := newTestHandlers(nil, nil, tr)

	rec := httptest.NewRecorder()
	h.Trades(rec, httptest.NewRequest(http.MethodGet, "/api/trades", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestPnLDaysClamped(t *testing.T) {
	t.Parallel()
	tr := &stubTrades{}
	h := newTestHandlers(nil, nil, tr)

	h.PnL(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/pnl?days=10000", nil))
	if tr.lastDays != 365 {
		t.Errorf("days = %d, want clamped to 365", tr.lastDays)
	}
}

func TestKillEndpoint(t *testing.T) {
	t.Parallel()
	c := &stubController{}
	h := newTestHandlers(nil, c, nil)

	body := strings.NewReader(`{"reason":"manual stop"}`)
	rec := httptest.NewRecorder()
	h.Kill(rec, httptest.NewRequest(http.MethodPost, "/api/kill", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(c.killed) != 1 || c.killed[0] != "manual stop" {
		t.Errorf("killed = %v", c.killed)
	}

	// Empty body still kills, with a default reason.
	h.Kill(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/kill", nil))
	if len(c.killed) != 2 || c.killed[1] != "api kill request" {
		t.Errorf("killed = %v, want a default reason", c.killed)
	}
}

func TestPauseResumeConflict(t *testing.T) {
	t.Parallel()
	c := &stubController{err: errors.New("kill switch engaged")}
	h := newTestHandlers(nil, c, nil)

	rec := httptest.NewRecorder()
	h.Resume(rec, httptest.NewRequest(http.MethodPost, "/api/resume", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 when control refuses", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Pause(rec, httptest.NewRequest(http.MethodPost, "/api/pause", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("pause status = %d, want 409", rec.Code)
	}
}
