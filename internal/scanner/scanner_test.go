package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fleetcheck/scanner/internal/domain"
	"github.com/fleetcheck/scanner/internal/sshsession"
)

// fakeSession is a deviceSession that returns canned output or an error
// for every RunCmd call, with no real network I/O.
type fakeSession struct {
	out    string
	err    error
	closed bool
}

func (f *fakeSession) RunCmd(_ context.Context, _ string) (string, error) {
	return f.out, f.err
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

// fakeRepo is an in-memory repository.Repository sufficient to drive the
// orchestrator's algorithm without a real database.
type fakeRepo struct {
	mu      sync.Mutex
	devices []domain.Device
	rules   []domain.Rule

	nextScanID  int64
	nextResult  int64
	scans       map[int64]domain.Scan
	results     []domain.ScanResult
	failConnect map[string]bool // device address -> simulate connect failure

	failCreateScanResult bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{scans: make(map[int64]domain.Scan), failConnect: make(map[string]bool)}
}

func (r *fakeRepo) ListDevices(context.Context) ([]domain.Device, error) { return r.devices, nil }

func (r *fakeRepo) GetDevice(_ context.Context, id int64) (domain.Device, error) {
	for _, d := range r.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.Device{}, errors.New("device not found")
}

func (r *fakeRepo) ListRules(context.Context) ([]domain.Rule, error) { return r.rules, nil }

func (r *fakeRepo) CreateScan(_ context.Context, deviceID int64, status domain.ScanStatus) (domain.Scan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextScanID++
	scan := domain.Scan{ID: r.nextScanID, DeviceID: deviceID, Status: status}
	r.scans[scan.ID] = scan
	return scan, nil
}

func (r *fakeRepo) SetScanStatus(_ context.Context, scanID int64, status domain.ScanStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	scan := r.scans[scanID]
	scan.Status = status
	r.scans[scanID] = scan
	return nil
}

func (r *fakeRepo) CreateScanResult(_ context.Context, scanID int64, ruleID string, status domain.CheckStatus, details *string) (domain.ScanResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreateScanResult {
		return domain.ScanResult{}, errors.New("simulated store failure")
	}
	r.nextResult++
	res := domain.ScanResult{ID: r.nextResult, ScanID: scanID, RuleID: ruleID, Status: status, Details: details}
	r.results = append(r.results, res)
	return res, nil
}

func (r *fakeRepo) CreateDevice(context.Context, domain.Device) (domain.Device, error) { return domain.Device{}, nil }
func (r *fakeRepo) UpsertRule(context.Context, domain.Rule) (domain.Rule, error)        { return domain.Rule{}, nil }
func (r *fakeRepo) DeleteDevice(context.Context, int64) error                           { return nil }
func (r *fakeRepo) DeleteRule(context.Context, string) error                           { return nil }
func (r *fakeRepo) Close()                                                             {}

func (r *fakeRepo) resultsForScan(scanID int64) []domain.ScanResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ScanResult
	for _, res := range r.results {
		if res.ScanID == scanID {
			out = append(out, res)
		}
	}
	return out
}

func newTestOrchestrator(repo *fakeRepo, sessions map[string]*fakeSession) *Orchestrator {
	o := New(repo)
	o.dial = func(_ context.Context, d domain.Device, _ sshsession.HostKeyPolicy) (deviceSession, error) {
		if repo.failConnect[d.Address] {
			return nil, &sshsession.ConnectError{Address: d.Address, Err: errors.New("no route to host")}
		}
		sess, ok := sessions[d.Address]
		if !ok {
			sess = &fakeSession{}
		}
		return sess, nil
	}
	return o
}

func TestEmptyDeviceList(t *testing.T) {
	repo := newFakeRepo()
	o := newTestOrchestrator(repo, nil)

	if err := o.Run(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(repo.scans) != 0 {
		t.Fatalf("expected zero Scan rows, got %d", len(repo.scans))
	}
}

func TestOneDeviceZeroRulesAfterExclusion(t *testing.T) {
	repo := newFakeRepo()
	repo.devices = []domain.Device{{ID: 1, Address: "10.0.0.1"}}
	repo.rules = []domain.Rule{{ID: "R-1", Body: `return {status = "pass"}`}}

	o := newTestOrchestrator(repo, nil)
	if err := o.Run(context.Background(), []string{"R-1"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if len(repo.scans) != 1 {
		t.Fatalf("expected 1 Scan row, got %d", len(repo.scans))
	}
	for _, scan := range repo.scans {
		if scan.Status != domain.ScanCompleted {
			t.Fatalf("expected completed, got %s", scan.Status)
		}
		if len(repo.resultsForScan(scan.ID)) != 0 {
			t.Fatalf("expected zero ScanResult rows, got %d", len(repo.resultsForScan(scan.ID)))
		}
	}
}

func TestRulePasses(t *testing.T) {
	repo := newFakeRepo()
	repo.devices = []domain.Device{{ID: 1, Address: "10.0.0.1"}}
	repo.rules = []domain.Rule{{ID: "R-1", Body: `return {status = "pass"}`}}

	o := newTestOrchestrator(repo, nil)
	if err := o.Run(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all := repo.resultsForScan(1)
	if len(all) != 1 || all[0].Status != domain.CheckPass || all[0].Details != nil {
		t.Fatalf("unexpected results: %+v", all)
	}
}

func TestRuleFailsWithDetails(t *testing.T) {
	repo := newFakeRepo()
	repo.devices = []domain.Device{{ID: 1, Address: "10.0.0.1"}}
	repo.rules = []domain.Rule{{
		ID: "R-ROOT-LOGIN",
		Body: `
			local out = conn.run_cmd("cat /etc/ssh/sshd_config")
			if regex.compile("^PermitRootLogin\\s+yes"):is_match(out) then
				return {status = "fail", details = "root login permitted"}
			end
			return {status = "pass"}
		`,
	}}

	sessions := map[string]*fakeSession{
		"10.0.0.1": {out: "PermitRootLogin yes\n"},
	}
	o := newTestOrchestrator(repo, sessions)
	if err := o.Run(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all := repo.resultsForScan(1)
	if len(all) != 1 || all[0].Status != domain.CheckFail {
		t.Fatalf("unexpected results: %+v", all)
	}
	if all[0].Details == nil || *all[0].Details != "root login permitted" {
		t.Fatalf("unexpected details: %v", all[0].Details)
	}
}

func TestBadScriptIsolatesRuleNotDevice(t *testing.T) {
	repo := newFakeRepo()
	repo.devices = []domain.Device{{ID: 1, Address: "10.0.0.1"}}
	repo.rules = []domain.Rule{
		{ID: "R-BAD", Body: `error("boom")`},
		{ID: "R-GOOD", Body: `return {status = "pass"}`},
	}

	o := newTestOrchestrator(repo, nil)
	if err := o.Run(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all := repo.resultsForScan(1)
	if len(all) != 2 {
		t.Fatalf("expected 2 results, got %d", len(all))
	}

	var badResult, goodResult *domain.ScanResult
	for i := range all {
		switch all[i].RuleID {
		case "R-BAD":
			badResult = &all[i]
		case "R-GOOD":
			goodResult = &all[i]
		}
	}
	if badResult == nil || badResult.Status != domain.CheckError {
		t.Fatalf("expected R-BAD to be status=error, got %+v", badResult)
	}
	if badResult.Details == nil || !hasPrefix(*badResult.Details, "Rule execution failed:") {
		t.Fatalf("expected details prefix, got %v", badResult.Details)
	}
	if goodResult == nil || goodResult.Status != domain.CheckPass {
		t.Fatalf("expected R-GOOD to pass, got %+v", goodResult)
	}

	for _, scan := range repo.scans {
		if scan.Status != domain.ScanCompleted {
			t.Fatalf("expected scan to still reach completed, got %s", scan.Status)
		}
	}
}

func TestConnectFailureIsolatesDevice(t *testing.T) {
	repo := newFakeRepo()
	repo.devices = []domain.Device{
		{ID: 1, Address: "10.0.0.1"},
		{ID: 2, Address: "10.0.0.2"},
	}
	repo.rules = []domain.Rule{{ID: "R-1", Body: `return {status = "pass"}`}}
	repo.failConnect["10.0.0.1"] = true

	o := newTestOrchestrator(repo, nil)
	err := o.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected a RunReport for the failed device")
	}
	report, ok := err.(*RunReport)
	if !ok {
		t.Fatalf("expected *RunReport, got %T", err)
	}
	if len(report.Failures) != 1 || report.Failures[0].DeviceAddress != "10.0.0.1" {
		t.Fatalf("unexpected failures: %+v", report.Failures)
	}

	if len(repo.scans) != 1 {
		t.Fatalf("expected exactly 1 Scan row (for the reachable device), got %d", len(repo.scans))
	}
	for _, scan := range repo.scans {
		if scan.DeviceID != 2 {
			t.Fatalf("expected the surviving scan to belong to device 2, got device %d", scan.DeviceID)
		}
		if scan.Status != domain.ScanCompleted {
			t.Fatalf("expected device 2's scan to complete, got %s", scan.Status)
		}
	}
}

func TestDuplicateRuleIDBothEvaluated(t *testing.T) {
	repo := newFakeRepo()
	repo.devices = []domain.Device{{ID: 1, Address: "10.0.0.1"}}
	repo.rules = []domain.Rule{
		{ID: "R-DUP", Body: `return {status = "pass"}`},
		{ID: "R-DUP", Body: `return {status = "fail", details = "second"}`},
	}

	o := newTestOrchestrator(repo, nil)
	if err := o.Run(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all := repo.resultsForScan(1)
	if len(all) != 2 {
		t.Fatalf("expected both duplicate-id rules evaluated, got %d results", len(all))
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
