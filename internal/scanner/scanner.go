// Package scanner drives one scan pass over a device list: per device, it
// opens an SSH session, evaluates every active rule through a fresh Script
// Host, and records verdicts. Adapted from the appliance daemon's worker
// fan-out idiom (one goroutine per target, bounded by a semaphore, joined
// with a WaitGroup rather than errgroup so a sibling's failure never
// cancels the others).
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fleetcheck/scanner/internal/domain"
	"github.com/fleetcheck/scanner/internal/registry"
	"github.com/fleetcheck/scanner/internal/repository"
	"github.com/fleetcheck/scanner/internal/scripthost"
	"github.com/fleetcheck/scanner/internal/sshsession"
)

// ErrCancelled is returned (wrapped in a WorkerFailure) when a worker
// abandons its rule loop because the pass's context was cancelled.
var ErrCancelled = errors.New("scan cancelled")

// WorkerFailure records one device's unrecoverable failure: a connect
// failure (no Scan row was ever created) or a repository failure mid-scan
// (the Scan row exists but may be stuck in running, or was best-effort
// marked failed).
type WorkerFailure struct {
	DeviceAddress string
	Err           error
}

func (f WorkerFailure) Error() string {
	return fmt.Sprintf("device %s: %v", f.DeviceAddress, f.Err)
}

// RunReport aggregates the isolated failures from one pass. A pass with a
// non-empty RunReport is still a successful invocation: every device not
// listed here reached a terminal completed Scan.
type RunReport struct {
	Failures []WorkerFailure
}

// Error implements error so a RunReport can be returned and logged like
// any other error, while callers that want per-device detail can type-assert.
func (r *RunReport) Error() string {
	return fmt.Sprintf("%d device(s) failed during scan pass", len(r.Failures))
}

// HasFailures reports whether any device failed.
func (r *RunReport) HasFailures() bool {
	return r != nil && len(r.Failures) > 0
}

// HostKeyPolicyFunc returns the host key policy to dial a given device
// with. Letting the caller supply this per-device (rather than one fixed
// policy for the whole pass) keeps the orchestrator agnostic to how
// config maps devices to verification strategy.
type HostKeyPolicyFunc func(device domain.Device) sshsession.HostKeyPolicy

// deviceSession is the capability an SSH dial must yield: enough to bind
// into a Script Host and to tear down afterward. Satisfied by
// *sshsession.Session; a narrow seam so tests can substitute a fake
// without a live network connection.
type deviceSession interface {
	scripthost.RunCmder
	Close() error
}

// Orchestrator drives one pass.
type Orchestrator struct {
	repo           repository.Repository
	hostKeyPolicy  HostKeyPolicyFunc
	maxInFlight    int64
	commandTimeout time.Duration
	dial           func(ctx context.Context, d domain.Device, policy sshsession.HostKeyPolicy) (deviceSession, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxInFlight bounds concurrent device workers. n <= 0 means
// unbounded, matching the spec's documented default.
func WithMaxInFlight(n int64) Option {
	return func(o *Orchestrator) { o.maxInFlight = n }
}

// WithHostKeyPolicy overrides the per-device host key verification
// policy. The default is sshsession.AcceptAnyPolicy{} for every device.
func WithHostKeyPolicy(f HostKeyPolicyFunc) Option {
	return func(o *Orchestrator) { o.hostKeyPolicy = f }
}

// WithCommandTimeout overrides the timeout applied to each rule
// evaluation. The default is sshsession.DefaultCommandTimeout. Every
// run_cmd call a rule makes shares that one deadline; individual calls get
// no separate limit of their own.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.commandTimeout = d }
}

// New builds an Orchestrator backed by repo.
func New(repo repository.Repository, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:           repo,
		commandTimeout: sshsession.DefaultCommandTimeout,
		hostKeyPolicy:  func(domain.Device) sshsession.HostKeyPolicy { return sshsession.AcceptAnyPolicy{} },
		dial: func(ctx context.Context, d domain.Device, policy sshsession.HostKeyPolicy) (deviceSession, error) {
			return sshsession.Dial(ctx, d.Address, d.Username, d.Password, policy)
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one pass: snapshot devices and rules, apply exclusions,
// then fan a bounded set of per-device workers out in parallel. It
// returns nil, or a *RunReport naming every device that failed.
// exclusionIDs are the rule ids configuration asks to skip.
func (o *Orchestrator) Run(ctx context.Context, exclusionIDs []string) error {
	devices, err := o.repo.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	rules, err := o.repo.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	reg := registry.New()
	reg.LoadAll(rules)
	for _, unknown := range reg.UnknownExclusions(exclusionIDs) {
		log.Printf("[scanner] exclusion id %q does not match any loaded rule", unknown)
	}
	reg.Exclude(exclusionIDs)
	activeRules := reg.Iter()

	var sem *semaphore.Weighted
	if o.maxInFlight > 0 {
		sem = semaphore.NewWeighted(o.maxInFlight)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []WorkerFailure
	)

	for _, device := range devices {
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				// Context was cancelled before this device got a slot; it
				// never started and no Scan row was attempted. It is still
				// reported as a WorkerFailure carrying ErrCancelled.
				mu.Lock()
				failures = append(failures, WorkerFailure{DeviceAddress: device.Address, Err: ErrCancelled})
				mu.Unlock()
				continue
			}
		}

		wg.Add(1)
		go func(d domain.Device) {
			defer wg.Done()
			if sem != nil {
				defer sem.Release(1)
			}

			if err := o.runDevice(ctx, d, activeRules); err != nil {
				mu.Lock()
				failures = append(failures, WorkerFailure{DeviceAddress: d.Address, Err: err})
				mu.Unlock()
			}
		}(device)
	}

	wg.Wait()

	if len(failures) == 0 {
		return nil
	}
	return &RunReport{Failures: failures}
}

// runDevice connects to one device, creates its Scan row, evaluates every
// active rule in order, and marks the scan completed only once all of them
// have written a result. A connect failure returns before any Scan row is
// created. A StoreError mid-loop aborts the worker after a best-effort
// attempt to mark the Scan failed.
func (o *Orchestrator) runDevice(ctx context.Context, d domain.Device, rules []domain.Rule) error {
	sess, err := o.dial(ctx, d, o.hostKeyPolicy(d))
	if err != nil {
		return err
	}
	defer sess.Close()

	host := scripthost.New()
	defer host.Close()
	host.BindSession(sess)

	scan, err := o.repo.CreateScan(ctx, d.ID, domain.ScanRunning)
	if err != nil {
		return err
	}

	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			o.bestEffortFail(ctx, scan.ID)
			return fmt.Errorf("%w: abandoned remaining rules for device %s", ErrCancelled, d.Address)
		}

		cmdCtx, cancel := context.WithTimeout(ctx, o.commandTimeout)
		result, evalErr := host.Eval(cmdCtx, rule.ID, rule.Body)
		cancel()

		status, details := verdictToScanResult(result, evalErr)

		if _, err := o.repo.CreateScanResult(ctx, scan.ID, rule.ID, status, details); err != nil {
			o.bestEffortFail(ctx, scan.ID)
			return err
		}
	}

	if err := o.repo.SetScanStatus(ctx, scan.ID, domain.ScanCompleted); err != nil {
		return err
	}
	return nil
}

// verdictToScanResult translates a Script Host outcome into the
// (status, details) pair written to the ScanResult row.
func verdictToScanResult(result scripthost.CheckResult, evalErr error) (domain.CheckStatus, *string) {
	if evalErr != nil {
		detail := fmt.Sprintf("Rule execution failed: %v", evalErr)
		return domain.CheckError, &detail
	}
	return result.Status, result.Details
}

// bestEffortFail tries to mark a Scan failed after an unrecoverable
// mid-loop error; failure to do so is logged, not propagated, since the
// caller already has a more specific error to report.
func (o *Orchestrator) bestEffortFail(ctx context.Context, scanID int64) {
	if err := o.repo.SetScanStatus(context.WithoutCancel(ctx), scanID, domain.ScanFailed); err != nil {
		log.Printf("[scanner] best-effort set_scan_status(failed) for scan %d also failed: %v", scanID, err)
	}
}
