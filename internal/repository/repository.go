// Package repository defines the persistence boundary the orchestrator and
// the CLI entry points depend on. Concrete storage lives in
// internal/repository/postgres; this package only names the contract and
// the error type that wraps failures crossing it.
package repository

import (
	"context"
	"fmt"

	"github.com/fleetcheck/scanner/internal/domain"
)

// StoreError reports a failure performing one repository operation. op
// names the method (e.g. "create_scan_result") so callers and logs can
// tell which boundary call failed without parsing the message.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Repository is the full persistence surface: the read path the
// orchestrator uses to build a pass, the write path it uses to record one,
// and the admin CRUD the seeder and any management tooling use to
// populate devices and rules.
type Repository interface {
	ListDevices(ctx context.Context) ([]domain.Device, error)
	GetDevice(ctx context.Context, id int64) (domain.Device, error)
	ListRules(ctx context.Context) ([]domain.Rule, error)

	CreateScan(ctx context.Context, deviceID int64, status domain.ScanStatus) (domain.Scan, error)
	SetScanStatus(ctx context.Context, scanID int64, status domain.ScanStatus) error
	CreateScanResult(ctx context.Context, scanID int64, ruleID string, status domain.CheckStatus, details *string) (domain.ScanResult, error)

	CreateDevice(ctx context.Context, d domain.Device) (domain.Device, error)
	UpsertRule(ctx context.Context, r domain.Rule) (domain.Rule, error)
	DeleteDevice(ctx context.Context, id int64) error
	DeleteRule(ctx context.Context, id string) error

	Close()
}
