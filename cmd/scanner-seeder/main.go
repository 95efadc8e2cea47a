// Scanner seeder: loads rule source files into the rules table.
//
// Each argument names a Lua file that, when executed, assigns a global
// METADATA table {id, name, description?, severity} and whose body (the
// whole file, METADATA assignment included) is the runnable rule
// evaluated later by the Script Host. A rule yielding an unrecognized
// severity is rejected here rather than deferred to a scan-time error.
//
// Usage:
//
//	scanner-seeder rule1.lua rule2.lua ...
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/fleetcheck/scanner/internal/domain"
	"github.com/fleetcheck/scanner/internal/repository/crypto"
	"github.com/fleetcheck/scanner/internal/repository/postgres"
)

func main() {
	flag.Parse()
	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: scanner-seeder <rule-file> [rule-file ...]")
		os.Exit(1)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}
	keyHex := os.Getenv("SCANNER_ENVELOPE_KEY")
	if keyHex == "" {
		fmt.Fprintln(os.Stderr, "SCANNER_ENVELOPE_KEY is required")
		os.Exit(1)
	}
	envelope, err := crypto.NewEnvelope(keyHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load envelope key: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.Open(ctx, dsn, envelope)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open repository: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	failed := false
	for _, path := range paths {
		if err := seedOne(ctx, db, path); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed = true
			continue
		}
	}
	if failed {
		os.Exit(1)
	}
}

func seedOne(ctx context.Context, db *postgres.DB, path string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	meta, err := extractMetadata(string(code))
	if err != nil {
		return fmt.Errorf("extract METADATA: %w", err)
	}

	if !domain.ValidSeverity(meta.Severity) {
		return fmt.Errorf("unrecognized severity %q", meta.Severity)
	}

	rule := domain.Rule{
		ID:          meta.ID,
		Name:        meta.Name,
		Description: meta.Description,
		Severity:    meta.Severity,
		CheckType:   domain.CheckTypeScript,
		Body:        string(code),
	}
	if _, err := db.UpsertRule(ctx, rule); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	fmt.Printf("Added '%s'\n", meta.ID)
	return nil
}

type ruleMetadata struct {
	ID          string
	Name        string
	Description *string
	Severity    domain.Severity
}

// extractMetadata executes code in a throwaway interpreter and reads its
// global METADATA table. This is a one-shot load used only at seed time;
// it never runs against a device session.
//
// The rest of a rule file's body runs conn.run_cmd and regex checks that
// assume a live device session, neither of which is bound here. METADATA is
// assigned before any conn-dependent statement runs, so a runtime error
// further down the file (a nil conn) does not unwind that assignment;
// execute() errors are only fatal if METADATA never got set.
func extractMetadata(code string) (ruleMetadata, error) {
	L := lua.NewState()
	defer L.Close()

	execErr := L.DoString(code)

	tableVal := L.GetGlobal("METADATA")
	table, ok := tableVal.(*lua.LTable)
	if !ok {
		if execErr != nil {
			return ruleMetadata{}, fmt.Errorf("execute: %w", execErr)
		}
		return ruleMetadata{}, fmt.Errorf("global METADATA is not a table")
	}

	var meta ruleMetadata

	idVal, ok := table.RawGetString("id").(lua.LString)
	if !ok || idVal == "" {
		return ruleMetadata{}, fmt.Errorf("METADATA.id must be a non-empty string")
	}
	meta.ID = idVal.String()

	nameVal, ok := table.RawGetString("name").(lua.LString)
	if !ok || nameVal == "" {
		return ruleMetadata{}, fmt.Errorf("METADATA.name must be a non-empty string")
	}
	meta.Name = nameVal.String()

	if descVal := table.RawGetString("description"); descVal != lua.LNil {
		descStr, ok := descVal.(lua.LString)
		if !ok {
			return ruleMetadata{}, fmt.Errorf("METADATA.description must be a string")
		}
		s := descStr.String()
		meta.Description = &s
	}

	severityVal, ok := table.RawGetString("severity").(lua.LString)
	if !ok || severityVal == "" {
		return ruleMetadata{}, fmt.Errorf("METADATA.severity must be a non-empty string")
	}
	meta.Severity = domain.Severity(severityVal.String())

	return meta, nil
}
