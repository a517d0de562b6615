// Package dump writes selected tables as a SQL text dump and imports such
// dumps back transactionally.
package dump

import (
	"errors"
	"fmt"

	"github.com/dukerupert/mchcare/internal/model"
)

var (
	ErrInvalidModules  = errors.New("invalid module selection")
	ErrUnknownTable    = errors.New("unknown table")
	ErrToolUnavailable = errors.New("dump tool unavailable")
	ErrExecutionFailed = errors.New("dump execution failed")
	ErrInvalidDump     = errors.New("invalid dump")
)

// Tables in an order where every foreign key points to an earlier table.
var canonicalTables = []string{
	"patients",
	"appointments",
	"sms_logs",
	"prenatal_records",
	"child_records",
	"vaccines",
	"stock_transactions",
	"immunizations",
}

var moduleTables = map[string][]string{
	model.ModulePatientRecords:      {"patients", "appointments", "sms_logs"},
	model.ModulePrenatalMonitoring:  {"prenatal_records"},
	model.ModuleChildRecords:        {"child_records"},
	model.ModuleImmunizationRecords: {"immunizations"},
	model.ModuleVaccineManagement:   {"vaccines", "stock_transactions"},
}

// NormalizeModules validates module tags, drops duplicates and returns them
// in display order.
func NormalizeModules(modules []string) ([]string, error) {
	if len(modules) == 0 {
		return nil, fmt.Errorf("%w: no modules selected", ErrInvalidModules)
	}
	seen := make(map[string]bool, len(modules))
	for _, m := range modules {
		if !model.IsValidModule(m) {
			return nil, fmt.Errorf("%w: unknown module %q", ErrInvalidModules, m)
		}
		seen[m] = true
	}
	out := make([]string, 0, len(seen))
	for _, m := range model.AllModules {
		if seen[m] {
			out = append(out, m)
		}
	}
	return out, nil
}

// TablesFor maps module tags to their tables in canonical order.
func TablesFor(modules []string) ([]string, error) {
	modules, err := NormalizeModules(modules)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool)
	for _, m := range modules {
		for _, t := range moduleTables[m] {
			want[t] = true
		}
	}
	var tables []string
	for _, t := range canonicalTables {
		if want[t] {
			tables = append(tables, t)
		}
	}
	return tables, nil
}

// AllTables returns every dumpable table in canonical order.
func AllTables() []string {
	out := make([]string, len(canonicalTables))
	copy(out, canonicalTables)
	return out
}

func isKnownTable(name string) bool {
	for _, t := range canonicalTables {
		if t == name {
			return true
		}
	}
	return false
}

func checkTables(tables []string) error {
	if len(tables) == 0 {
		return fmt.Errorf("%w: no tables", ErrInvalidModules)
	}
	for _, t := range tables {
		if !isKnownTable(t) {
			return fmt.Errorf("%w: %q", ErrUnknownTable, t)
		}
	}
	return nil
}
