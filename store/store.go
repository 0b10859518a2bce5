// Package store defines persistence for loader state. The loader
// records every program it loads and every map it creates so a later
// process can list, inspect and unload them without re-parsing the
// original objects.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
// Callers match it with errors.Is.
var ErrNotFound = errors.New("not found")

// ProgramRecord is the persisted view of one loaded program.
type ProgramRecord struct {
	// KernelID is the kernel-assigned program id, the primary key.
	// The kernel recycles ids aggressively after unload, so saving an
	// existing id overwrites rather than rejects.
	KernelID uint32

	Name        string
	ProgramType string
	ObjectPath  string
	SectionName string
	PinPath     string

	// Hook describes the attachment point, empty while the program is
	// loaded but not attached.
	Hook string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Attached reports whether the record describes an attached program.
func (r ProgramRecord) Attached() bool { return r.Hook != "" }

// MapRecord is the persisted view of one map created for a program.
type MapRecord struct {
	// KernelID is the kernel-assigned map id, the primary key.
	KernelID uint32

	Name       string
	MapType    string
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	PinPath    string

	// ProgramID is the kernel id of the program this map was created
	// for. Deleting the program cascades to its maps.
	ProgramID uint32
}

// Store persists loader state. Implementations are pure data access
// layers: callers needing atomicity across multiple operations wrap
// them in RunInTransaction.
type Store interface {
	// SaveProgram stores a program record with last-write-wins upsert
	// semantics. On overwrite the original CreatedAt is preserved and
	// UpdatedAt is refreshed, so CreatedAt != UpdatedAt signals a
	// recycled kernel id.
	SaveProgram(ctx context.Context, rec ProgramRecord) error

	// GetProgram retrieves a program by kernel id. Returns
	// ErrNotFound if absent.
	GetProgram(ctx context.Context, kernelID uint32) (ProgramRecord, error)

	// GetProgramByName retrieves a program by its declared name.
	// Returns ErrNotFound if absent.
	GetProgramByName(ctx context.Context, name string) (ProgramRecord, error)

	// ListPrograms returns all program records keyed by kernel id.
	ListPrograms(ctx context.Context) (map[uint32]ProgramRecord, error)

	// DeleteProgram removes a program record and its map records.
	// Deleting an absent record is not an error.
	DeleteProgram(ctx context.Context, kernelID uint32) error

	// SaveMap stores a map record with upsert semantics.
	SaveMap(ctx context.Context, rec MapRecord) error

	// ListMapsForProgram returns the map records created for the
	// given program, in name order.
	ListMapsForProgram(ctx context.Context, programID uint32) ([]MapRecord, error)

	// RunInTransaction executes fn within a transaction: commit on
	// nil, rollback on error. fn receives a Store bound to the
	// transaction.
	RunInTransaction(ctx context.Context, fn func(Store) error) error

	Close() error
}
