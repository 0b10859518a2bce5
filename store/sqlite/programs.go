package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/frobware/go-bpfload/store"
)

// SaveProgram stores a program record using last-write-wins upsert
// semantics.
//
// If a row with the same kernel_id already exists it is overwritten
// rather than rejected. The kernel reuses program ids aggressively
// after unload, so a collision may simply mean the id was recycled.
// On overwrite the original created_at is preserved and updated_at is
// refreshed, so created_at != updated_at signals a recycled id.
func (s *sqliteStore) SaveProgram(ctx context.Context, rec store.ProgramRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	now := time.Now().UTC().Format(time.RFC3339)

	var hook sql.NullString
	if rec.Hook != "" {
		hook = sql.NullString{String: rec.Hook, Valid: true}
	}

	start := time.Now()
	result, err := s.stmtSaveProgram.ExecContext(ctx,
		rec.KernelID,
		rec.Name,
		rec.ProgramType,
		rec.ObjectPath,
		rec.SectionName,
		rec.PinPath,
		hook,
		createdAt.Format(time.RFC3339),
		now,
	)
	if err != nil {
		s.logger.Debug("sql", "stmt", "SaveProgram", "args", []any{rec.KernelID, rec.Name}, "duration_ms", msec(time.Since(start)), "error", err)
		return fmt.Errorf("failed to save program: %w", err)
	}
	rows, _ := result.RowsAffected()
	s.logger.Debug("sql", "stmt", "SaveProgram", "args", []any{rec.KernelID, rec.Name}, "duration_ms", msec(time.Since(start)), "rows_affected", rows)
	return nil
}

// GetProgram retrieves a program record by kernel id. Returns
// store.ErrNotFound if the program does not exist.
func (s *sqliteStore) GetProgram(ctx context.Context, kernelID uint32) (store.ProgramRecord, error) {
	start := time.Now()
	row := s.stmtGetProgram.QueryRowContext(ctx, kernelID)

	rec, err := scanProgram(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("sql", "stmt", "GetProgram", "args", []any{kernelID}, "duration_ms", msec(time.Since(start)), "rows", 0)
		return store.ProgramRecord{}, fmt.Errorf("program %d: %w", kernelID, store.ErrNotFound)
	}
	if err != nil {
		s.logger.Debug("sql", "stmt", "GetProgram", "args", []any{kernelID}, "duration_ms", msec(time.Since(start)), "error", err)
		return store.ProgramRecord{}, err
	}
	s.logger.Debug("sql", "stmt", "GetProgram", "args", []any{kernelID}, "duration_ms", msec(time.Since(start)), "rows", 1)
	return rec, nil
}

// GetProgramByName retrieves a program record by name. When several
// loads share a name the lowest kernel id wins. Returns
// store.ErrNotFound if no program matches.
func (s *sqliteStore) GetProgramByName(ctx context.Context, name string) (store.ProgramRecord, error) {
	start := time.Now()
	row := s.stmtGetProgramByName.QueryRowContext(ctx, name)

	rec, err := scanProgram(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("sql", "stmt", "GetProgramByName", "args", []any{name}, "duration_ms", msec(time.Since(start)), "rows", 0)
		return store.ProgramRecord{}, fmt.Errorf("program %q: %w", name, store.ErrNotFound)
	}
	if err != nil {
		s.logger.Debug("sql", "stmt", "GetProgramByName", "args", []any{name}, "duration_ms", msec(time.Since(start)), "error", err)
		return store.ProgramRecord{}, err
	}
	s.logger.Debug("sql", "stmt", "GetProgramByName", "args", []any{name}, "duration_ms", msec(time.Since(start)), "rows", 1)
	return rec, nil
}

// ListPrograms returns all program records keyed by kernel id.
func (s *sqliteStore) ListPrograms(ctx context.Context) (map[uint32]store.ProgramRecord, error) {
	start := time.Now()
	rows, err := s.stmtListPrograms.QueryContext(ctx)
	if err != nil {
		s.logger.Debug("sql", "stmt", "ListPrograms", "duration_ms", msec(time.Since(start)), "error", err)
		return nil, err
	}
	defer rows.Close()

	result := make(map[uint32]store.ProgramRecord)
	for rows.Next() {
		rec, err := scanProgramRows(rows)
		if err != nil {
			return nil, err
		}
		result[rec.KernelID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.logger.Debug("sql", "stmt", "ListPrograms", "duration_ms", msec(time.Since(start)), "rows", len(result))
	return result, nil
}

// DeleteProgram removes a program record and, via the foreign key
// cascade, its map records. Deleting an absent record is not an
// error.
func (s *sqliteStore) DeleteProgram(ctx context.Context, kernelID uint32) error {
	start := time.Now()
	result, err := s.stmtDeleteProgram.ExecContext(ctx, kernelID)
	if err != nil {
		s.logger.Debug("sql", "stmt", "DeleteProgram", "args", []any{kernelID}, "duration_ms", msec(time.Since(start)), "error", err)
		return err
	}
	rows, _ := result.RowsAffected()
	s.logger.Debug("sql", "stmt", "DeleteProgram", "args", []any{kernelID}, "duration_ms", msec(time.Since(start)), "rows_affected", rows)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgram(row rowScanner) (store.ProgramRecord, error) {
	var rec store.ProgramRecord
	var hook sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&rec.KernelID,
		&rec.Name,
		&rec.ProgramType,
		&rec.ObjectPath,
		&rec.SectionName,
		&rec.PinPath,
		&hook,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return store.ProgramRecord{}, err
	}
	if hook.Valid {
		rec.Hook = hook.String
	}

	rec.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return store.ProgramRecord{}, fmt.Errorf("invalid created_at timestamp %q: %w", createdAtStr, err)
	}
	rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return store.ProgramRecord{}, fmt.Errorf("invalid updated_at timestamp %q: %w", updatedAtStr, err)
	}
	return rec, nil
}

func scanProgramRows(rows *sql.Rows) (store.ProgramRecord, error) {
	return scanProgram(rows)
}
