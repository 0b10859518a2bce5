package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/frobware/go-bpfload/store"
)

// SaveMap stores a map record using the same upsert semantics as
// SaveProgram. The owning program row must already exist or the
// foreign key constraint rejects the insert.
func (s *sqliteStore) SaveMap(ctx context.Context, rec store.MapRecord) error {
	start := time.Now()
	result, err := s.stmtSaveMap.ExecContext(ctx,
		rec.KernelID,
		rec.Name,
		rec.MapType,
		rec.KeySize,
		rec.ValueSize,
		rec.MaxEntries,
		rec.PinPath,
		rec.ProgramID,
	)
	if err != nil {
		s.logger.Debug("sql", "stmt", "SaveMap", "args", []any{rec.KernelID, rec.Name}, "duration_ms", msec(time.Since(start)), "error", err)
		return fmt.Errorf("failed to save map: %w", err)
	}
	rows, _ := result.RowsAffected()
	s.logger.Debug("sql", "stmt", "SaveMap", "args", []any{rec.KernelID, rec.Name}, "duration_ms", msec(time.Since(start)), "rows_affected", rows)
	return nil
}

// ListMapsForProgram returns the map records created for the given
// program, in name order.
func (s *sqliteStore) ListMapsForProgram(ctx context.Context, programID uint32) ([]store.MapRecord, error) {
	start := time.Now()
	rows, err := s.stmtListMaps.QueryContext(ctx, programID)
	if err != nil {
		s.logger.Debug("sql", "stmt", "ListMaps", "args", []any{programID}, "duration_ms", msec(time.Since(start)), "error", err)
		return nil, err
	}
	defer rows.Close()

	var result []store.MapRecord
	for rows.Next() {
		var rec store.MapRecord
		if err := rows.Scan(
			&rec.KernelID,
			&rec.Name,
			&rec.MapType,
			&rec.KeySize,
			&rec.ValueSize,
			&rec.MaxEntries,
			&rec.PinPath,
			&rec.ProgramID,
		); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.logger.Debug("sql", "stmt", "ListMaps", "args", []any{programID}, "duration_ms", msec(time.Since(start)), "rows", len(result))
	return result, nil
}
