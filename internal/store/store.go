// Package store provides findings persistence implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mtsa-analytics/kestrel/internal/domain"
)

var (
	// ErrNotFound means no record exists for the requested hash.
	ErrNotFound = errors.New("record not found")

	// ErrStaleWrite rejects a put whose schema version does not supersede the
	// stored record.
	ErrStaleWrite = errors.New("stale write")

	// ErrSchemaViolation rejects a record violating the analysis-type
	// field-presence invariant.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrHashCollision means the stored canonical key does not match the
	// requested one for the same hash.
	ErrHashCollision = errors.New("combination hash collision")

	// ErrDuplicateJob rejects a second live job for the same combination hash.
	ErrDuplicateJob = errors.New("live job already exists for combination")

	ErrInvalidInput = errors.New("invalid input")
)

// crossSourceTriviality is the character threshold below which cross-source
// content in a single-source record is tolerated as noise rather than
// rejected at write time.
const crossSourceTriviality = 50

// SQLStore implements domain.FindingsStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// New creates a new findings store based on configuration.
func New(cfg domain.StoreConfig) (domain.FindingsStore, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &SQLStore{
		db:     db,
		driver: cfg.Driver,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLStore) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const findingsColumns = `combination_hash, canonical_key, tool_id, tool_slug, tool_display_name,
       source_ids, source_slugs, source_bitmask, language, analysis_type,
       executive_summary, principal_findings, strategic_synthesis, conclusions,
       temporal_analysis, seasonal_analysis, spectral_analysis,
       correlation_analysis, component_analysis,
       generator_id, generation_ms, confidence_score, data_points,
       validation_status, schema_version, active, invalidate_reason,
       access_count, last_accessed, created_at, updated_at`

// Get retrieves a findings record by combination hash.
func (s *SQLStore) Get(ctx context.Context, hash string) (*domain.FindingsRecord, error) {
	if hash == "" {
		return nil, fmt.Errorf("%w: hash is required", ErrInvalidInput)
	}

	query := `SELECT ` + findingsColumns + ` FROM findings WHERE combination_hash = ?`

	row := s.db.QueryRowContext(ctx, s.rebind(query), hash)
	rec, err := scanFindings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put inserts or supersedes the record for its combination hash. Writes with a
// lower-or-equal schema version than the stored record are rejected with
// ErrStaleWrite; records violating the analysis-type field-presence invariant
// are rejected with ErrSchemaViolation. The write is atomic per record.
func (s *SQLStore) Put(ctx context.Context, rec *domain.FindingsRecord) error {
	if rec == nil || rec.CombinationHash == "" {
		return fmt.Errorf("%w: record with combination hash is required", ErrInvalidInput)
	}

	if err := checkShapeInvariant(rec); err != nil {
		return err
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	sourceIDs, _ := json.Marshal(rec.SourceIDs)
	sourceSlugs, _ := json.Marshal(rec.SourceSlugs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingVersion, existingActive int
	var existingKey string
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT schema_version, canonical_key, active FROM findings WHERE combination_hash = ?`),
		rec.CombinationHash,
	).Scan(&existingVersion, &existingKey, &existingActive)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO findings (`+findingsColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`),
			rec.CombinationHash, rec.CanonicalKey, rec.ToolID, rec.ToolSlug, rec.ToolDisplayName,
			string(sourceIDs), string(sourceSlugs), rec.SourceBitmask, rec.Language, string(rec.AnalysisType),
			rec.ExecutiveSummary, rec.PrincipalFindings, rec.StrategicSynthesis, rec.Conclusions,
			rec.TemporalAnalysis, rec.SeasonalAnalysis, rec.SpectralAnalysis,
			rec.CorrelationAnalysis, rec.ComponentAnalysis,
			rec.GeneratorID, rec.GenerationMs, rec.ConfidenceScore, rec.DataPoints,
			string(rec.ValidationStatus), rec.SchemaVersion, boolToInt(rec.Active), rec.InvalidateReason,
			rec.AccessCount, nullableTime(rec.LastAccessed), rec.CreatedAt, rec.UpdatedAt,
		)
		if err != nil {
			return err
		}

	case err != nil:
		return err

	default:
		if existingKey != rec.CanonicalKey {
			return fmt.Errorf("%w: stored key %s, incoming key %s", ErrHashCollision, existingKey, rec.CanonicalKey)
		}
		// An invalidated record may be refreshed at the same schema
		// version; an active one requires a strictly newer version.
		refresh := existingActive == 0 && rec.SchemaVersion == existingVersion
		if rec.SchemaVersion <= existingVersion && !refresh {
			return fmt.Errorf("%w: stored version %d, incoming version %d", ErrStaleWrite, existingVersion, rec.SchemaVersion)
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE findings SET
				canonical_key = ?, tool_id = ?, tool_slug = ?, tool_display_name = ?,
				source_ids = ?, source_slugs = ?, source_bitmask = ?, language = ?, analysis_type = ?,
				executive_summary = ?, principal_findings = ?, strategic_synthesis = ?, conclusions = ?,
				temporal_analysis = ?, seasonal_analysis = ?, spectral_analysis = ?,
				correlation_analysis = ?, component_analysis = ?,
				generator_id = ?, generation_ms = ?, confidence_score = ?, data_points = ?,
				validation_status = ?, schema_version = ?, active = ?, invalidate_reason = ?,
				updated_at = ?
			WHERE combination_hash = ?
		`),
			rec.CanonicalKey, rec.ToolID, rec.ToolSlug, rec.ToolDisplayName,
			string(sourceIDs), string(sourceSlugs), rec.SourceBitmask, rec.Language, string(rec.AnalysisType),
			rec.ExecutiveSummary, rec.PrincipalFindings, rec.StrategicSynthesis, rec.Conclusions,
			rec.TemporalAnalysis, rec.SeasonalAnalysis, rec.SpectralAnalysis,
			rec.CorrelationAnalysis, rec.ComponentAnalysis,
			rec.GeneratorID, rec.GenerationMs, rec.ConfidenceScore, rec.DataPoints,
			string(rec.ValidationStatus), rec.SchemaVersion, boolToInt(rec.Active), rec.InvalidateReason,
			rec.UpdatedAt, rec.CombinationHash,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkAccessed bumps the access counter and last-access timestamp.
func (s *SQLStore) MarkAccessed(ctx context.Context, hash string) error {
	if hash == "" {
		return fmt.Errorf("%w: hash is required", ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE findings
		SET access_count = access_count + 1, last_accessed = ?
		WHERE combination_hash = ?
	`), time.Now().UTC(), hash)
	return err
}

// Invalidate soft-invalidates a record. Records are never hard-deleted.
func (s *SQLStore) Invalidate(ctx context.Context, hash string, reason string) error {
	if hash == "" {
		return fmt.Errorf("%w: hash is required", ErrInvalidInput)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE findings
		SET active = 0, invalidate_reason = ?, updated_at = ?
		WHERE combination_hash = ?
	`), reason, time.Now().UTC(), hash)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountValid counts active records with Valid status matching the filter.
func (s *SQLStore) CountValid(ctx context.Context, filter domain.FindingsFilter) (int64, error) {
	filter.Status = domain.StatusValid
	filter.ActiveOnly = true

	where, args := buildFindingsWhere(filter)
	query := `SELECT COUNT(*) FROM findings` + where

	var count int64
	err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&count)
	return count, err
}

// ListFindings performs a secondary scan by tool/type/language/status.
func (s *SQLStore) ListFindings(ctx context.Context, filter domain.FindingsFilter) ([]*domain.FindingsRecord, error) {
	where, args := buildFindingsWhere(filter)
	query := `SELECT ` + findingsColumns + ` FROM findings` + where + ` ORDER BY tool_slug, language`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.FindingsRecord
	for rows.Next() {
		rec, err := scanFindings(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Stats returns store-wide counts for monitoring.
func (s *SQLStore) Stats(ctx context.Context) (*domain.FindingsStats, error) {
	stats := &domain.FindingsStats{
		ByLanguage:   make(map[string]int64),
		ByType:       make(map[string]int64),
		ByStatus:     make(map[string]int64),
		JobsByStatus: make(map[string]int64),
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM findings WHERE active = 1`,
	).Scan(&stats.TotalActive)
	if err != nil {
		return nil, err
	}

	if err := s.groupCount(ctx, `SELECT language, COUNT(*) FROM findings WHERE active = 1 GROUP BY language`, stats.ByLanguage); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, `SELECT analysis_type, COUNT(*) FROM findings WHERE active = 1 GROUP BY analysis_type`, stats.ByType); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, `SELECT validation_status, COUNT(*) FROM findings WHERE active = 1 GROUP BY validation_status`, stats.ByStatus); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, `SELECT status, COUNT(*) FROM computation_jobs GROUP BY status`, stats.JobsByStatus); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT combination_hash, tool_slug, access_count
		FROM findings
		WHERE active = 1
		ORDER BY access_count DESC
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a domain.AccessedSummary
		if err := rows.Scan(&a.CombinationHash, &a.ToolSlug, &a.AccessCount); err != nil {
			return nil, err
		}
		stats.MostAccessed = append(stats.MostAccessed, a)
	}

	return stats, rows.Err()
}

// AppendUsage appends telemetry events. Pure insert, no uniqueness constraint.
func (s *SQLStore) AppendUsage(ctx context.Context, events []domain.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO usage_events (id, combination_hash, hit, latency_ms, event_time)
		VALUES (?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.CombinationHash, boolToInt(ev.Hit), ev.LatencyMs, ev.Timestamp); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) groupCount(ctx context.Context, query string, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}

// checkShapeInvariant enforces the analysis-type field-presence rules at write
// time: single-source records must not carry non-trivial cross-source content,
// multi-source records need at least two sources.
func checkShapeInvariant(rec *domain.FindingsRecord) error {
	switch rec.AnalysisType {
	case domain.AnalysisSingle:
		if len(rec.SourceSlugs) != 1 {
			return fmt.Errorf("%w: single_source record has %d sources", ErrSchemaViolation, len(rec.SourceSlugs))
		}
		if len(strings.TrimSpace(rec.CorrelationAnalysis)) > crossSourceTriviality ||
			len(strings.TrimSpace(rec.ComponentAnalysis)) > crossSourceTriviality {
			return fmt.Errorf("%w: single_source record carries cross-source content", ErrSchemaViolation)
		}
	case domain.AnalysisMulti:
		if len(rec.SourceSlugs) < 2 {
			return fmt.Errorf("%w: multi_source record has %d sources", ErrSchemaViolation, len(rec.SourceSlugs))
		}
	default:
		return fmt.Errorf("%w: unknown analysis type %q", ErrSchemaViolation, rec.AnalysisType)
	}
	return nil
}

func buildFindingsWhere(filter domain.FindingsFilter) (string, []any) {
	var clauses []string
	var args []any

	if filter.ToolSlug != "" {
		clauses = append(clauses, "tool_slug = ?")
		args = append(args, filter.ToolSlug)
	}
	if filter.Language != "" {
		clauses = append(clauses, "language = ?")
		args = append(args, filter.Language)
	}
	if filter.AnalysisType != "" {
		clauses = append(clauses, "analysis_type = ?")
		args = append(args, string(filter.AnalysisType))
	}
	if filter.Status != "" {
		clauses = append(clauses, "validation_status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "active = 1")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFindings(row rowScanner) (*domain.FindingsRecord, error) {
	var rec domain.FindingsRecord
	var sourceIDs, sourceSlugs, analysisType, status string
	var active int
	var lastAccessed sql.NullTime

	err := row.Scan(
		&rec.CombinationHash, &rec.CanonicalKey, &rec.ToolID, &rec.ToolSlug, &rec.ToolDisplayName,
		&sourceIDs, &sourceSlugs, &rec.SourceBitmask, &rec.Language, &analysisType,
		&rec.ExecutiveSummary, &rec.PrincipalFindings, &rec.StrategicSynthesis, &rec.Conclusions,
		&rec.TemporalAnalysis, &rec.SeasonalAnalysis, &rec.SpectralAnalysis,
		&rec.CorrelationAnalysis, &rec.ComponentAnalysis,
		&rec.GeneratorID, &rec.GenerationMs, &rec.ConfidenceScore, &rec.DataPoints,
		&status, &rec.SchemaVersion, &active, &rec.InvalidateReason,
		&rec.AccessCount, &lastAccessed, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.AnalysisType = domain.AnalysisType(analysisType)
	rec.ValidationStatus = domain.ValidationStatus(status)
	rec.Active = active == 1
	if lastAccessed.Valid {
		rec.LastAccessed = lastAccessed.Time
	}
	json.Unmarshal([]byte(sourceIDs), &rec.SourceIDs)
	json.Unmarshal([]byte(sourceSlugs), &rec.SourceSlugs)

	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
