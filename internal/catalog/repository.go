package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Repository interface {
	InsertScenes(ctx context.Context, scenes []*Scene) error
	ListScenes(ctx context.Context, analysisID string) ([]*Scene, error)
	GetScene(ctx context.Context, analysisID, sceneID string) (*Scene, error)
	CountScenes(ctx context.Context, analysisID string) (int, error)
	DeleteScenes(ctx context.Context, analysisID string) error

	CreateTranscript(ctx context.Context, t *VideoTranscript) error
	GetTranscript(ctx context.Context, id string) (*VideoTranscript, error)
	GetTranscriptByAnalysis(ctx context.Context, analysisID string) (*VideoTranscript, error)
	UpdateTranscriptStatus(ctx context.Context, id, status, errorMsg string) error
	CompleteTranscript(ctx context.Context, t *VideoTranscript, segments []*TranscriptSegment) error
	ListSegments(ctx context.Context, transcriptID string) ([]*TranscriptSegment, error)
	ListSegmentsInWindow(ctx context.Context, transcriptID string, start, end float64) ([]*TranscriptSegment, error)
	DeleteTranscriptByAnalysis(ctx context.Context, analysisID string) error

	CreateExportJob(ctx context.Context, job *ExportJob) error
	GetExportJob(ctx context.Context, id string) (*ExportJob, error)
	ListExportJobs(ctx context.Context, limit int) ([]*ExportJob, error)
	ListExportJobsByState(ctx context.Context, state string) ([]*ExportJob, error)
	UpdateExportJobState(ctx context.Context, id, state, errorKind, errorMsg string) error

	CreateExport(ctx context.Context, rec *ExportRecord) error
	GetExport(ctx context.Context, analysisID, filename string) (*ExportRecord, error)
	GetExportByJob(ctx context.Context, jobID string) (*ExportRecord, error)
	ListExports(ctx context.Context, analysisID string) ([]*ExportRecord, error)
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const sceneColumns = `id, analysis_id, scene_index, start_time, end_time, transition_type, segmentation_method, created_at`

// InsertScenes writes all scenes in a single transaction.
func (r *SQLiteRepository) InsertScenes(ctx context.Context, scenes []*Scene) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO scenes (`+sceneColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range scenes {
		if _, err := stmt.ExecContext(ctx, s.ID, s.AnalysisID, s.SceneIndex, s.StartTime, s.EndTime,
			s.TransitionType, s.SegmentationMethod, formatTime(s.CreatedAt)); err != nil {
			return fmt.Errorf("insert scene %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) ListScenes(ctx context.Context, analysisID string) ([]*Scene, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sceneColumns+`
		FROM scenes WHERE analysis_id = ? ORDER BY start_time, scene_index
	`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scenes []*Scene
	for rows.Next() {
		s, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, s)
	}
	return scenes, rows.Err()
}

func (r *SQLiteRepository) GetScene(ctx context.Context, analysisID, sceneID string) (*Scene, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sceneColumns+`
		FROM scenes WHERE analysis_id = ? AND id = ?
	`, analysisID, sceneID)
	s, err := scanScene(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *SQLiteRepository) CountScenes(ctx context.Context, analysisID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scenes WHERE analysis_id = ?`, analysisID).Scan(&count)
	return count, err
}

func (r *SQLiteRepository) DeleteScenes(ctx context.Context, analysisID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM scenes WHERE analysis_id = ?`, analysisID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScene(row rowScanner) (*Scene, error) {
	var s Scene
	var createdAt string
	if err := row.Scan(&s.ID, &s.AnalysisID, &s.SceneIndex, &s.StartTime, &s.EndTime,
		&s.TransitionType, &s.SegmentationMethod, &createdAt); err != nil {
		return nil, err
	}
	s.CreatedAt = parseTime(createdAt)
	return &s, nil
}

const transcriptColumns = `id, analysis_id, video_filename, video_duration, language_code, transcription_method,
	confidence_score, full_transcript_text, status, error, created_at, updated_at`

func (r *SQLiteRepository) CreateTranscript(ctx context.Context, t *VideoTranscript) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO video_transcripts (`+transcriptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.AnalysisID, t.VideoFilename, t.VideoDuration, t.LanguageCode, t.TranscriptionMethod,
		t.ConfidenceScore, t.FullTranscriptText, t.Status, nullString(t.Error),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	return err
}

func (r *SQLiteRepository) GetTranscript(ctx context.Context, id string) (*VideoTranscript, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transcriptColumns+` FROM video_transcripts WHERE id = ?`, id)
	return r.scanTranscript(row)
}

func (r *SQLiteRepository) GetTranscriptByAnalysis(ctx context.Context, analysisID string) (*VideoTranscript, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transcriptColumns+` FROM video_transcripts WHERE analysis_id = ?`, analysisID)
	return r.scanTranscript(row)
}

func (r *SQLiteRepository) scanTranscript(row *sql.Row) (*VideoTranscript, error) {
	var t VideoTranscript
	var errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.AnalysisID, &t.VideoFilename, &t.VideoDuration, &t.LanguageCode, &t.TranscriptionMethod,
		&t.ConfidenceScore, &t.FullTranscriptText, &t.Status, &errMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.Error = errMsg.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func (r *SQLiteRepository) UpdateTranscriptStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE video_transcripts SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), formatTime(time.Now()), id)
	return err
}

// CompleteTranscript stores the segments and the final transcript metadata
// atomically, so readers never see a completed transcript without its segments.
func (r *SQLiteRepository) CompleteTranscript(ctx context.Context, t *VideoTranscript, segments []*TranscriptSegment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transcript_segments (id, transcript_id, seq, start_time, end_time, text, confidence, segment_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range segments {
		if _, err := stmt.ExecContext(ctx, s.ID, t.ID, s.Seq, s.StartTime, s.EndTime, s.Text, s.Confidence, s.SegmentType); err != nil {
			return fmt.Errorf("insert segment %d: %w", s.Seq, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE video_transcripts
		SET video_duration = ?, language_code = ?, transcription_method = ?, confidence_score = ?,
			full_transcript_text = ?, status = ?, error = NULL, updated_at = ?
		WHERE id = ?
	`, t.VideoDuration, t.LanguageCode, t.TranscriptionMethod, t.ConfidenceScore,
		t.FullTranscriptText, TranscriptStatusCompleted, formatTime(t.UpdatedAt), t.ID); err != nil {
		return err
	}

	return tx.Commit()
}

const segmentColumns = `id, transcript_id, seq, start_time, end_time, text, confidence, segment_type`

func (r *SQLiteRepository) ListSegments(ctx context.Context, transcriptID string) ([]*TranscriptSegment, error) {
	return r.querySegments(ctx, `
		SELECT `+segmentColumns+` FROM transcript_segments
		WHERE transcript_id = ? ORDER BY start_time, seq
	`, transcriptID)
}

// ListSegmentsInWindow returns the segments whose interval intersects [start, end).
func (r *SQLiteRepository) ListSegmentsInWindow(ctx context.Context, transcriptID string, start, end float64) ([]*TranscriptSegment, error) {
	return r.querySegments(ctx, `
		SELECT `+segmentColumns+` FROM transcript_segments
		WHERE transcript_id = ? AND start_time < ? AND end_time > ?
		ORDER BY start_time, seq
	`, transcriptID, end, start)
}

func (r *SQLiteRepository) querySegments(ctx context.Context, query string, args ...any) ([]*TranscriptSegment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []*TranscriptSegment
	for rows.Next() {
		var s TranscriptSegment
		if err := rows.Scan(&s.ID, &s.TranscriptID, &s.Seq, &s.StartTime, &s.EndTime, &s.Text, &s.Confidence, &s.SegmentType); err != nil {
			return nil, err
		}
		segments = append(segments, &s)
	}
	return segments, rows.Err()
}

func (r *SQLiteRepository) DeleteTranscriptByAnalysis(ctx context.Context, analysisID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM video_transcripts WHERE analysis_id = ?`, analysisID)
	return err
}

const exportJobColumns = `id, analysis_id, export_name, state, request_json, error_kind, error, created_at, updated_at`

func (r *SQLiteRepository) CreateExportJob(ctx context.Context, j *ExportJob) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO export_jobs (`+exportJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.AnalysisID, j.ExportName, j.State, j.RequestJSON, nullString(j.ErrorKind), nullString(j.Error),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	return err
}

func (r *SQLiteRepository) GetExportJob(ctx context.Context, id string) (*ExportJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+exportJobColumns+` FROM export_jobs WHERE id = ?`, id)
	j, err := scanExportJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (r *SQLiteRepository) ListExportJobs(ctx context.Context, limit int) ([]*ExportJob, error) {
	return r.queryExportJobs(ctx, `
		SELECT `+exportJobColumns+` FROM export_jobs ORDER BY created_at DESC LIMIT ?
	`, limit)
}

// ListExportJobsByState returns jobs in the given state, oldest first.
func (r *SQLiteRepository) ListExportJobsByState(ctx context.Context, state string) ([]*ExportJob, error) {
	return r.queryExportJobs(ctx, `
		SELECT `+exportJobColumns+` FROM export_jobs WHERE state = ? ORDER BY created_at ASC
	`, state)
}

func (r *SQLiteRepository) queryExportJobs(ctx context.Context, query string, args ...any) ([]*ExportJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ExportJob
	for rows.Next() {
		j, err := scanExportJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanExportJob(row rowScanner) (*ExportJob, error) {
	var j ExportJob
	var errKind, errMsg sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.AnalysisID, &j.ExportName, &j.State, &j.RequestJSON,
		&errKind, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.ErrorKind = errKind.String
	j.Error = errMsg.String
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func (r *SQLiteRepository) UpdateExportJobState(ctx context.Context, id, state, errorKind, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE export_jobs SET state = ?, error_kind = ?, error = ?, updated_at = ? WHERE id = ?
	`, state, nullString(errorKind), nullString(errorMsg), formatTime(time.Now()), id)
	return err
}

const exportColumns = `job_id, analysis_id, filename, file_path, file_size, segments_count, export_duration, media_duration_ms, created_at`

func (r *SQLiteRepository) CreateExport(ctx context.Context, e *ExportRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exports (`+exportColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.JobID, e.AnalysisID, e.Filename, e.FilePath, e.FileSize, e.SegmentsCount, e.ExportDuration,
		e.MediaDurationMs, formatTime(e.CreatedAt))
	return err
}

func (r *SQLiteRepository) GetExport(ctx context.Context, analysisID, filename string) (*ExportRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+exportColumns+` FROM exports WHERE analysis_id = ? AND filename = ?
	`, analysisID, filename)
	e, err := scanExport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (r *SQLiteRepository) GetExportByJob(ctx context.Context, jobID string) (*ExportRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM exports WHERE job_id = ?`, jobID)
	e, err := scanExport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (r *SQLiteRepository) ListExports(ctx context.Context, analysisID string) ([]*ExportRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+exportColumns+` FROM exports WHERE analysis_id = ? ORDER BY created_at DESC
	`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ExportRecord
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, e)
	}
	return records, rows.Err()
}

func scanExport(row rowScanner) (*ExportRecord, error) {
	var e ExportRecord
	var createdAt string
	if err := row.Scan(&e.JobID, &e.AnalysisID, &e.Filename, &e.FilePath, &e.FileSize, &e.SegmentsCount,
		&e.ExportDuration, &e.MediaDurationMs, &createdAt); err != nil {
		return nil, err
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
