package scan

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a scan id has no record.
var ErrNotFound = errors.New("scan record not found")

// Store manages persistence for scan records and their status history.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes a new scan record. CreatedAt/UpdatedAt must be set by the
// caller. History rows start with the first UpdateStatus call.
func (s *Store) Insert(rec *ScanRecord) error {
	imageRefs, err := json.Marshal(rec.ImageRefs)
	if err != nil {
		return fmt.Errorf("failed to marshal image refs: %w", err)
	}
	pressure, err := marshalNullable(rec.PressureData)
	if err != nil {
		return fmt.Errorf("failed to marshal pressure data: %w", err)
	}
	assets, err := marshalNullable(rec.ModelAssets)
	if err != nil {
		return fmt.Errorf("failed to marshal model assets: %w", err)
	}
	encMeta, err := marshalNullable(rec.Encryption)
	if err != nil {
		return fmt.Errorf("failed to marshal encryption metadata: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO scan_records (
			id, patient_id, doctor_id, image_refs, status, status_message,
			error_type, retry_count, diagnosis, diagnosis_details,
			is_encrypted, encryption_meta, pressure_data, model_assets,
			created_at, updated_at, process_started_at, process_completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PatientID, nullString(rec.DoctorID), string(imageRefs),
		string(rec.Status), nullString(rec.StatusMessage),
		nullString(string(rec.ErrorType)), rec.RetryCount,
		nullBytes([]byte(rec.Diagnosis)), nullBytes(rec.DiagnosisDetails),
		boolToInt(rec.IsEncrypted), encMeta, pressure, assets,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
		nullTime(rec.ProcessStart), nullTime(rec.ProcessFinish),
	)
	if err != nil {
		return fmt.Errorf("failed to insert scan record: %w", err)
	}
	return nil
}

// Get loads a scan record by id.
func (s *Store) Get(id string) (*ScanRecord, error) {
	row := s.db.QueryRow(`SELECT
			id, patient_id, doctor_id, image_refs, status, status_message,
			error_type, retry_count, diagnosis, diagnosis_details,
			is_encrypted, encryption_meta, pressure_data, model_assets,
			created_at, updated_at, process_started_at, process_completed_at
		FROM scan_records WHERE id = ?`, id)
	return scanRow(row)
}

// ListByPatient returns all scan records owned by a patient, newest first.
func (s *Store) ListByPatient(patientID string) ([]*ScanRecord, error) {
	rows, err := s.db.Query(`SELECT
			id, patient_id, doctor_id, image_refs, status, status_message,
			error_type, retry_count, diagnosis, diagnosis_details,
			is_encrypted, encryption_meta, pressure_data, model_assets,
			created_at, updated_at, process_started_at, process_completed_at
		FROM scan_records WHERE patient_id = ? ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*ScanRecord
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpdateStatus persists a status transition and appends a row to the
// append-only status history, both in one transaction. The caller is
// responsible for having validated the transition.
func (s *Store) UpdateStatus(id string, from, to Status, message string, errType ErrorType, retryCount int, at time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE scan_records
		SET status = ?, status_message = ?, error_type = ?, retry_count = ?, updated_at = ?
		WHERE id = ?`,
		string(to), nullString(message), nullString(string(errType)), retryCount, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update scan status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(`INSERT INTO scan_status_history
			(scan_id, from_status, to_status, message, error_type, retry_count, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, string(from), string(to), nullString(message), nullString(string(errType)), retryCount, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}

	return tx.Commit()
}

// SetProcessTimes records the processing window boundaries.
func (s *Store) SetProcessTimes(id string, started, finished *time.Time) error {
	_, err := s.db.Exec(`UPDATE scan_records
		SET process_started_at = COALESCE(?, process_started_at),
		    process_completed_at = ?
		WHERE id = ?`, nullTime(started), nullTime(finished), id)
	return err
}

// SetDiagnosis stores the analyzer's diagnosis outputs on a record.
func (s *Store) SetDiagnosis(id string, diagnosis []byte, details []byte, assets []string, pressure PressureData, at time.Time) error {
	assetsJSON, err := marshalNullable(assets)
	if err != nil {
		return fmt.Errorf("failed to marshal model assets: %w", err)
	}
	pressureJSON, err := marshalNullable(pressure)
	if err != nil {
		return fmt.Errorf("failed to marshal pressure data: %w", err)
	}
	res, err := s.db.Exec(`UPDATE scan_records
		SET diagnosis = ?, diagnosis_details = ?, model_assets = ?, pressure_data = ?, updated_at = ?
		WHERE id = ?`,
		nullBytes(diagnosis), nullBytes(details), assetsJSON, pressureJSON, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to set diagnosis: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEncryption replaces the diagnosis fields with their sealed form and
// records the encryption metadata.
func (s *Store) SetEncryption(id string, diagnosis, details []byte, meta *EncryptionMetadata, at time.Time) error {
	metaJSON, err := marshalNullable(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal encryption metadata: %w", err)
	}
	res, err := s.db.Exec(`UPDATE scan_records
		SET diagnosis = ?, diagnosis_details = ?, is_encrypted = ?, encryption_meta = ?, updated_at = ?
		WHERE id = ?`,
		nullBytes(diagnosis), nullBytes(details), boolToInt(meta != nil), metaJSON, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to set encryption state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// History returns the append-only status log for a scan, oldest first.
func (s *Store) History(id string) ([]StatusChange, error) {
	rows, err := s.db.Query(`SELECT seq, scan_id, from_status, to_status,
			message, error_type, retry_count, changed_at
		FROM scan_status_history WHERE scan_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []StatusChange
	for rows.Next() {
		var (
			c         StatusChange
			from, to  string
			msg, et   sql.NullString
			changedAt int64
		)
		if err := rows.Scan(&c.Seq, &c.ScanID, &from, &to, &msg, &et, &c.RetryCount, &changedAt); err != nil {
			return nil, err
		}
		c.FromStatus = Status(from)
		c.ToStatus = Status(to)
		c.Message = msg.String
		c.ErrorType = ErrorType(et.String)
		c.ChangedAt = time.Unix(0, changedAt)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (*ScanRecord, error) {
	var (
		rec                              ScanRecord
		doctorID, statusMsg, errType     sql.NullString
		encMeta, pressure, assets        sql.NullString
		imageRefs                        string
		status                           string
		diagnosis, details               []byte
		isEncrypted                      int
		createdAt, updatedAt             int64
		processStartedAt, processEndedAt sql.NullInt64
	)

	err := row.Scan(&rec.ID, &rec.PatientID, &doctorID, &imageRefs, &status,
		&statusMsg, &errType, &rec.RetryCount, &diagnosis, &details,
		&isEncrypted, &encMeta, &pressure, &assets,
		&createdAt, &updatedAt, &processStartedAt, &processEndedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.DoctorID = doctorID.String
	rec.Status = Status(status)
	rec.StatusMessage = statusMsg.String
	rec.ErrorType = ErrorType(errType.String)
	rec.Diagnosis = string(diagnosis)
	rec.DiagnosisDetails = details
	rec.IsEncrypted = isEncrypted != 0
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)

	if err := json.Unmarshal([]byte(imageRefs), &rec.ImageRefs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image refs for %s: %w", rec.ID, err)
	}
	if encMeta.Valid {
		if err := json.Unmarshal([]byte(encMeta.String), &rec.Encryption); err != nil {
			return nil, fmt.Errorf("failed to unmarshal encryption metadata for %s: %w", rec.ID, err)
		}
	}
	if pressure.Valid {
		if err := json.Unmarshal([]byte(pressure.String), &rec.PressureData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pressure data for %s: %w", rec.ID, err)
		}
	}
	if assets.Valid {
		if err := json.Unmarshal([]byte(assets.String), &rec.ModelAssets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal model assets for %s: %w", rec.ID, err)
		}
	}
	if processStartedAt.Valid {
		t := time.Unix(0, processStartedAt.Int64)
		rec.ProcessStart = &t
	}
	if processEndedAt.Valid {
		t := time.Unix(0, processEndedAt.Int64)
		rec.ProcessFinish = &t
	}
	return &rec, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case PressureData:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case *EncryptionMetadata:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
