package store

import "time"

// Guardian mirrors one row of the guardians table: a participant holding
// a share of the election's decryption key. Quorum is carried on every
// guardian row of an election rather than in a dedicated elections table
// -- it is the one piece of election-ceremony configuration a
// compensated-decryption task needs, and the guardians table is the only
// per-election table this store owns.
type Guardian struct {
	GuardianID     string    `db:"guardian_id"`
	ElectionID     string    `db:"election_id"`
	SequenceOrder  int       `db:"sequence_order"`
	Name           string    `db:"name"`
	Quorum         int       `db:"quorum"`
	DecryptedOrNot bool      `db:"decrypted_or_not"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// ElectionCenter holds one tally chunk's artifacts: the encrypted tally
// produced by the tally worker and, later, the combined election result
// produced once every guardian share for this chunk has been combined.
// ElectionResult is set on each row separately as that chunk's combine
// finishes, so some rows can carry one while others are still null;
// readers must treat a null ElectionResult on any row as "results not yet
// available" rather than reading this row in isolation.
type ElectionCenter struct {
	ElectionCenterID string    `db:"election_center_id"`
	ElectionID       string    `db:"election_id"`
	ChunkNumber      int       `db:"chunk_number"`
	EncryptedTally   *string   `db:"encrypted_tally"`
	ElectionResult   *string   `db:"election_result"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// Decryption holds one guardian's partial decryption share for one
// ElectionCenter row (tally chunk).
type Decryption struct {
	ID               int64     `db:"id"`
	ElectionCenterID string    `db:"election_center_id"`
	ElectionID       string    `db:"election_id"`
	GuardianID       string    `db:"guardian_id"`
	PartialShare     string    `db:"partial_share"`
	CreatedAt        time.Time `db:"created_at"`
}

// CompensatedDecryption holds a present guardian's compensated share,
// computed on behalf of an absent guardian, for one ElectionCenter row.
type CompensatedDecryption struct {
	ID                     int64     `db:"id"`
	ElectionCenterID       string    `db:"election_center_id"`
	ElectionID             string    `db:"election_id"`
	CompensatingGuardianID string    `db:"compensating_guardian_id"`
	MissingGuardianID      string    `db:"missing_guardian_id"`
	CompensatedShare       string    `db:"compensated_share"`
	CreatedAt              time.Time `db:"created_at"`
}

// WorkerLogStatus is a WorkerLog row's lifecycle state.
type WorkerLogStatus string

const (
	WorkerLogInProgress WorkerLogStatus = "IN_PROGRESS"
	WorkerLogCompleted  WorkerLogStatus = "COMPLETED"
	WorkerLogFailed     WorkerLogStatus = "FAILED"
)

// WorkerLogKind distinguishes the worker-log varieties, one per task type.
type WorkerLogKind string

const (
	WorkerLogTally       WorkerLogKind = "TALLY"
	WorkerLogPartial     WorkerLogKind = "PARTIAL_DECRYPT"
	WorkerLogCompensated WorkerLogKind = "COMPENSATED_DECRYPT"
	WorkerLogCombine     WorkerLogKind = "COMBINE"
)

// WorkerLog records one worker's attempt at one chunk, independent of the
// in-memory registry's own bookkeeping -- this is the durable audit trail
// that survives process restarts.
type WorkerLog struct {
	ID          int64           `db:"id"`
	Kind        WorkerLogKind   `db:"kind"`
	ChunkID     string          `db:"chunk_id"`
	ElectionID  string          `db:"election_id"`
	GuardianID  string          `db:"guardian_id"`
	Status      WorkerLogStatus `db:"status"`
	StartedAt   time.Time       `db:"started_at"`
	CompletedAt *time.Time      `db:"completed_at"`
	ErrorText   *string         `db:"error_text"`
}

// JobKind distinguishes the phases a JobRecord can track.
type JobKind string

const (
	JobTally       JobKind = "TALLY"
	JobPartial     JobKind = "PARTIAL_DECRYPT"
	JobCompensated JobKind = "COMPENSATED_DECRYPT"
	JobCombine     JobKind = "COMBINE"
)

// JobStatus is a JobRecord's lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// JobRecord is the durable record of one task-instance's progress,
// tracked independently of the in-memory TaskRegistry so a process
// restart can report accurate status.
type JobRecord struct {
	JobID           string    `db:"job_id"`
	TaskInstanceID  string    `db:"task_instance_id"`
	Kind            JobKind   `db:"kind"`
	ElectionID      string    `db:"election_id"`
	GuardianID      string    `db:"guardian_id"`
	Status          JobStatus `db:"status"`
	TotalChunks     int       `db:"total_chunks"`
	ProcessedChunks int       `db:"processed_chunks"`
	FailedChunks    int       `db:"failed_chunks"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}
