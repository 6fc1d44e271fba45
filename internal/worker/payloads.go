package worker

// TallyPayload is a TALLY chunk's request body (TallyCreationTask). It
// carries the chunk's routing fields and ballot ids only; election
// public material and the ballot manifest are not part of it.
type TallyPayload struct {
	ElectionID       string   `json:"electionId"`
	ChunkNumber      int      `json:"chunkNumber"`
	ElectionCenterID string   `json:"electionCenterId"`
	BallotIDs        []string `json:"ballotIds"`
}

// TallyResult is the response CreateEncryptedTally returns.
type TallyResult struct {
	EncryptedTally string `json:"encryptedTally"`
}

// PartialDecryptionPayload is a PARTIAL_DECRYPT chunk's request body
// (PartialDecryptionTask). The guardian's unwrapped private key is
// deliberately absent here: it is looked up from credentials.Store
// at consumption time rather than serialized onto the durable queue.
type PartialDecryptionPayload struct {
	ElectionID       string `json:"electionId"`
	GuardianID       string `json:"guardianId"`
	ChunkNumber      int    `json:"chunkNumber"`
	ElectionCenterID string `json:"electionCenterId"`
	TotalChunks      int    `json:"totalChunks"`
	EncryptedTally   string `json:"encryptedTally"`
}

// PartialDecryptionRequest is what actually crosses the wire to
// CryptoService: PartialDecryptionPayload plus the key material fetched
// just before the call.
type PartialDecryptionRequest struct {
	PartialDecryptionPayload
	UnwrappedPrivateKey string `json:"unwrappedPrivateKey"`
}

// PartialDecryptionResult is the response CreatePartialDecryption returns.
type PartialDecryptionResult struct {
	PartialShare string `json:"partialShare"`
}

// CompensatedDecryptionPayload is a COMPENSATED_DECRYPT chunk's request
// body (CompensatedDecryptionTask). CompensatingGuardianID names the
// present guardian computing the share; MissingGuardianID names
// the absent guardian it compensates for.
type CompensatedDecryptionPayload struct {
	ElectionID                   string `json:"electionId"`
	ElectionCenterID             string `json:"electionCenterId"`
	ChunkNumber                  int    `json:"chunkNumber"`
	CompensatingGuardianID       string `json:"compensatingGuardianId"`
	CompensatingGuardianSequence int    `json:"compensatingGuardianSequenceOrder"`
	MissingGuardianID            string `json:"missingGuardianId"`
	MissingGuardianSequence      int    `json:"missingGuardianSequenceOrder"`
	Quorum                       int    `json:"quorum"`
	EncryptedTally               string `json:"encryptedTally"`
}

// CompensatedDecryptionRequest is what crosses the wire to CryptoService:
// CompensatedDecryptionPayload plus key material fetched just before the
// call. CompensatingGuardianKeyBackup is the compensating guardian's full
// guardian-data bundle (it contains the missing guardian's backup entry
// inside it; a minimal stub cannot substitute for it).
type CompensatedDecryptionRequest struct {
	CompensatedDecryptionPayload
	CompensatingUnwrappedPrivateKey string `json:"compensatingUnwrappedPrivateKey"`
	CompensatingGuardianKeyBackup   string `json:"compensatingGuardianKeyBackup"`
}

// CompensatedDecryptionResult is the response CreateCompensatedDecryption
// returns.
type CompensatedDecryptionResult struct {
	CompensatedShare string `json:"compensatedShare"`
}

// CombinePayload is a COMBINE chunk's request body (CombineDecryptionTask).
type CombinePayload struct {
	ElectionID        string   `json:"electionId"`
	ElectionCenterID  string   `json:"electionCenterId"`
	ChunkNumber       int      `json:"chunkNumber"`
	EncryptedTally    string   `json:"encryptedTally"`
	PartialShares     []string `json:"partialShares"`
	CompensatedShares []string `json:"compensatedShares"`
}

// CombineResult is the response CombineDecryptionShares returns.
type CombineResult struct {
	ElectionResult string `json:"electionResult"`
}
