package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/cto-orchestrator/internal/credentials"
	"github.com/kenneth/cto-orchestrator/internal/scheduler"
	"github.com/kenneth/cto-orchestrator/internal/store"
)

type fakeCrypto struct {
	tallyResp       json.RawMessage
	partialResp     json.RawMessage
	compensatedResp json.RawMessage
	combineResp     json.RawMessage
	err             error

	lastPayload any
}

func (f *fakeCrypto) CreateEncryptedTally(_ context.Context, payload any) (json.RawMessage, error) {
	f.lastPayload = payload
	return f.tallyResp, f.err
}
func (f *fakeCrypto) CreatePartialDecryption(_ context.Context, payload any) (json.RawMessage, error) {
	f.lastPayload = payload
	return f.partialResp, f.err
}
func (f *fakeCrypto) CreateCompensatedDecryption(_ context.Context, payload any) (json.RawMessage, error) {
	f.lastPayload = payload
	return f.compensatedResp, f.err
}
func (f *fakeCrypto) CombineDecryptionShares(_ context.Context, payload any) (json.RawMessage, error) {
	f.lastPayload = payload
	return f.combineResp, f.err
}

type fakeElectionCenters struct {
	rows map[string]store.ElectionCenter
}

func newFakeElectionCenters() *fakeElectionCenters {
	return &fakeElectionCenters{rows: map[string]store.ElectionCenter{}}
}

func (f *fakeElectionCenters) Create(_ context.Context, electionCenterID, electionID string, chunkNumber int) error {
	if _, ok := f.rows[electionCenterID]; ok {
		return nil
	}
	f.rows[electionCenterID] = store.ElectionCenter{ElectionCenterID: electionCenterID, ElectionID: electionID, ChunkNumber: chunkNumber}
	return nil
}

func (f *fakeElectionCenters) Get(_ context.Context, electionCenterID string) (store.ElectionCenter, error) {
	row, ok := f.rows[electionCenterID]
	if !ok {
		return store.ElectionCenter{}, store.ErrNotFound
	}
	return row, nil
}

func (f *fakeElectionCenters) ByElection(_ context.Context, electionID string) ([]store.ElectionCenter, error) {
	var out []store.ElectionCenter
	for _, row := range f.rows {
		if row.ElectionID == electionID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeElectionCenters) SetEncryptedTally(_ context.Context, electionCenterID, encryptedTally string) error {
	row := f.rows[electionCenterID]
	row.EncryptedTally = &encryptedTally
	f.rows[electionCenterID] = row
	return nil
}

func (f *fakeElectionCenters) SetElectionResult(_ context.Context, electionCenterID, electionResult string) error {
	row := f.rows[electionCenterID]
	row.ElectionResult = &electionResult
	f.rows[electionCenterID] = row
	return nil
}

func (f *fakeElectionCenters) ElectionResult(context.Context, string) ([]string, error) {
	return nil, store.ErrResultsPending
}

type fakeDecryptions struct {
	rows []store.Decryption
}

func (f *fakeDecryptions) Insert(_ context.Context, d store.Decryption) error {
	f.rows = append(f.rows, d)
	return nil
}
func (f *fakeDecryptions) ByGuardian(context.Context, string, string) ([]store.Decryption, error) {
	return nil, nil
}
func (f *fakeDecryptions) ByElectionCenter(_ context.Context, electionCenterID string) ([]store.Decryption, error) {
	var out []store.Decryption
	for _, d := range f.rows {
		if d.ElectionCenterID == electionCenterID {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeCompensatedDecryptions struct {
	rows []store.CompensatedDecryption
}

func (f *fakeCompensatedDecryptions) Insert(_ context.Context, cd store.CompensatedDecryption) error {
	f.rows = append(f.rows, cd)
	return nil
}
func (f *fakeCompensatedDecryptions) ByMissingGuardian(context.Context, string, string) ([]store.CompensatedDecryption, error) {
	return nil, nil
}
func (f *fakeCompensatedDecryptions) ByElectionCenter(_ context.Context, electionCenterID string) ([]store.CompensatedDecryption, error) {
	var out []store.CompensatedDecryption
	for _, cd := range f.rows {
		if cd.ElectionCenterID == electionCenterID {
			out = append(out, cd)
		}
	}
	return out, nil
}

func testCredentials(t *testing.T) *credentials.Store {
	t.Helper()
	return credentials.New(testKV(t))
}

func envelopeFor(t *testing.T, payload any) scheduler.Envelope {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return scheduler.Envelope{Payload: b}
}

func TestTallyProcessor_PersistsEncryptedTally(t *testing.T) {
	centers := newFakeElectionCenters()
	crypto := &fakeCrypto{tallyResp: json.RawMessage(`{"encryptedTally":"ct-1"}`)}
	proc := &TallyProcessor{Crypto: crypto, ElectionCenters: centers}

	env := envelopeFor(t, TallyPayload{ElectionID: "e1", ChunkNumber: 1, ElectionCenterID: "ec-1", BallotIDs: []string{"b1", "b2"}})
	require.NoError(t, proc.Process(context.Background(), env))

	row, err := centers.Get(context.Background(), "ec-1")
	require.NoError(t, err)
	require.NotNil(t, row.EncryptedTally)
	assert.Equal(t, "ct-1", *row.EncryptedTally)
}

func TestTallyProcessor_RejectsEmptyBallotIDs(t *testing.T) {
	proc := &TallyProcessor{Crypto: &fakeCrypto{}, ElectionCenters: newFakeElectionCenters()}
	env := envelopeFor(t, TallyPayload{ElectionID: "e1", ChunkNumber: 1, ElectionCenterID: "ec-1"})
	err := proc.Process(context.Background(), env)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestPartialDecryptionProcessor_FetchesKeyAndPersistsShare(t *testing.T) {
	creds := testCredentials(t)
	require.NoError(t, creds.Put(context.Background(), "e1", "g1", "unwrapped-key", "poly"))

	decryptions := &fakeDecryptions{}
	crypto := &fakeCrypto{partialResp: json.RawMessage(`{"partialShare":"share-1"}`)}
	proc := &PartialDecryptionProcessor{Crypto: crypto, Credentials: creds, Decryptions: decryptions}

	env := envelopeFor(t, PartialDecryptionPayload{ElectionID: "e1", GuardianID: "g1", ElectionCenterID: "ec-1", ChunkNumber: 1})
	require.NoError(t, proc.Process(context.Background(), env))

	require.Len(t, decryptions.rows, 1)
	assert.Equal(t, "share-1", decryptions.rows[0].PartialShare)

	req, ok := crypto.lastPayload.(PartialDecryptionRequest)
	require.True(t, ok)
	assert.Equal(t, "unwrapped-key", req.UnwrappedPrivateKey)
}

func TestPartialDecryptionProcessor_MissingCredentialsIsTransient(t *testing.T) {
	creds := testCredentials(t)
	proc := &PartialDecryptionProcessor{Crypto: &fakeCrypto{}, Credentials: creds, Decryptions: &fakeDecryptions{}}

	env := envelopeFor(t, PartialDecryptionPayload{ElectionID: "e1", GuardianID: "ghost", ElectionCenterID: "ec-1"})
	err := proc.Process(context.Background(), env)
	require.Error(t, err)
	assert.False(t, IsPermanent(err), "missing credentials must stay retriable until attempts exhaust")
}

func TestCompensatedDecryptionProcessor_MissingBackupIsPermanent(t *testing.T) {
	kv := testKV(t)
	creds := credentials.New(kv)
	require.NoError(t, creds.Put(context.Background(), "e1", "g1", "unwrapped-key", "poly"))
	// Drop only the backup bundle: with the private key gone too, the
	// processor reports retriable "credentials missing" instead.
	require.NoError(t, kv.Delete(context.Background(), "polynomial:e1:g1"))

	proc := &CompensatedDecryptionProcessor{Crypto: &fakeCrypto{}, Credentials: creds, CompensatedDecryptions: &fakeCompensatedDecryptions{}}
	env := envelopeFor(t, CompensatedDecryptionPayload{ElectionID: "e1", ElectionCenterID: "ec-1", CompensatingGuardianID: "g1", MissingGuardianID: "g2"})
	err := proc.Process(context.Background(), env)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestCompensatedDecryptionProcessor_PersistsShare(t *testing.T) {
	creds := testCredentials(t)
	require.NoError(t, creds.Put(context.Background(), "e1", "g1", "unwrapped-key", "backup-bundle"))

	compensated := &fakeCompensatedDecryptions{}
	crypto := &fakeCrypto{compensatedResp: json.RawMessage(`{"compensatedShare":"comp-1"}`)}
	proc := &CompensatedDecryptionProcessor{Crypto: crypto, Credentials: creds, CompensatedDecryptions: compensated}

	env := envelopeFor(t, CompensatedDecryptionPayload{ElectionID: "e1", ElectionCenterID: "ec-1", CompensatingGuardianID: "g1", MissingGuardianID: "g2"})
	require.NoError(t, proc.Process(context.Background(), env))

	require.Len(t, compensated.rows, 1)
	assert.Equal(t, "comp-1", compensated.rows[0].CompensatedShare)

	req, ok := crypto.lastPayload.(CompensatedDecryptionRequest)
	require.True(t, ok)
	assert.Equal(t, "backup-bundle", req.CompensatingGuardianKeyBackup)
}

func TestCombineProcessor_GathersSharesAndPersistsResult(t *testing.T) {
	centers := newFakeElectionCenters()
	tally := "ct-1"
	centers.rows["ec-1"] = store.ElectionCenter{ElectionCenterID: "ec-1", ElectionID: "e1", EncryptedTally: &tally}

	decryptions := &fakeDecryptions{rows: []store.Decryption{{ElectionCenterID: "ec-1", PartialShare: "p1"}}}
	compensated := &fakeCompensatedDecryptions{rows: []store.CompensatedDecryption{{ElectionCenterID: "ec-1", CompensatedShare: "c1"}}}
	crypto := &fakeCrypto{combineResp: json.RawMessage(`{"electionResult":"result-1"}`)}
	proc := &CombineProcessor{Crypto: crypto, ElectionCenters: centers, Decryptions: decryptions, CompensatedDecryptions: compensated}

	env := envelopeFor(t, CombinePayload{ElectionID: "e1", ElectionCenterID: "ec-1"})
	require.NoError(t, proc.Process(context.Background(), env))

	row, err := centers.Get(context.Background(), "ec-1")
	require.NoError(t, err)
	require.NotNil(t, row.ElectionResult)
	assert.Equal(t, "result-1", *row.ElectionResult)

	req, ok := crypto.lastPayload.(CombinePayload)
	require.True(t, ok)
	assert.Equal(t, []string{"p1"}, req.PartialShares)
	assert.Equal(t, []string{"c1"}, req.CompensatedShares)
}

func TestCombineProcessor_RejectsMissingEncryptedTally(t *testing.T) {
	centers := newFakeElectionCenters()
	require.NoError(t, centers.Create(context.Background(), "ec-1", "e1", 1))

	proc := &CombineProcessor{
		Crypto:                 &fakeCrypto{},
		ElectionCenters:        centers,
		Decryptions:            &fakeDecryptions{},
		CompensatedDecryptions: &fakeCompensatedDecryptions{},
	}
	env := envelopeFor(t, CombinePayload{ElectionID: "e1", ElectionCenterID: "ec-1"})
	err := proc.Process(context.Background(), env)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
