package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/cto-orchestrator/internal/credentials"
	"github.com/kenneth/cto-orchestrator/internal/kvstore"
	"github.com/kenneth/cto-orchestrator/internal/store"
)

type fakeStarter struct {
	tallyJobID   string
	partialJobID string
	combineJobID string
	err          error
}

func (f *fakeStarter) StartTally(context.Context, string, []string) (string, error) {
	return f.tallyJobID, f.err
}
func (f *fakeStarter) StartPartialDecryption(context.Context, string, string) (string, error) {
	return f.partialJobID, f.err
}
func (f *fakeStarter) StartCombine(context.Context, string) (string, error) {
	return f.combineJobID, f.err
}

type fakeJobStore struct {
	job JobRecordOrErr
}

type JobRecordOrErr struct {
	record store.JobRecord
	err    error
}

func (f *fakeJobStore) Create(context.Context, store.JobRecord) error { return nil }
func (f *fakeJobStore) Get(context.Context, string) (store.JobRecord, error) {
	return f.job.record, f.job.err
}
func (f *fakeJobStore) GetByTaskInstance(context.Context, string) (store.JobRecord, error) {
	return f.job.record, f.job.err
}
func (f *fakeJobStore) GetActiveByElection(context.Context, string, store.JobKind, string) (store.JobRecord, error) {
	return f.job.record, f.job.err
}
func (f *fakeJobStore) IncrementProcessed(context.Context, string) (store.JobRecord, error) {
	return f.job.record, f.job.err
}
func (f *fakeJobStore) IncrementFailed(context.Context, string) (store.JobRecord, error) {
	return f.job.record, f.job.err
}
func (f *fakeJobStore) MarkStatus(context.Context, string, store.JobStatus) error { return nil }

func newTestHandler(t *testing.T, starter PhaseStarter, jobs store.JobRecordStore) (*Handler, *mux.Router) {
	t.Helper()
	return newTestHandlerWithAllowlist(t, starter, jobs, nil)
}

func newTestHandlerWithAllowlist(t *testing.T, starter PhaseStarter, jobs store.JobRecordStore, allowlist *ElectionAllowlist) (*Handler, *mux.Router) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	creds := credentials.New(kvstore.NewFromClient(client))
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	h := NewHandler(starter, jobs, creds, allowlist, logger, nil, nil)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return h, r
}

func TestHandleStartTally_Success(t *testing.T) {
	_, r := newTestHandler(t, &fakeStarter{tallyJobID: "job-1"}, &fakeJobStore{})

	body, _ := json.Marshal(startTallyRequest{BallotIDs: []string{"b1", "b2"}})
	req := httptest.NewRequest(http.MethodPost, "/elections/e1/tally", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
}

func TestHandleStartTally_RejectsEmptyBallots(t *testing.T) {
	_, r := newTestHandler(t, &fakeStarter{}, &fakeJobStore{})

	body, _ := json.Marshal(startTallyRequest{BallotIDs: nil})
	req := httptest.NewRequest(http.MethodPost, "/elections/e1/tally", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStartCombine_Success(t *testing.T) {
	_, r := newTestHandler(t, &fakeStarter{combineJobID: "job-2"}, &fakeJobStore{})

	req := httptest.NewRequest(http.MethodPost, "/elections/e1/combine", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-2", resp.JobID)
}

func TestHandleStartPartialDecryption_Success(t *testing.T) {
	_, r := newTestHandler(t, &fakeStarter{partialJobID: "job-4"}, &fakeJobStore{})

	req := httptest.NewRequest(http.MethodPost, "/elections/e1/guardians/g1/partial-decryption", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-4", resp.JobID)
}

func TestHandleGetJob_NotFound(t *testing.T) {
	_, r := newTestHandler(t, &fakeStarter{}, &fakeJobStore{job: JobRecordOrErr{err: store.ErrNotFound}})

	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetJob_Found(t *testing.T) {
	_, r := newTestHandler(t, &fakeStarter{}, &fakeJobStore{job: JobRecordOrErr{record: store.JobRecord{JobID: "job-3", Status: store.JobRunning}}})

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-3", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got store.JobRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "job-3", got.JobID)
}

func TestHandlePutCredentials_StoresAndClears(t *testing.T) {
	h, r := newTestHandler(t, &fakeStarter{}, &fakeJobStore{})

	body, _ := json.Marshal(putCredentialsRequest{PrivateKey: "pk", Polynomial: "poly"})
	req := httptest.NewRequest(http.MethodPut, "/elections/e1/guardians/g1/credentials", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	has, err := h.credentials.Has(context.Background(), "e1", "g1")
	require.NoError(t, err)
	assert.True(t, has)

	req = httptest.NewRequest(http.MethodDelete, "/elections/e1/guardians/g1/credentials", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	has, err = h.credentials.Has(context.Background(), "e1", "g1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestHandlePutCredentials_RejectsMissingFields(t *testing.T) {
	_, r := newTestHandler(t, &fakeStarter{}, &fakeJobStore{})

	body, _ := json.Marshal(putCredentialsRequest{PrivateKey: "pk"})
	req := httptest.NewRequest(http.MethodPut, "/elections/e1/guardians/g1/credentials", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAllowlist_RejectsElectionOutsidePatterns(t *testing.T) {
	allowlist := NewElectionAllowlist([]string{"prod-*"}, nil)
	_, r := newTestHandlerWithAllowlist(t, &fakeStarter{combineJobID: "job-2"}, &fakeJobStore{}, allowlist)

	req := httptest.NewRequest(http.MethodPost, "/elections/staging-e1/combine", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/elections/prod-e1/combine", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealthRoutes_Served(t *testing.T) {
	_, r := newTestHandler(t, &fakeStarter{}, &fakeJobStore{})

	for _, path := range []string{"/health", "/ready", "/live"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
