package cryptoservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEncryptedTally_RoundTrips(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"encryptedTally":"blob"}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := client.CreateEncryptedTally(context.Background(), map[string]any{"chunkNumber": 1})
	require.NoError(t, err)
	assert.Equal(t, "/"+RPCCreateEncryptedTally, gotPath)
	assert.Equal(t, float64(1), gotBody["chunkNumber"])

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(resp, &parsed))
	assert.Equal(t, "blob", parsed["encryptedTally"])
}

func TestCall_NonOKStatusReturnsRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.CombineDecryptionShares(context.Background(), map[string]any{})
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, http.StatusInternalServerError, rpcErr.StatusCode)
	assert.Equal(t, RPCCombineDecryptionShares, rpcErr.RPC)
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestTimeoutFor_CombineIsLight(t *testing.T) {
	assert.Equal(t, LightRPCTimeout, timeoutFor(RPCCombineDecryptionShares))
	assert.Equal(t, HeavyRPCTimeout, timeoutFor(RPCCreatePartialDecryption))
}
