package local

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/iorate/infrastructure/testutil"
	"github.com/R3E-Network/iorate/pkg/rpcdto"
)

func newFakeCoreServer(t *testing.T, onLocal, onStage func(*testing.T, *json.Decoder) rpcdto.AckResponse) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	router.HandleFunc("/rpc/connect-local", func(w http.ResponseWriter, r *http.Request) {
		ack := onLocal(t, json.NewDecoder(r.Body))
		json.NewEncoder(w).Encode(ack)
	}).Methods(http.MethodPost)
	router.HandleFunc("/rpc/connect-stage", func(w http.ResponseWriter, r *http.Request) {
		ack := onStage(t, json.NewDecoder(r.Body))
		json.NewEncoder(w).Encode(ack)
	}).Methods(http.MethodPost)
	return testutil.NewHTTPTestServer(t, router)
}

func TestHTTPCoreClient_RegisterLocal(t *testing.T) {
	srv := newFakeCoreServer(t,
		func(t *testing.T, dec *json.Decoder) rpcdto.AckResponse {
			var req rpcdto.ConnectLocalRequest
			require.NoError(t, dec.Decode(&req))
			require.Equal(t, "http://local1", req.LocalAddress)
			return rpcdto.AckResponse{OK: true}
		},
		func(t *testing.T, dec *json.Decoder) rpcdto.AckResponse {
			return rpcdto.AckResponse{OK: true}
		},
	)
	defer srv.Close()

	client, err := NewHTTPCoreClient(srv.URL)
	require.NoError(t, err)
	st := client.RegisterLocal(context.Background(), "http://local1")
	require.True(t, st.IsOK())
}

func TestHTTPCoreClient_ConnectStageToGlobal(t *testing.T) {
	srv := newFakeCoreServer(t,
		func(t *testing.T, dec *json.Decoder) rpcdto.AckResponse {
			return rpcdto.AckResponse{OK: true}
		},
		func(t *testing.T, dec *json.Decoder) rpcdto.AckResponse {
			var req rpcdto.ConnectStageRequest
			require.NoError(t, dec.Decode(&req))
			require.Equal(t, "tensor", req.StageName)
			return rpcdto.AckResponse{OK: true}
		},
	)
	defer srv.Close()

	client, err := NewHTTPCoreClient(srv.URL)
	require.NoError(t, err)
	st := client.ConnectStageToGlobal(context.Background(), "http://local1", "tensor", 2, "alice")
	require.True(t, st.IsOK())
}

func TestHTTPCoreClient_RejectedRegistration(t *testing.T) {
	srv := newFakeCoreServer(t,
		func(t *testing.T, dec *json.Decoder) rpcdto.AckResponse {
			return rpcdto.AckResponse{OK: false, Error: "local address already registered"}
		},
		func(t *testing.T, dec *json.Decoder) rpcdto.AckResponse {
			return rpcdto.AckResponse{OK: true}
		},
	)
	defer srv.Close()

	client, err := NewHTTPCoreClient(srv.URL)
	require.NoError(t, err)
	st := client.RegisterLocal(context.Background(), "http://local1")
	require.True(t, st.IsError())
}
