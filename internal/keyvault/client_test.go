package keyvault_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appfoundry/appfoundry/internal/keyvault"
)

func TestGetSecret(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value": "hunter2"}`))
	}))
	defer srv.Close()

	client := keyvault.NewClient(srv.URL, "vault-token")
	value, err := client.GetSecret(context.Background(), "db-password")
	require.NoError(t, err)
	require.Equal(t, "hunter2", value)
	require.Equal(t, "/secrets/db-password", gotPath)
	require.Equal(t, "Bearer vault-token", gotAuth)
}

func TestGetSecret_EscapesName(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Write([]byte(`{"value": "x"}`))
	}))
	defer srv.Close()

	client := keyvault.NewClient(srv.URL, "t")
	_, err := client.GetSecret(context.Background(), "oddly/named secret")
	require.NoError(t, err)
	require.Equal(t, "/secrets/oddly%2Fnamed%20secret", gotPath)
}

func TestGetSecret_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such secret", http.StatusNotFound)
	}))
	defer srv.Close()

	client := keyvault.NewClient(srv.URL, "t")
	_, err := client.GetSecret(context.Background(), "missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestGetEncryptionKey(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value": "` + base64.StdEncoding.EncodeToString(key) + `"}`))
	}))
	defer srv.Close()

	client := keyvault.NewClient(srv.URL, "t")
	got, err := client.GetEncryptionKey(context.Background(), "data-encryption-key")
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestGetEncryptionKey_BadEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value": "not base64!!"}`))
	}))
	defer srv.Close()

	client := keyvault.NewClient(srv.URL, "t")
	_, err := client.GetEncryptionKey(context.Background(), "data-encryption-key")
	require.Error(t, err)
}

func TestWithHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value": "v"}`))
	}))
	defer srv.Close()

	client := keyvault.NewClient(srv.URL, "t", keyvault.WithHTTPClient(srv.Client()))
	value, err := client.GetSecret(context.Background(), "s")
	require.NoError(t, err)
	require.Equal(t, "v", value)
}
