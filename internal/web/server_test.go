package web

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"relay-gateway/internal/config"
	"relay-gateway/internal/manager"
	"relay-gateway/internal/server"

	"golang.org/x/crypto/argon2"
	"gotest.tools/assert"
)

// makeHash builds a deliberately cheap argon2id credential string for tests.
func makeHash(password string) string {
	salt := []byte("0123456789abcdef")
	hash := argon2.IDKey([]byte(password), salt, 1, 1024, 1, 32)
	return fmt.Sprintf("$argon2id$v=%d$m=1024,t=1,p=1$%s$%s",
		argon2.Version,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
}

func TestVerifyPassword(t *testing.T) {
	hash := makeHash("hunter2")

	ok, err := VerifyPassword("hunter2", hash)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	ok, err = VerifyPassword("wrong", hash)
	assert.NilError(t, err)
	assert.Assert(t, !ok)

	_, err = VerifyPassword("hunter2", "not-a-hash")
	assert.ErrorContains(t, err, "invalid argon2 hash format")

	_, err = VerifyPassword("hunter2", "$argon2i$v=19$m=1024,t=1,p=1$c2FsdA$aGFzaA")
	assert.ErrorContains(t, err, "unsupported argon2 variant")
}

func TestHashPasswordVerifies(t *testing.T) {
	hash, err := HashPassword("hunter2")
	assert.NilError(t, err)

	ok, err := VerifyPassword("hunter2", hash)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	ok, err = VerifyPassword("wrong", hash)
	assert.NilError(t, err)
	assert.Assert(t, !ok)
}

func newTestAPI(t *testing.T, auth config.Auth, servers ...config.ServerConfig) (*Server, *server.Registry) {
	t.Helper()
	cfg := &config.Config{WebAuth: auth, Servers: servers}
	cm := manager.New(cfg, "")
	registry := server.NewRegistry()
	for _, sc := range servers {
		registry.Put(server.New(sc, server.Callbacks{}, nil, nil, nil))
	}
	return NewServer(cm, registry, ""), registry
}

func doRequest(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func lobbyConfig() config.ServerConfig {
	return config.ServerConfig{
		Name:        "lobby",
		Enabled:     true,
		ListenPort:  0,
		TargetHost:  "127.0.0.1",
		TargetPort:  19132,
		SocketReuse: true,
		ProxyOnly:   true,
	}
}

func TestListServers(t *testing.T) {
	api, _ := newTestAPI(t, config.Auth{}, lobbyConfig())

	rec := doRequest(api, http.MethodGet, "/api/servers", nil)
	assert.Equal(t, rec.Code, http.StatusOK)

	var out []struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, len(out), 1)
	assert.Equal(t, out[0].Name, "lobby")
	assert.Equal(t, out[0].State, "offline")
}

func TestServerDetailUnknown(t *testing.T) {
	api, _ := newTestAPI(t, config.Auth{})
	rec := doRequest(api, http.MethodGet, "/api/servers/ghost", nil)
	assert.Equal(t, rec.Code, http.StatusNotFound)
}

func TestStartAndStopServer(t *testing.T) {
	api, _ := newTestAPI(t, config.Auth{}, lobbyConfig())

	rec := doRequest(api, http.MethodPost, "/api/servers/lobby/start", nil)
	assert.Equal(t, rec.Code, http.StatusOK)

	var summary struct {
		State string `json:"state"`
	}
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, summary.State, "online")

	// Starting twice maps to a conflict with the stable code.
	rec = doRequest(api, http.MethodPost, "/api/servers/lobby/start", nil)
	assert.Equal(t, rec.Code, http.StatusConflict)
	var apiErr struct {
		Code string `json:"code"`
	}
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, apiErr.Code, "SERVER_RUNNING")

	rec = doRequest(api, http.MethodPost, "/api/servers/lobby/stop", nil)
	assert.Equal(t, rec.Code, http.StatusOK)
}

func TestStopOfflineServerConflict(t *testing.T) {
	api, _ := newTestAPI(t, config.Auth{}, lobbyConfig())
	rec := doRequest(api, http.MethodPost, "/api/servers/lobby/stop", nil)
	assert.Equal(t, rec.Code, http.StatusConflict)
}

func TestBlockRequiresBody(t *testing.T) {
	api, _ := newTestAPI(t, config.Auth{}, lobbyConfig())
	rec := doRequest(api, http.MethodPost, "/api/servers/lobby/block", []byte(`{}`))
	assert.Equal(t, rec.Code, http.StatusBadRequest)
}

func TestRealClientUnknownTuple(t *testing.T) {
	api, _ := newTestAPI(t, config.Auth{}, lobbyConfig())
	rec := doRequest(api, http.MethodGet, "/api/servers/lobby/clients/1.2.3.4/5000", nil)
	assert.Equal(t, rec.Code, http.StatusNotFound)
}

func TestBasicAuth(t *testing.T) {
	auth := config.Auth{
		Enabled: true,
		Users:   []config.User{{Username: "admin", Password: makeHash("hunter2")}},
	}
	api, _ := newTestAPI(t, auth, lobbyConfig())

	rec := doRequest(api, http.MethodGet, "/api/servers", nil)
	assert.Equal(t, rec.Code, http.StatusUnauthorized)
	assert.Equal(t, rec.Header().Get("WWW-Authenticate"), `Basic realm="relay-gateway"`)

	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	api.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, rec.Code, http.StatusUnauthorized)

	req = httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	req.SetBasicAuth("admin", "hunter2")
	rec = httptest.NewRecorder()
	api.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, rec.Code, http.StatusOK)
}
