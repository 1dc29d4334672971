package devserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const testToken = "dev-token"

func setupRouter(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo, err := OpenRepo("file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return NewRouter(testToken, NewRecordHandler(repo), nil)
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRecordAPIFlow(t *testing.T) {
	r := setupRouter(t)

	createRec := do(t, r, http.MethodPost, "/records", `{"name":"Poster","width":800,"height":600,"offlineId":"local-1"}`, nil)
	require.Equal(t, http.StatusCreated, createRec.Code, createRec.Body.String())

	var ack struct {
		ID      string `json:"id"`
		Version int64  `json:"version"`
	}
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &ack))
	require.NotEmpty(t, ack.ID)
	require.EqualValues(t, 1, ack.Version)

	getRec := do(t, r, http.MethodGet, "/records/"+ack.ID, "", nil)
	require.Equal(t, http.StatusOK, getRec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &got))
	require.Equal(t, "Poster", got["name"])
	require.EqualValues(t, 1, got["version"])

	patchRec := do(t, r, http.MethodPatch, "/records/"+ack.ID, `{"name":"Renamed"}`, map[string]string{"If-Match": "1"})
	require.Equal(t, http.StatusOK, patchRec.Code, patchRec.Body.String())
	require.NoError(t, json.Unmarshal(patchRec.Body.Bytes(), &ack))
	require.EqualValues(t, 2, ack.Version)

	listRec := do(t, r, http.MethodGet, "/records", "", nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	var list struct {
		Records []map[string]any `json:"records"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &list))
	require.Len(t, list.Records, 1)
	require.Equal(t, "Renamed", list.Records[0]["name"])
	require.EqualValues(t, 800, list.Records[0]["width"])

	deleteRec := do(t, r, http.MethodDelete, "/records/"+ack.ID, "", nil)
	require.Equal(t, http.StatusNoContent, deleteRec.Code)

	missingRec := do(t, r, http.MethodDelete, "/records/"+ack.ID, "", nil)
	require.Equal(t, http.StatusNotFound, missingRec.Code)
}

func TestCreateIsIdempotentPerOfflineID(t *testing.T) {
	r := setupRouter(t)

	first := do(t, r, http.MethodPost, "/records", `{"name":"A","offlineId":"local-1"}`, nil)
	require.Equal(t, http.StatusCreated, first.Code)
	second := do(t, r, http.MethodPost, "/records", `{"name":"A","offlineId":"local-1"}`, nil)
	require.Equal(t, http.StatusOK, second.Code)

	var a, b map[string]any
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	require.Equal(t, a["id"], b["id"])
}

func TestPatchWithStaleIfMatchConflicts(t *testing.T) {
	r := setupRouter(t)

	createRec := do(t, r, http.MethodPost, "/records", `{"name":"A","offlineId":"l1"}`, nil)
	var ack map[string]any
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &ack))
	id := ack["id"].(string)

	require.Equal(t, http.StatusOK, do(t, r, http.MethodPatch, "/records/"+id, `{"name":"B"}`, map[string]string{"If-Match": "1"}).Code)

	conflict := do(t, r, http.MethodPatch, "/records/"+id, `{"name":"C"}`, map[string]string{"If-Match": "1"})
	require.Equal(t, http.StatusConflict, conflict.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(conflict.Body.Bytes(), &body))
	require.EqualValues(t, 2, body["server_version"])
}

func TestAuthRequired(t *testing.T) {
	r := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/records", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetMissingRecord(t *testing.T) {
	r := setupRouter(t)

	rec := do(t, r, http.MethodGet, "/records/nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
