package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YiqinXiong/errdisk"
	"github.com/YiqinXiong/errdisk/bdev"
)

func post(t *testing.T, srv *Server, method string, params interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"method": method,
		"params": params,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func newTestServer(t *testing.T) *Server {
	t.Cleanup(func() {
		bdev.Shutdown()
		errdisk.Finish()
	})
	return NewServer()
}

func TestCreateInjectDelete(t *testing.T) {
	srv := newTestServer(t)

	_, err := bdev.NewMemDevice("RpcBase", 512, 1024)
	require.NoError(t, err)

	w := post(t, srv, "bdev_error_create", map[string]interface{}{"base_name": "RpcBase"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = post(t, srv, "bdev_error_inject_error", map[string]interface{}{
		"name":       "EE_RpcBase",
		"io_type":    "write",
		"error_type": "failure",
		"num":        1,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// the injection is live: the next write on the error disk fails
	dev, err := bdev.GetDevice("EE_RpcBase")
	require.NoError(t, err)
	ch, err := dev.OpenChannel()
	require.NoError(t, err)
	defer ch.Close()

	req := bdev.NewRequest(bdev.IOTypeWrite, 0, 0, [][]byte{make([]byte, 512)}, nil)
	require.NoError(t, ch.Submit(req))
	assert.Equal(t, bdev.StatusFailed, req.Status())

	w = post(t, srv, "bdev_error_delete", map[string]interface{}{"name": "EE_RpcBase"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, err = bdev.GetDevice("EE_RpcBase")
	assert.Error(t, err)
}

func TestCreateValidation(t *testing.T) {
	srv := newTestServer(t)

	w := post(t, srv, "bdev_error_create", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, srv, "bdev_error_create", map[string]interface{}{
		"base_name": "UuidBase",
		"uuid":      "not-a-uuid",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, srv, "bdev_error_create", map[string]interface{}{"base_name": "DeferredBase"})
	assert.Equal(t, http.StatusOK, w.Code, "missing base device defers, it does not fail")

	w = post(t, srv, "bdev_error_create", map[string]interface{}{"base_name": "DeferredBase"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestInjectValidation(t *testing.T) {
	srv := newTestServer(t)

	w := post(t, srv, "bdev_error_inject_error", map[string]interface{}{
		"name":       "EE_NoSuch",
		"io_type":    "read",
		"error_type": "failure",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := bdev.NewMemDevice("InjBase", 512, 1024)
	require.NoError(t, err)
	w = post(t, srv, "bdev_error_create", map[string]interface{}{"base_name": "InjBase"})
	require.Equal(t, http.StatusOK, w.Code)

	w = post(t, srv, "bdev_error_inject_error", map[string]interface{}{
		"name":       "EE_InjBase",
		"io_type":    "sideways",
		"error_type": "failure",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, srv, "bdev_error_inject_error", map[string]interface{}{
		"name":       "EE_InjBase",
		"io_type":    "read",
		"error_type": "glitch",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, srv, "bdev_error_inject_error", map[string]interface{}{
		"name":          "EE_InjBase",
		"io_type":       "write",
		"error_type":    "corrupt_data",
		"corrupt_value": 0,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "zero xor byte cannot corrupt anything")
}

func TestDeleteUnknown(t *testing.T) {
	srv := newTestServer(t)

	w := post(t, srv, "bdev_error_delete", map[string]interface{}{"name": "EE_Gone"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInfo(t *testing.T) {
	srv := newTestServer(t)

	w := post(t, srv, "bdev_error_info", map[string]interface{}{"name": "EE_NoSuch"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := bdev.NewMemDevice("InfoBase", 512, 1024)
	require.NoError(t, err)
	w = post(t, srv, "bdev_error_create", map[string]interface{}{"base_name": "InfoBase"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = post(t, srv, "bdev_error_info", map[string]interface{}{"name": "EE_InfoBase"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Result struct {
			ErrorDisk struct {
				BaseName string `json:"base_name"`
			} `json:"error_disk"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "InfoBase", resp.Result.ErrorDisk.BaseName)

	w = post(t, srv, "bdev_error_info", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSaveConfig(t *testing.T) {
	srv := newTestServer(t)

	w := post(t, srv, "bdev_error_create", map[string]interface{}{
		"base_name": "CfgBase",
		"uuid":      "0d7606febab511eea5060242ac120002",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = post(t, srv, "save_config", map[string]interface{}{})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Result []errdisk.CreateDirective `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Result, 1)
	assert.Equal(t, "bdev_error_create", resp.Result[0].Method)
	assert.Equal(t, "CfgBase", resp.Result[0].Params.BaseName)
	assert.NotEmpty(t, resp.Result[0].Params.UUID)
}

func TestUnknownMethod(t *testing.T) {
	srv := newTestServer(t)

	w := post(t, srv, "bdev_error_frobnicate", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
