// Package rpc exposes the error-disk control surface over HTTP: a single
// JSON endpoint dispatching on method name, mirroring the classic
// bdev_error_* methods, plus a prometheus metrics endpoint.
package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/YiqinXiong/errdisk"
	"github.com/YiqinXiong/errdisk/bdev"
)

type Server struct {
	engine *gin.Engine
}

func NewServer() *Server {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())

	s := &Server{engine: e}
	e.POST("/rpc", s.handleRPC)
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return s
}

// Handler returns the underlying http handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type createParams struct {
	BaseName string `json:"base_name"`
	UUID     string `json:"uuid"`
}

type deleteParams struct {
	Name string `json:"name"`
}

type infoParams struct {
	Name string `json:"name"`
}

type injectParams struct {
	Name          string  `json:"name"`
	IOType        string  `json:"io_type"`
	ErrorType     string  `json:"error_type"`
	Num           *uint64 `json:"num"`
	QueueDepth    uint64  `json:"queue_depth"`
	CorruptOffset uint64  `json:"corrupt_offset"`
	CorruptValue  uint8   `json:"corrupt_value"`
}

func (s *Server) handleRPC(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errors.Wrap(errdisk.ErrInvalidArgument, err.Error()))
		return
	}

	switch req.Method {
	case "bdev_error_create":
		s.create(c, req.Params)
	case "bdev_error_delete":
		s.delete(c, req.Params)
	case "bdev_error_inject_error":
		s.inject(c, req.Params)
	case "bdev_error_info":
		s.info(c, req.Params)
	case "save_config":
		c.JSON(http.StatusOK, gin.H{"result": errdisk.MarshalConfig()})
	default:
		fail(c, errors.Wrapf(errdisk.ErrInvalidArgument, "unknown method %q", req.Method))
	}
}

func (s *Server) create(c *gin.Context, raw json.RawMessage) {
	var p createParams
	if err := json.Unmarshal(raw, &p); err != nil || p.BaseName == "" {
		fail(c, errors.Wrap(errdisk.ErrInvalidArgument, "base_name is required"))
		return
	}

	id := uuid.Nil
	if p.UUID != "" {
		var err error
		id, err = uuid.Parse(p.UUID)
		if err != nil {
			fail(c, errors.Wrapf(errdisk.ErrInvalidArgument, "bad uuid %q", p.UUID))
			return
		}
	}

	if err := errdisk.Create(p.BaseName, id); err != nil {
		fail(c, err)
		return
	}
	ok(c)
}

func (s *Server) delete(c *gin.Context, raw json.RawMessage) {
	var p deleteParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" {
		fail(c, errors.Wrap(errdisk.ErrInvalidArgument, "name is required"))
		return
	}

	var result error
	errdisk.Delete(p.Name, func(err error) {
		result = err
	})
	if result != nil {
		fail(c, result)
		return
	}
	ok(c)
}

func (s *Server) inject(c *gin.Context, raw json.RawMessage) {
	var p injectParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" {
		fail(c, errors.Wrap(errdisk.ErrInvalidArgument, "name is required"))
		return
	}

	sel, err := parseIOType(p.IOType)
	if err != nil {
		fail(c, err)
		return
	}
	kind, err := parseFaultKind(p.ErrorType)
	if err != nil {
		fail(c, err)
		return
	}

	num := uint64(1)
	if p.Num != nil {
		num = *p.Num
	}

	opts := &errdisk.InjectOpts{
		IOType:        sel,
		Kind:          kind,
		Occurrences:   num,
		QueueDepth:    p.QueueDepth,
		CorruptOffset: p.CorruptOffset,
		CorruptValue:  p.CorruptValue,
	}
	if err := errdisk.InjectError(p.Name, opts); err != nil {
		fail(c, err)
		return
	}
	ok(c)
}

func (s *Server) info(c *gin.Context, raw json.RawMessage) {
	var p infoParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" {
		fail(c, errors.Wrap(errdisk.ErrInvalidArgument, "name is required"))
		return
	}

	base, err := errdisk.Info(p.Name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result": gin.H{
			"error_disk": gin.H{"base_name": base},
		},
	})
}

func parseIOType(s string) (errdisk.IOSelector, error) {
	switch s {
	case "all":
		return errdisk.SelectAll, nil
	case "none", "clear":
		return errdisk.SelectNone, nil
	case "read":
		return errdisk.SelectRead, nil
	case "write":
		return errdisk.SelectWrite, nil
	case "unmap":
		return errdisk.SelectUnmap, nil
	case "flush":
		return errdisk.SelectFlush, nil
	}
	return 0, errors.Wrapf(errdisk.ErrInvalidArgument, "unknown io type %q", s)
}

func parseFaultKind(s string) (errdisk.FaultKind, error) {
	switch s {
	case "failure":
		return errdisk.FaultFailure, nil
	case "nomem":
		return errdisk.FaultNoMem, nil
	case "pending":
		return errdisk.FaultPending, nil
	case "corrupt_data":
		return errdisk.FaultCorruptData, nil
	}
	return 0, errors.Wrapf(errdisk.ErrInvalidArgument, "unknown error type %q", s)
}

func ok(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"result": true})
}

func fail(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{"error": err.Error()})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, errdisk.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, errdisk.ErrNotFound), errors.Is(err, bdev.ErrNoDevice):
		return http.StatusNotFound
	case errors.Is(err, errdisk.ErrAlreadyExists), errors.Is(err, bdev.ErrAlreadyExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
