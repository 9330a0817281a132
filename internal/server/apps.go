package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rendersync/rendersyncd/internal/appmgr"
	"github.com/rendersync/rendersyncd/internal/metrics"
)

func (r *Router) manager(c *gin.Context) (AppManager, appmgr.Kind, bool) {
	kind, err := appmgr.ParseKind(c.Param("kind"))
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return nil, "", false
	}
	m, ok := r.apps[kind]
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "kind not configured: " + string(kind)})
		return nil, "", false
	}
	return m, kind, true
}

func (r *Router) handleAppStatus(c *gin.Context) {
	m, _, ok := r.manager(c)
	if !ok {
		return
	}
	st, err := m.Status()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleAppStart(c *gin.Context) {
	m, kind, ok := r.manager(c)
	if !ok {
		return
	}
	st, err := m.Start()
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, appmgr.ErrExecutableNotFound) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	metrics.IncAppStart(string(kind))
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleAppStop(c *gin.Context) {
	m, kind, ok := r.manager(c)
	if !ok {
		return
	}
	rep, err := m.Stop()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	metrics.IncAppStop(string(kind))
	code := http.StatusOK
	if len(rep.Failed) > 0 {
		// Partial success: some processes could not be signalled.
		code = http.StatusMultiStatus
	}
	writeJSON(c, code, rep)
}
