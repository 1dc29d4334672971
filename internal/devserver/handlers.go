package devserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"designsync/internal/dsync"

	"github.com/gin-gonic/gin"
)

// RecordHandler serves the record API from a Repo.
type RecordHandler struct {
	repo *Repo
}

func NewRecordHandler(repo *Repo) *RecordHandler {
	return &RecordHandler{repo: repo}
}

type createBody struct {
	dsync.Design
	OfflineID string `json:"offlineId"`
}

type conflictBody struct {
	Error         string `json:"error"`
	ServerVersion int64  `json:"server_version"`
}

func (h *RecordHandler) CreateRecord(c *gin.Context) {
	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	rec, created, err := h.repo.Create(strings.TrimSpace(body.OfflineID), body.Design)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, dsync.RemoteAck{ID: rec.ID, Version: rec.Version})
}

func (h *RecordHandler) ListRecords(c *gin.Context) {
	recs, err := h.repo.List(c.Query("folderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (h *RecordHandler) GetRecord(c *gin.Context) {
	rec, err := h.repo.Get(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *RecordHandler) UpdateRecord(c *gin.Context) {
	var ifMatch *int64
	if v := strings.Trim(strings.TrimSpace(c.GetHeader("If-Match")), `"`); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid If-Match header"})
			return
		}
		ifMatch = &n
	}

	var p dsync.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	rec, err := h.repo.Update(c.Param("id"), ifMatch, p)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dsync.RemoteAck{ID: rec.ID, Version: rec.Version})
}

func (h *RecordHandler) DeleteRecord(c *gin.Context) {
	if err := h.repo.Delete(c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RecordHandler) writeError(c *gin.Context, err error) {
	var conflict *dsync.ConflictError
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, conflictBody{Error: "conflict", ServerVersion: conflict.ServerVersion})
	case errors.Is(err, dsync.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
