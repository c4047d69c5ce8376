package handler

import (
	"Go_Upload/internal/apperr"
	"Go_Upload/internal/dto"
	"Go_Upload/internal/protocol"
	"Go_Upload/internal/service"
	"Go_Upload/utils"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// UploadHandler exposes the Coordinator over HTTP.
type UploadHandler struct {
	coord *service.Coordinator
}

func NewUploadHandler(coord *service.Coordinator) *UploadHandler {
	return &UploadHandler{coord: coord}
}

// Init creates or resumes an upload.
func (h *UploadHandler) Init(c *gin.Context) {
	var req dto.InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.Fail(c, apperr.Wrap(apperr.CodeInvalidRequest, "filename and totalSize required", err))
		return
	}
	res, err := h.coord.Initiate(c.Request.Context(), req.Filename, req.TotalSize)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, dto.InitUploadResponse{
		UploadID:       res.UploadID,
		TotalChunks:    res.TotalChunks,
		UploadedChunks: res.UploadedChunks,
		Status:         res.Status,
	})
}

// Chunk stores one chunk. The address travels in the upload-id and
// chunk-index headers; the body is the raw chunk bytes.
func (h *UploadHandler) Chunk(c *gin.Context) {
	uploadID, err := strconv.ParseUint(strings.TrimSpace(c.GetHeader(protocol.HeaderUploadID)), 10, 64)
	if err != nil || uploadID == 0 {
		utils.Fail(c, apperr.New(apperr.CodeInvalidRequest, "missing or invalid "+protocol.HeaderUploadID+" header"))
		return
	}
	chunkIndex, err := strconv.Atoi(strings.TrimSpace(c.GetHeader(protocol.HeaderChunkIndex)))
	if err != nil || chunkIndex < 0 {
		utils.Fail(c, apperr.New(apperr.CodeInvalidRequest, "missing or invalid "+protocol.HeaderChunkIndex+" header"))
		return
	}
	status, err := h.coord.IngestChunk(c.Request.Context(), uploadID, chunkIndex, c.Request.Body)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, dto.ChunkResponse{Status: status})
}

// Finalize verifies a fully received upload.
func (h *UploadHandler) Finalize(c *gin.Context) {
	var req dto.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UploadID == 0 {
		utils.Fail(c, apperr.New(apperr.CodeInvalidRequest, "uploadId required"))
		return
	}
	res, err := h.coord.Finalize(c.Request.Context(), req.UploadID)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	if res.Status == protocol.StatusNotReady {
		utils.Success(c, dto.NotReadyResponse{Status: res.Status})
		return
	}
	utils.Success(c, dto.FinalizeResponse{
		Status:     res.Status,
		Hash:       res.Hash,
		ZipEntries: res.Entries,
	})
}

// Status reports the progress of one upload.
func (h *UploadHandler) Status(c *gin.Context) {
	uploadID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || uploadID == 0 {
		utils.Fail(c, apperr.New(apperr.CodeInvalidRequest, "invalid upload id"))
		return
	}
	res, err := h.coord.Status(c.Request.Context(), uploadID)
	if err != nil {
		utils.Fail(c, err)
		return
	}
	u := res.Upload
	out := dto.UploadStatusResponse{
		UploadID:       u.ID,
		Filename:       u.Filename,
		TotalSize:      u.TotalSize,
		TotalChunks:    u.TotalChunks,
		ReceivedChunks: res.ReceivedChunks,
		Status:         strings.ToLower(u.Status),
		ZipEntries:     u.VerificationEntries,
		CreatedAt:      u.CreatedAt,
		CompletedAt:    u.CompletedAt,
	}
	if u.FinalHash != nil {
		out.Hash = *u.FinalHash
	}
	if t := res.Archive; t != nil {
		out.Archive = &dto.ArchiveStatus{
			Status:      t.Status,
			Bucket:      t.Bucket,
			Object:      t.ObjectName,
			RetryCount:  t.RetryCount,
			Error:       t.ErrorMsg,
			FinishedAt:  t.FinishedAt,
			DownloadURL: res.ArchiveURL,
		}
	}
	utils.Success(c, out)
}

// Health is the liveness probe.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
