package router

import (
	"Go_Upload/internal/handler"
	"Go_Upload/internal/protocol"
	"Go_Upload/utils"
	"log/slog"

	"github.com/gin-gonic/gin"
)

// InitRouter builds the upload API routes.
func InitRouter(h *handler.UploadHandler, logger *slog.Logger, corsOrigin string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(utils.RequestLogger(logger))
	r.Use(utils.CORSMiddleware(corsOrigin))

	r.GET("/healthz", handler.Health)

	upload := r.Group("")
	{
		upload.POST(protocol.PathInit, h.Init)
		upload.POST(protocol.PathChunk, h.Chunk)
		upload.POST(protocol.PathFinalize, h.Finalize)
		upload.GET(protocol.PathStatus, h.Status)
	}
	return r
}
