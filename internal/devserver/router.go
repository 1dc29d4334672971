package devserver

import (
	"designsync/internal/dsync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter builds the record API. token protects every /records route.
func NewRouter(token string, h *RecordHandler, logger dsync.Logger) *gin.Engine {
	if logger == nil {
		logger = dsync.NewNopLogger()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match"},
		ExposeHeaders: []string{"Content-Length"},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	records := r.Group("/records")
	records.Use(Auth(token))
	{
		records.POST("", h.CreateRecord)
		records.GET("", h.ListRecords)
		records.GET("/:id", h.GetRecord)
		records.PATCH("/:id", h.UpdateRecord)
		records.DELETE("/:id", h.DeleteRecord)
	}
	return r
}
