package handler

import (
	"net/http"

	"github.com/aspect-build/caxe/internal/engine/db"
	"github.com/aspect-build/caxe/internal/logx"
	"github.com/aspect-build/caxe/internal/pipeline"
	"github.com/gin-gonic/gin"
)

// StatsSource reports scheduler queue depths.
type StatsSource interface {
	Stats() pipeline.Stats
}

// EscrowSource reports engine escrow depths.
type EscrowSource interface {
	EscrowCounts() (map[db.EscrowKind]int, error)
}

// HandlePipelineStats handles GET /v1/pipeline/stats.
func HandlePipelineStats(p StatsSource, e EscrowSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		escrows, err := e.EscrowCounts()
		if err != nil {
			logx.Errorf("escrow counts: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "database error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"pipeline": p.Stats(),
			"escrows":  escrows,
		})
	}
}
