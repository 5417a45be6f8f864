package controller

import (
	"net/http"

	"go.uber.org/zap"
)

// HandlePartitions lists every committed partition manifest.
// Endpoint: GET /partitions
func (c *Controller) HandlePartitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	partitions, err := c.App.FillsDB.ListPartitions(ctx)
	if err != nil {
		c.App.Logger.Error("partition listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": partitions,
	})
}

// HandleGeneration reports the current aggregate generation and whether it
// lags the partition set.
// Endpoint: GET /generation
func (c *Controller) HandleGeneration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	gen, stale, err := c.generation(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generation lookup failed")
		return
	}
	if gen == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregates not built yet")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generation": gen,
		"stale":      stale,
	})
}
