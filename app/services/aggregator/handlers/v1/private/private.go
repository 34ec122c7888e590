// Package private maintains the group of handlers for operator access.
package private

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/adamwoolhether/aggregator/foundation/aggregator/txservice"
	"github.com/adamwoolhether/aggregator/foundation/web"
)

// Handlers manages the set of operator endpoints.
type Handlers struct {
	Log     *zap.SugaredLogger
	Service *txservice.Service
}

// RunBatch runs a batch cycle right away instead of waiting for the timer.
func (h Handlers) RunBatch(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	batch, err := h.Service.RunBatch(ctx)
	if err != nil {
		return fmt.Errorf("running batch: %w", err)
	}

	h.Log.Infow("run batch", "traceid", v.TraceID, "submitted", len(batch.Submitted), "insufficient", len(batch.Insufficient))

	resp := struct {
		Submitted    int `json:"submitted"`
		Insufficient int `json:"insufficient"`
	}{
		Submitted:    len(batch.Submitted),
		Insufficient: len(batch.Insufficient),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}
