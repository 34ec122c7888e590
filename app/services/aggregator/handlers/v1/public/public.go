// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adamwoolhether/aggregator/business/sys/validate"
	v1 "github.com/adamwoolhether/aggregator/business/web/v1"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txdata"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txservice"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/wallet"
	"github.com/adamwoolhether/aggregator/foundation/events"
	"github.com/adamwoolhether/aggregator/foundation/web"
)

// Handlers manages the set of transaction pool endpoints.
type Handlers struct {
	Log     *zap.SugaredLogger
	Service *txservice.Service
	WS      websocket.Upgrader
	Evts    *events.Events
}

// AddTransaction submits a signed transaction to the pool.
func (h Handlers) AddTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var tx wallet.Tx
	if err := web.Decode(r, &tx); err != nil {
		return v1.NewRequestError(fmt.Errorf("unable to decode payload: %w", err), http.StatusBadRequest)
	}

	if err := validate.Check(tx); err != nil {
		return err
	}

	h.Log.Infow("add tx", "traceid", v.TraceID, "pubKey", tx.PubKey, "nonce", tx.Nonce, "reward", tx.TokenRewardAmount)

	failures, err := h.Service.Add(ctx, tx.ToTxData())
	if err != nil {
		return fmt.Errorf("adding tx: %w", err)
	}

	if len(failures) > 0 {
		return web.Respond(ctx, w, addResult{Failures: failures}, http.StatusBadRequest)
	}

	return web.Respond(ctx, w, addResult{Failures: []txdata.Failure{}}, http.StatusOK)
}

// Count returns the number of ready and future transactions.
func (h Handlers) Count(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	ready, future, err := h.Service.Counts(ctx)
	if err != nil {
		return fmt.Errorf("counting txs: %w", err)
	}

	return web.Respond(ctx, w, counts{Ready: ready, Future: future}, http.StatusOK)
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	// Need this to handle CORS on the websocket.
	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	// This upgrades the HTTP connection to a websocket connection.
	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	// This provides a channel for receiving events from the service.
	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	// This starts a ticker to send a ping over the websocket.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// Block waiting for events from the service or ticker.
	for {
		select {
		case msg, wd := <-ch:

			// If the channel is closed, release the websocket.
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}
