// Package v1 contains the full set of handler functions and
// routes supported by the v1 web api.
package v1

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adamwoolhether/aggregator/app/services/aggregator/handlers/v1/private"
	"github.com/adamwoolhether/aggregator/app/services/aggregator/handlers/v1/public"
	"github.com/adamwoolhether/aggregator/app/services/aggregator/handlers/v1/viewer"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txservice"
	"github.com/adamwoolhether/aggregator/foundation/events"
	"github.com/adamwoolhether/aggregator/foundation/web"
)

const version = "v1"

// Config contains all mandatory systems required by handlers.
type Config struct {
	Build   string
	Log     *zap.SugaredLogger
	Service *txservice.Service
	Evts    *events.Events
}

// PublicRoutes binds all version 1 public routes.
func PublicRoutes(app *web.App, cfg Config) {
	pbl := public.Handlers{
		Log:     cfg.Log,
		Service: cfg.Service,
		WS:      websocket.Upgrader{},
		Evts:    cfg.Evts,
	}

	app.Handle(http.MethodGet, version, "/events", pbl.Events)
	app.Handle(http.MethodPost, version, "/transaction", pbl.AddTransaction)
	app.Handle(http.MethodGet, version, "/transaction/count", pbl.Count)

	vwr := viewer.Handlers{
		Build: cfg.Build,
	}

	app.Handle(http.MethodGet, "", "/viewer", vwr.Index)
	app.Handle(http.MethodGet, "", "/viewer/assets/*file", vwr.Asset)
}

// PrivateRoutes binds all version 1 private routes.
func PrivateRoutes(app *web.App, cfg Config) {
	prv := private.Handlers{
		Log:     cfg.Log,
		Service: cfg.Service,
	}

	app.Handle(http.MethodPost, version, "/batch/run", prv.RunBatch)
}
