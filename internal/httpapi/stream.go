package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ecofleet.org/internal/auth"
	"ecofleet.org/internal/records"
	"ecofleet.org/internal/stream"
)

// keepAlive is the SSE comment interval. Each tick also re-checks that the
// subscriber is still an active actor.
var keepAlive = 25 * time.Second

// Stream serves record transitions as Server-Sent Events. Subscribers only
// receive events for records they could view.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	actor := actorFrom(r)
	token, _ := auth.TokenFromContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.stream.Subscribe(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := a.auth.Authenticate(ctx, token)
			if err != nil {
				return
			}
			actor = current
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !a.visible(actor, evt) {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Action, payload)
			flusher.Flush()
		}
	}
}

func (a *API) visible(actor *auth.Actor, evt stream.Event) bool {
	loc := auth.Location{CompanyID: evt.CompanyID, DistrictID: evt.DistrictID, DriverID: evt.DriverID}
	return a.records.Visible(actor, records.Kind(evt.Kind), loc)
}
