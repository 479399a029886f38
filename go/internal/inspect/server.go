package inspect

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/tradelab/labclient/go/internal/session"
)

// ViewProvider is what the inspect server needs from the session client.
type ViewProvider interface {
	Snapshot() session.View
}

// NewServer builds the local inspection server. It exposes the client's
// reconciled state over HTTP so operators can watch a bot fleet mid-run.
func NewServer(port string, provider ViewProvider) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	mux.HandleFunc("/api/session/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, provider.Snapshot())
	})

	mux.HandleFunc("/api/session/trades", func(w http.ResponseWriter, r *http.Request) {
		view := provider.Snapshot()
		writeJSON(w, map[string]any{
			"pending": view.PendingOffers,
			"history": view.TradeHistory,
		})
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	handler := c.Handler(mux)

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode inspect response")
	}
}
