package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadscore/internal/model"
	"github.com/sells-group/leadscore/internal/store"
	"github.com/sells-group/leadscore/internal/tenant"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status API",
	Long:  "Serves tenant, run-record, and quota state over HTTP. Scoring itself only runs via the score commands.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedMethods: []string{http.MethodGet},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/api/tenants", func(w http.ResponseWriter, req *http.Request) {
			tenants, err := e.Directory.ListActive(req.Context(), nil)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, tenants)
		})

		r.Get("/api/tenants/{handle}/runs", func(w http.ResponseWriter, req *http.Request) {
			st, ok := tenantStore(w, req, e)
			if !ok {
				return
			}
			limit := 30
			if raw := req.URL.Query().Get("limit"); raw != "" {
				if n, err := strconv.Atoi(raw); err == nil && n > 0 {
					limit = n
				}
			}
			runs, err := st.ListRunRecords(req.Context(), limit)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, runs)
		})

		r.Get("/api/tenants/{handle}/quota", func(w http.ResponseWriter, req *http.Request) {
			st, ok := tenantStore(w, req, e)
			if !ok {
				return
			}
			op := model.Operation(req.URL.Query().Get("op"))
			if op == "" {
				op = model.OpPostScoring
			}
			day := req.URL.Query().Get("day")
			if day == "" {
				day = time.Now().UTC().Format("2006-01-02")
			}
			counter, err := st.GetQuotaCounter(req.Context(), op, day)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, counter)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// tenantStore resolves the {handle} path param to an open tenant store,
// writing the error response itself on failure.
func tenantStore(w http.ResponseWriter, req *http.Request, e *env) (store.TenantStore, bool) {
	handle := chi.URLParam(req, "handle")
	t, err := e.Directory.GetByHandle(req.Context(), handle, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	st, err := e.Directory.StoreFor(req.Context(), t)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return st, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if errors.Is(err, tenant.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
