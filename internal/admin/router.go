package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"listsync/backend"
	"listsync/internal/operation"
	"listsync/internal/orchestrator"
	"listsync/internal/queue"
	"listsync/internal/utils"
)

// Router exposes a Service over HTTP JSON.
type Router struct {
	svc     *Service
	metrics http.Handler
	logger  *zap.Logger
}

// NewRouter creates a router. metricsHandler may be nil.
func NewRouter(svc *Service, metricsHandler http.Handler, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{svc: svc, metrics: metricsHandler, logger: logger}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(requestLogger(rt.logger))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if rt.metrics != nil {
		router.Method(http.MethodGet, "/metrics", rt.metrics)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", rt.status)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", rt.queueStats)
			r.Get("/operations", rt.listOperations)
			r.Get("/operations/{id}", rt.getOperation)
			r.Post("/operations/{id}/retry", rt.retryOperation)
			r.Post("/operations/{id}/cancel", rt.cancelOperation)
			r.Get("/owners/{owner}", rt.pendingForOwner)
		})

		r.Route("/processor", func(r chi.Router) {
			r.Post("/enable", rt.setEnabled(true))
			r.Post("/disable", rt.setEnabled(false))
			r.Post("/run", rt.processNow)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", rt.cacheStats)
			r.Post("/clear", rt.clearCache)
		})

		r.Route("/owners/{owner}/collections", func(r chi.Router) {
			r.Get("/", rt.ownerCollections)
			r.Post("/", rt.createCollection)
			r.Get("/{id}", rt.getCollection)
			r.Patch("/{id}", rt.updateCollection)
			r.Delete("/{id}", rt.mutateTarget(func(*http.Request) (operation.Payload, error) {
				return operation.DeleteCollection{}, nil
			}))
			r.Get("/{id}/items", rt.getItems)
			r.Delete("/{id}/items", rt.mutateTarget(func(*http.Request) (operation.Payload, error) {
				return operation.ClearCollection{}, nil
			}))
			r.Put("/{id}/items/{item}", rt.mutateTarget(func(r *http.Request) (operation.Payload, error) {
				id, err := pathID(r, "item")
				return operation.AddItem{ItemID: id}, err
			}))
			r.Delete("/{id}/items/{item}", rt.mutateTarget(func(r *http.Request) (operation.Payload, error) {
				id, err := pathID(r, "item")
				return operation.RemoveItem{ItemID: id}, err
			}))
		})
	})

	return router
}

func (rt *Router) status(w http.ResponseWriter, r *http.Request) {
	st, err := rt.svc.Status(r.Context())
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (rt *Router) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := rt.svc.QueueStats(r.Context())
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (rt *Router) listOperations(w http.ResponseWriter, r *http.Request) {
	statuses, err := utils.ParseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
	}
	recs, err := rt.svc.ListOperations(r.Context(), statuses, limit)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(recs))
}

func (rt *Router) getOperation(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.svc.Operation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (rt *Router) retryOperation(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.svc.RetryOperation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (rt *Router) cancelOperation(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.svc.CancelOperation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (rt *Router) pendingForOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := utils.ParseOwnerID(chi.URLParam(r, "owner"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	recs, err := rt.svc.PendingForOwner(r.Context(), owner)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(recs))
}

func (rt *Router) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt.svc.SetProcessorEnabled(enabled)
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
	}
}

func (rt *Router) processNow(w http.ResponseWriter, r *http.Request) {
	summary, err := rt.svc.ProcessNow(r.Context())
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (rt *Router) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.svc.CacheStats())
}

func (rt *Router) clearCache(w http.ResponseWriter, r *http.Request) {
	rt.svc.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Collections
// =============================================================================

// mutationBody is an orchestrator.Result with its cause flattened to a kind.
type mutationBody struct {
	*orchestrator.Result
	Cause backend.ErrorKind `json:"cause,omitempty"`
}

func (rt *Router) ownerCollections(w http.ResponseWriter, r *http.Request) {
	owner, ok := rt.owner(w, r)
	if !ok {
		return
	}
	read, err := rt.svc.OwnerCollections(r.Context(), owner)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	if read.Value == nil {
		read.Value = []backend.Collection{}
	}
	writeJSON(w, http.StatusOK, read)
}

func (rt *Router) getCollection(w http.ResponseWriter, r *http.Request) {
	owner, target, ok := rt.ownerAndTarget(w, r)
	if !ok {
		return
	}
	read, err := rt.svc.Collection(r.Context(), owner, target)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, read)
}

func (rt *Router) getItems(w http.ResponseWriter, r *http.Request) {
	owner, target, ok := rt.ownerAndTarget(w, r)
	if !ok {
		return
	}
	read, err := rt.svc.Items(r.Context(), owner, target)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, read)
}

func (rt *Router) createCollection(w http.ResponseWriter, r *http.Request) {
	owner, ok := rt.owner(w, r)
	if !ok {
		return
	}
	var p operation.CreateCollection
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return
	}
	rt.writeMutation(w, r, owner, nil, p)
}

func (rt *Router) updateCollection(w http.ResponseWriter, r *http.Request) {
	owner, target, ok := rt.ownerAndTarget(w, r)
	if !ok {
		return
	}
	var p operation.UpdateCollection
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return
	}
	rt.writeMutation(w, r, owner, &target, p)
}

// mutateTarget handles a mutation on /{id} whose payload comes from the path.
func (rt *Router) mutateTarget(payload func(*http.Request) (operation.Payload, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, target, ok := rt.ownerAndTarget(w, r)
		if !ok {
			return
		}
		p, err := payload(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		rt.writeMutation(w, r, owner, &target, p)
	}
}

// writeMutation answers 200 for an applied mutation and 202 for a deferred one.
func (rt *Router) writeMutation(w http.ResponseWriter, r *http.Request, owner int64, target *int64, p operation.Payload) {
	res, err := rt.svc.Mutate(r.Context(), owner, target, p)
	if err != nil {
		rt.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == orchestrator.Deferred {
		status = http.StatusAccepted
	}
	writeJSON(w, status, mutationBody{Result: res, Cause: backend.KindOf(res.Cause)})
}

func (rt *Router) owner(w http.ResponseWriter, r *http.Request) (int64, bool) {
	owner, err := utils.ParseOwnerID(chi.URLParam(r, "owner"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return 0, false
	}
	return owner, true
}

func (rt *Router) ownerAndTarget(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	owner, ok := rt.owner(w, r)
	if !ok {
		return 0, 0, false
	}
	target, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return 0, 0, false
	}
	return owner, target, true
}

func pathID(r *http.Request, param string) (int64, error) {
	what := "collection"
	if param == "item" {
		what = "item"
	}
	return utils.ParseID(what, chi.URLParam(r, param))
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// StatusFor maps a service error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidState), errors.Is(err, queue.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, operation.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, ErrCollectionsUnavailable):
		return http.StatusNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}

	var remoteErr *backend.RemoteError
	if errors.As(err, &remoteErr) {
		switch remoteErr.Kind {
		case backend.KindNotFound:
			return http.StatusNotFound
		case backend.KindValidation:
			return http.StatusUnprocessableEntity
		case backend.KindDuplicateItem:
			return http.StatusConflict
		case backend.KindUnauthorized, backend.KindSessionExpired:
			return http.StatusUnauthorized
		case backend.KindRateLimited:
			return http.StatusTooManyRequests
		default:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

func (rt *Router) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= 500 {
		rt.logger.Error("admin request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(backend.KindOf(remoteCause(err)))})
}

// remoteCause returns err when it carries a remote classification, nil otherwise.
func remoteCause(err error) error {
	var remoteErr *backend.RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil(recs []*operation.Record) []*operation.Record {
	if recs == nil {
		return []*operation.Record{}
	}
	return recs
}

// requestLogger logs each request at debug level.
func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("admin request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}

// Server serves the router until its context ends.
type Server struct {
	http   *http.Server
	logger *zap.Logger
}

// NewServer creates an HTTP server for handler on addr.
func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Serve listens on ln and blocks until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin HTTP listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
