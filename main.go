package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type scanRequest struct {
	FEN          string  `json:"fen"`
	SessionID    string  `json:"session_id"`
	SubSessionID *string `json:"sub_session_id,omitempty"`
}

type scanResponse struct {
	Result   *InvestigationResult `json:"result,omitempty"`
	Evidence *Evidence            `json:"evidence,omitempty"`
	Error    string               `json:"error,omitempty"`
}

type targetRequest struct {
	FEN       string          `json:"fen"`
	Objective string          `json:"objective"`
	Predicate json.RawMessage `json:"predicate"`
	Policy    TargetPolicy    `json:"policy"`
	Stop      StopPolicy      `json:"stop_policy"`
}

type statusResponse struct {
	Pool        PoolStatus `json:"pool"`
	CachedTrees int        `json:"cached_trees"`
	Config      Config     `json:"config"`
}

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	config := DefaultConfig()
	if path := os.Getenv("ENGINE_PATH"); path != "" {
		config.EnginePath = path
	}
	if size := os.Getenv("ENGINE_POOL_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil && n > 0 {
			config.EnginePoolSize = n
		}
	}
	configStore := NewConfigStore(config)

	pool := NewEnginePool(config.EnginePath, config.EnginePoolSize, config.EngineQueueCapacity, config.EngineMultiPVCap, log)
	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	if err := pool.Initialize(initCtx); err != nil {
		cancelInit()
		log.Fatal().Err(err).Msg("engine pool failed to initialize")
	}
	cancelInit()
	defer pool.Shutdown()

	hub := NewAnalysisHub()
	store := NewBoardTreeStore(time.Duration(config.TreeTTLSeconds) * time.Second)
	investigator := NewInvestigator(pool, configStore, hub, log)
	targetSearcher := NewTargetSearcher(pool, configStore, hub, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx.Done())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Pool:        pool.Status(),
			CachedTrees: store.Len(),
			Config:      configStore.Get(),
		})
	})

	r.Get("/api/engine/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pool.Status())
	})

	r.Get("/api/config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, configStore.Get())
	})

	r.Post("/api/config", func(w http.ResponseWriter, r *http.Request) {
		var payload Config
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		configStore.Update(payload)
		writeJSON(w, http.StatusOK, configStore.Get())
	})

	r.Post("/api/scan", func(w http.ResponseWriter, r *http.Request) {
		var payload scanRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.FEN == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}

		result, scanErr := investigator.Scan(r.Context(), payload.FEN)
		if scanErr != nil {
			status := http.StatusOK
			if strings.Contains(scanErr.Error, "malformed position") {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, scanResponse{Error: scanErr.Error})
			return
		}

		confidence := DeriveConfidence(result, configStore.Get().ShallowDepth)
		result.Confidence = &confidence
		evidence := ReduceEvidence(result)

		if payload.SessionID != "" {
			cacheScan(store, payload.SessionID, payload.SubSessionID, result)
		}

		writeJSON(w, http.StatusOK, scanResponse{Result: result, Evidence: &evidence})
	})

	r.Post("/api/target", func(w http.ResponseWriter, r *http.Request) {
		var payload targetRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.FEN == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		predicate, err := decodePredicate(payload.Predicate)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		goal := GoalObject{
			Objective: payload.Objective,
			Predicate: predicate,
			Stop:      payload.Stop,
		}
		outcome, err := targetSearcher.RetryInvestigateTarget(
			r.Context(), payload.FEN, goal, payload.Policy, configStore.Get().TargetMaxRetries)
		if err != nil {
			if errors.Is(err, ErrMalformedPosition) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	})

	r.Get("/api/tree/{session}", func(w http.ResponseWriter, r *http.Request) {
		session := chi.URLParam(r, "session")
		sub := subSessionParam(r)
		tree, ok := store.GetTree(session, sub)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no tree for session"})
			return
		}
		writeJSON(w, http.StatusOK, tree)
	})

	r.Delete("/api/tree/{session}", func(w http.ResponseWriter, r *http.Request) {
		session := chi.URLParam(r, "session")
		deleted := store.DeleteTree(session, subSessionParam(r))
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
	})

	r.Get("/ws/analysis", func(w http.ResponseWriter, r *http.Request) {
		serveAnalysisWS(hub, w, r)
	})

	server := &http.Server{
		Addr:    ":8080",
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
		close(serverErrCh)
	}()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	log.Info().Str("addr", server.Addr).Msg("listening")
	select {
	case <-sigCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err, ok := <-serverErrCh:
		if ok {
			log.Error().Err(err).Msg("server error")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = server.Close()
	}
	cancel()
}

// cacheScan records a finished scan in the session's board tree: on the root
// when the position matches, otherwise as a sideline under the root.
func cacheScan(store *BoardTreeStore, sessionID string, subSessionID *string, result *InvestigationResult) {
	tree, ok := store.GetTree(sessionID, subSessionID)
	if !ok {
		tree = NewBoardTree(result.FEN)
	}
	if tree.Root.FEN == result.FEN {
		tree.Root.Scan = result
	} else {
		node, err := tree.AddChild(tree.Root.ID, "", result.FEN, false)
		if err == nil {
			node.Scan = result
		}
	}
	store.SetTree(sessionID, subSessionID, tree)
}

func subSessionParam(r *http.Request) *string {
	sub := r.URL.Query().Get("sub")
	if sub == "" {
		return nil
	}
	return &sub
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
