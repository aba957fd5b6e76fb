package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/CTAG07/stoch/pkg/markov"
	"github.com/CTAG07/stoch/pkg/store"
)

// Server owns the model for the lifetime of one run cycle, together with its
// persistence and the API mux.
type Server struct {
	cm        *ConfigManager
	config    *ServerConfig
	db        *sql.DB
	logger    *slog.Logger
	model     *markov.Model
	store     *store.Store
	authAPI   *AuthAPI
	modelAPI  *ModelAPI
	serverAPI *ServerAPI
	apiMux    *http.ServeMux
}

// NewServer creates the model, restores the persisted snapshot named in the
// configuration if there is one, and registers all routes.
func NewServer(cm *ConfigManager, logger *slog.Logger, db *sql.DB, actionChan chan string) (*Server, error) {
	cfg := cm.Get()

	st, err := store.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("error creating snapshot store: %w", err)
	}
	st.SetLogger(logger)

	opts := []markov.Option{
		markov.WithMaxLength(cfg.Server.MaxGenerateLength),
		markov.WithLogger(logger),
	}
	if cfg.Server.UniformPrior {
		opts = append(opts, markov.WithUniformPrior())
	}
	model, err := markov.New(opts...)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("error creating markov model: %w", err)
	}

	snap, err := st.Load(context.Background(), cfg.Server.ModelName)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		logger.Info("No stored snapshot, starting with an empty model", "model_name", cfg.Server.ModelName)
	case err != nil:
		st.Close()
		return nil, fmt.Errorf("failed to load snapshot '%s': %w", cfg.Server.ModelName, err)
	default:
		if err = model.Restore(snap); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to restore snapshot '%s': %w", cfg.Server.ModelName, err)
		}
	}

	server := &Server{
		cm:        cm,
		config:    cfg.Server,
		db:        db,
		logger:    logger,
		model:     model,
		store:     st,
		authAPI:   NewAuthAPI(db, logger),
		modelAPI:  NewModelAPI(model, st, cfg.Server, logger),
		serverAPI: NewServerAPI(cm, actionChan, logger),
		apiMux:    http.NewServeMux(),
	}

	apiMux := http.NewServeMux()
	server.authAPI.RegisterRoutes(apiMux)
	server.modelAPI.RegisterRoutes(apiMux)
	server.serverAPI.RegisterRoutes(apiMux)

	// Every api route passes through authentication first.
	server.apiMux.Handle("/api/", server.authAPI.Authenticate(apiMux))

	return server, nil
}

// Save persists the current model under the configured name.
func (s *Server) Save(ctx context.Context) error {
	return s.store.Save(ctx, s.config.ModelName, s.model.Snapshot())
}

// autosave saves the model every interval until ctx is done.
func (s *Server) autosave(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Save(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Autosave failed", "error", err)
			}
		}
	}
}

// Close releases the store's prepared statements.
func (s *Server) Close() {
	s.store.Close()
}
