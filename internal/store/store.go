// Package store opens the configured ledger.Store backend.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"haulledger.org/internal/config"
	"haulledger.org/internal/ledger"
	"haulledger.org/internal/obs"
	"haulledger.org/internal/store/mongo"
	"haulledger.org/internal/store/pg"
)

const pingTimeout = 5 * time.Second

// Open returns the backend named by cfg.Store. Postgres and Mongo handles are
// pinged before they are handed out.
func Open(ctx context.Context, cfg config.Config) (ledger.Store, error) {
	log := obs.Logger().WithFields(logrus.Fields{"module": "store", "backend": cfg.Store})

	switch cfg.Store {
	case "", config.StoreMemory:
		log.Warn("using the in-memory store; documents are lost on exit")
		return ledger.NewInMemory(), nil

	case config.StorePostgres:
		s, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := s.Ping(pctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		log.Info("store ready")
		return s, nil

	case config.StoreMongo:
		cctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		s, err := mongo.Connect(cctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		log.Info("store ready")
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}
