package cmd

import (
	"context"
	"fmt"

	"github.com/zmh/Quill-sub002/internal/config"
	"github.com/zmh/Quill-sub002/internal/crypto"
	"github.com/zmh/Quill-sub002/internal/db"
	syncpkg "github.com/zmh/Quill-sub002/internal/sync"
	"github.com/zmh/Quill-sub002/internal/sync/credentials"
	"github.com/zmh/Quill-sub002/internal/sync/retry"
	"github.com/zmh/Quill-sub002/internal/sync/transport"
)

// userAgent identifies the engine to the remote API.
const userAgent = "quill-sync/1.0"

// app holds the components shared by every command that touches local data.
type app struct {
	database *db.DB
	store    *db.Store
	creds    *credentials.StoreProvider
	engine   *syncpkg.Engine
}

// openApp opens the local database and builds the engine from c.
func openApp(c *config.Config) (*app, error) {
	database, err := db.Open(c.DataDir)
	if err != nil {
		return nil, err
	}
	store := db.NewStore(database)

	sealer, err := crypto.NewMachineSealer(crypto.MachineID())
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create credential sealer: %w", err)
	}
	creds := credentials.NewStoreProvider(store, sealer, "")

	gateway, err := transport.NewHTTPGateway(transport.HTTPConfig{
		BaseURL:               c.RemoteURL,
		Timeout:               c.RequestTimeout,
		MaxConcurrentRequests: c.MaxConcurrentRequests,
		UserAgent:             userAgent,
	}, creds)
	if err != nil {
		database.Close()
		return nil, err
	}

	engine := syncpkg.NewEngine(store, gateway, policyFrom(c))
	return &app{database: database, store: store, creds: creds, engine: engine}, nil
}

func policyFrom(c *config.Config) retry.Policy {
	return retry.Policy{
		BaseDelay:   c.BaseDelay,
		CapDelay:    c.CapDelay,
		MaxAttempts: c.MaxAttempts,
	}
}

// Close releases the database.
func (a *app) Close() error {
	return a.database.Close()
}

// withApp runs fn against a freshly opened app and closes it afterwards.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
