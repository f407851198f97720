// Package julea is the process-wide entry point: Init loads configuration,
// builds the shared connection pool, and hands out the object/kv/db
// clients every other package's handles go through; Shutdown tears it all
// down (spec §4.9, §5 "Shared resources").
//
// Configuration, the connection pool, and the background worker pool are
// process-wide state created once and freely shared thereafter — the same
// shape the teacher gives its single shared http.Client, applied here to a
// connpool.Pool plus the clients built on top of it. Callers call Init once
// at process start, Object()/KV()/DB() to get working clients, and Shutdown
// at process end. Every function here serializes on one package-level
// mutex, so they may be called from several goroutines; Init after Shutdown
// starts afresh.
package julea

import (
	"context"
	"net"
	"sync"

	"github.com/dreamware/julea/background"
	"github.com/dreamware/julea/connpool"
	"github.com/dreamware/julea/db"
	"github.com/dreamware/julea/internal/config"
	"github.com/dreamware/julea/internal/jerror"
	"github.com/dreamware/julea/internal/julealog"
	"github.com/dreamware/julea/kv"
	"github.com/dreamware/julea/object"
)

var (
	mu        sync.Mutex
	cfg       *config.Config
	pool      *connpool.Pool
	objClient *object.Client
	kvClient  *kv.Client
	dbClient  *db.Client
)

// Init loads configuration via config.Load (honoring $JULEA_CONFIG and the
// standard search path, spec §6) and wires up the process-wide connection
// pool and clients. Calling Init again before Shutdown returns a state
// error rather than silently replacing the running pool out from under
// handles that already hold a reference to it.
func Init() error {
	c, err := config.Load()
	if err != nil {
		return err
	}
	return InitWithConfig(c)
}

// InitWithConfig is Init for a configuration the caller already parsed
// (tests, or a search path config.Load doesn't cover).
func InitWithConfig(c *config.Config) error {
	mu.Lock()
	defer mu.Unlock()
	if cfg != nil {
		return jerror.State("julea: already initialized, call Shutdown first")
	}

	addrs := make(map[connpool.Key]string)
	for kind, servers := range c.Servers {
		for i, addr := range servers {
			addrs[connpool.Key{Kind: kind, Index: i}] = addr
		}
	}
	p := connpool.New(dialTCP, addrs, c.Core.MaxConnections)

	oc, err := object.NewClient(p, len(c.Servers["object"]), c.Core.StripeSize,
		object.WithMaxOperationSize(c.Core.MaxOperationSize))
	if err != nil {
		_ = p.Close()
		return err
	}
	kc, err := kv.NewClient(p, len(c.Servers["kv"]))
	if err != nil {
		_ = p.Close()
		return err
	}
	dc, err := db.NewClient(p, len(c.Servers["db"]))
	if err != nil {
		_ = p.Close()
		return err
	}

	cfg, pool, objClient, kvClient, dbClient = c, p, oc, kc, dc
	julealog.L().Info("julea: initialized")
	return nil
}

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Shutdown closes the process-wide connection pool and clears the loaded
// configuration and clients. It does not touch background.Default()'s
// worker pool: that pool has no open connections to release and tears down
// with the process, matching spec §4.9's "torn down at process exit".
// Shutdown on an uninitialized or already-shut-down package is a no-op.
func Shutdown() error {
	mu.Lock()
	defer mu.Unlock()
	if pool == nil {
		return nil
	}
	err := pool.Close()
	cfg, pool, objClient, kvClient, dbClient = nil, nil, nil, nil, nil
	julealog.L().Info("julea: shut down")
	return err
}

// Config returns the configuration loaded by Init, or nil if Init hasn't
// run. The returned value is never mutated after Init returns, so callers
// may hold onto it freely (spec §5 "Configuration singleton — immutable
// after init, freely shared").
func Config() *config.Config {
	mu.Lock()
	defer mu.Unlock()
	return cfg
}

// Object returns the process-wide object client, or a state error if Init
// hasn't run.
func Object() (*object.Client, error) {
	mu.Lock()
	defer mu.Unlock()
	if objClient == nil {
		return nil, jerror.State("julea: not initialized, call Init first")
	}
	return objClient, nil
}

// KV returns the process-wide key-value client, or a state error if Init
// hasn't run.
func KV() (*kv.Client, error) {
	mu.Lock()
	defer mu.Unlock()
	if kvClient == nil {
		return nil, jerror.State("julea: not initialized, call Init first")
	}
	return kvClient, nil
}

// DB returns the process-wide structured-data client, or a state error if
// Init hasn't run.
func DB() (*db.Client, error) {
	mu.Lock()
	defer mu.Unlock()
	if dbClient == nil {
		return nil, jerror.State("julea: not initialized, call Init first")
	}
	return dbClient, nil
}

// Background schedules fn on the process-wide background worker pool
// (spec §4.9 `new(fn, data)`), lazily created on first call and sized
// max(4, runtime.NumCPU()). batch.ExecuteAsync is the main caller; exported
// here too since the pool is shared process state, not batch-private.
func Background(fn func() error) *background.Handle {
	return background.New(fn)
}
