// Command julea-server is the reference backend process: it accepts the
// message-framed wire protocol object.Client, kv.Client, and db.Client send
// (spec §4.2, §4.6-§4.8) and answers every request against a single
// in-memory backend.Backend (SPEC_FULL §11/§12 "reference backend server
// (object/kv/db over memory store)").
//
// It carries no coordinator role and no cluster membership: every client
// configures this process's address directly in its Servers map (internal/
// config.Config), the same flat "kind → ordered host:port list" shape
// connpool.Pool already expects. Running several julea-server processes
// behind distinct Servers entries gives a deployment more than one backend
// without this binary needing to know about the others.
//
// A second, small HTTP listener exposes /status with the backend's
// object/kv/db usage counters (SPEC_FULL §13.4), mirroring the stats
// endpoint torua's cmd/node exposes at /info — adapted here to one backend's
// aggregate counts rather than a per-shard breakdown, since this process has
// no shard concept.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/julea/internal/backend"
	"github.com/dreamware/julea/internal/julealog"
	"github.com/dreamware/julea/internal/rpcserver"
)

// logFatal is a variable so tests can intercept a fatal configuration error
// without killing the test process.
var logFatal = log.Fatalf

func main() {
	listen := getenv("JULEA_SERVER_LISTEN", ":7777")
	statusListen := getenv("JULEA_SERVER_STATUS_LISTEN", ":7778")

	logger := julealog.L()
	mem := backend.NewMemoryBackend()
	srv := rpcserver.NewServer(mem, logger)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		logFatal("listen %s: %v", listen, err)
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		handleStatus(mem, w)
	})
	statusServer := &http.Server{
		Addr:              statusListen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("julea-server: wire protocol listening on %s", listen)
		if err := srv.Serve(ln); err != nil {
			log.Printf("julea-server: wire listener stopped: %v", err)
		}
	}()

	go func() {
		log.Printf("julea-server: status endpoint listening on %s", statusListen)
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("status listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	_ = ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := statusServer.Shutdown(ctx); err != nil {
		log.Printf("julea-server: status shutdown error: %v", err)
	}
	log.Println("julea-server: stopped")
}

// statusResponse is /status's JSON body: object/kv byte-addressed stats plus
// db's schema/row counts, the same Keys/Bytes shape
// internal/storage.StoreStats already established for torua's /shard/*/stats
// endpoint.
type statusResponse struct {
	Object struct {
		Keys  int `json:"keys"`
		Bytes int `json:"bytes"`
	} `json:"object"`
	KV struct {
		Keys  int `json:"keys"`
		Bytes int `json:"bytes"`
	} `json:"kv"`
	DB struct {
		Schemas int `json:"schemas"`
		Rows    int `json:"rows"`
	} `json:"db"`
}

func handleStatus(b *backend.MemoryBackend, w http.ResponseWriter) {
	objStats := b.ObjectStats()
	kvStats := b.KVStats()
	schemas, rows := b.DBStats()

	var resp statusResponse
	resp.Object.Keys, resp.Object.Bytes = objStats.Keys, objStats.Bytes
	resp.KV.Keys, resp.KV.Bytes = kvStats.Keys, kvStats.Bytes
	resp.DB.Schemas, resp.DB.Rows = schemas, rows

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
