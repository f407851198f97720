package julea

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/julea/internal/backend"
	"github.com/dreamware/julea/internal/config"
	"github.com/dreamware/julea/internal/rpcserver"
)

// startBackend runs a real rpcserver.Server on a loopback port and returns
// its address, so Init exercises the real connpool/object/kv/db wiring
// rather than a stand-in.
func startBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := rpcserver.NewServer(backend.NewMemoryBackend(), zap.NewNop())
	go func() { _ = srv.Serve(ln) }()
	return ln.Addr().String()
}

func testConfig(addr string) *config.Config {
	return &config.Config{
		Servers: map[string][]string{
			"object": {addr},
			"kv":     {addr},
			"db":     {addr},
		},
		Core: config.Core{
			MaxOperationSize: 8 * 1024 * 1024,
			StripeSize:       64 * 1024,
			MaxConnections:   4,
		},
	}
}

func TestInitShutdownLifecycle(t *testing.T) {
	addr := startBackend(t)

	_, err := Object()
	assert.Error(t, err, "Object before Init should fail")

	require.NoError(t, InitWithConfig(testConfig(addr)))
	t.Cleanup(func() { _ = Shutdown() })

	assert.ErrorContains(t, InitWithConfig(testConfig(addr)), "already initialized")

	oc, err := Object()
	require.NoError(t, err)
	assert.NotNil(t, oc)

	kc, err := KV()
	require.NoError(t, err)
	assert.NotNil(t, kc)

	dc, err := DB()
	require.NoError(t, err)
	assert.NotNil(t, dc)

	assert.Equal(t, addr, Config().Servers["object"][0])

	require.NoError(t, Shutdown())
	assert.NoError(t, Shutdown(), "Shutdown is idempotent")

	_, err = KV()
	assert.Error(t, err, "KV after Shutdown should fail")

	require.NoError(t, InitWithConfig(testConfig(addr)), "Init after Shutdown should succeed again")
	require.NoError(t, Shutdown())
}

func TestBackgroundSchedulesOnProcessWidePool(t *testing.T) {
	done := make(chan struct{})
	h := Background(func() error {
		close(done)
		return nil
	})
	require.NoError(t, h.Wait())
	select {
	case <-done:
	default:
		t.Fatal("background function did not run")
	}
}
