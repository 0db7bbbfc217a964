package probe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeDB struct {
	mu  sync.Mutex
	err error
}

func (f *fakeDB) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeDB) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func startProbe(t *testing.T, db Pinger) (*Server, *Client) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(db, time.Hour, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	client, err := Dial(ClientConfig{Address: lis.Addr().String()}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return srv, client
}

func TestProbeServing(t *testing.T) {
	_, client := startProbe(t, &fakeDB{})

	status, err := client.Check(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	status, err = client.Check(context.Background(), ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)
}

func TestProbeFollowsDatabase(t *testing.T) {
	db := &fakeDB{}
	srv, client := startProbe(t, db)

	db.set(errors.New("database is closed"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, srv.Check(context.Background()))

	status, err := client.Check(context.Background(), ServiceName)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	db.set(nil)
	srv.Check(context.Background())
	status, err = client.Check(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)
}

func TestProbeUnknownService(t *testing.T) {
	_, client := startProbe(t, &fakeDB{})
	_, err := client.Check(context.Background(), "nope")
	require.Error(t, err)
}

func TestDialUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	_, err = Dial(ClientConfig{Address: addr, ConnectTimeout: 200 * time.Millisecond}, quietLogger())
	require.Error(t, err)
}
