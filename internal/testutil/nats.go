package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// RunServer creates a NATS server on a random local port
func RunServer(jetStream bool, storeDir string) (*server.Server, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
		JetStream:      jetStream,
		StoreDir:       storeDir,
	}

	return server.NewServer(opts)
}

// StartNATS starts a core NATS server and returns a connection to it.
// Both are torn down when the test ends.
func StartNATS(t *testing.T) *nats.Conn {
	t.Helper()

	s, err := RunServer(false, "")
	require.NoError(t, err)
	return start(t, s)
}

// StartJetStream starts a NATS server with JetStream enabled
func StartJetStream(t *testing.T) (*nats.Conn, nats.JetStreamContext) {
	t.Helper()

	s, err := RunServer(true, t.TempDir())
	require.NoError(t, err)
	nc := start(t, s)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	return nc, js
}

func start(t *testing.T, s *server.Server) *nats.Conn {
	t.Helper()

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		s.Shutdown()
	})

	return nc
}

// WaitForConsumer waits for a consumer to be created
func WaitForConsumer(t *testing.T, js nats.JetStreamContext, stream, consumer string, timeout time.Duration) error {
	t.Helper()

	start := time.Now()
	for time.Since(start) < timeout {
		_, err := js.ConsumerInfo(stream, consumer)
		if err == nil {
			return nil
		}
		if err != nats.ErrConsumerNotFound {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for consumer %s on stream %s", consumer, stream)
}

// CollectMessages subscribes to subject on core NATS and returns a channel
// receiving every message published after the call
func CollectMessages(t *testing.T, nc *nats.Conn, subject string) <-chan *nats.Msg {
	t.Helper()

	ch := make(chan *nats.Msg, 100)
	sub, err := nc.ChanSubscribe(subject, ch)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { sub.Unsubscribe() })

	return ch
}
