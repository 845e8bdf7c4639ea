package broker

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart(t *testing.T) {
	srv, err := Start(Config{Port: -1})
	require.NoError(t, err)
	defer srv.Shutdown()

	assert.Contains(t, srv.ClientURL(), "nats://127.0.0.1:")
	assert.NotEmpty(t, srv.Version())

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("ping")
	require.NoError(t, err)
	require.NoError(t, nc.Publish("ping", []byte("pong")))

	msg, err := sub.NextMsg(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg.Data))
	assert.Equal(t, 1, srv.NumClients())
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv, err := Start(Config{Port: -1})
	require.NoError(t, err)

	srv.Shutdown()
	assert.NotPanics(t, srv.Shutdown)
}
