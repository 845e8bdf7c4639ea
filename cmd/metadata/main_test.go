package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmwolfe/msgbook/messaging"
	"github.com/cmwolfe/msgbook/transports/memory"
)

func TestPrintMetadata(t *testing.T) {
	md := messaging.SessionMetadata{
		ProviderName:    "RabbitMQ",
		ProviderVersion: "3.13.7",
		ProtocolVersion: "AMQP 0.9",
		Properties:      []string{"messageId", "correlationId"},
		Server:          map[string]string{"platform": "Erlang/OTP", "cluster": "rabbit@local"},
	}

	t.Run("layout", func(t *testing.T) {
		var out bytes.Buffer
		printMetadata(&out, md, false)

		expected := "Protocol Version: AMQP 0.9\n" +
			"Provider: RabbitMQ\n" +
			"Provider Version: 3.13.7\n" +
			"Properties Supported: \n" +
			"  messageId\n" +
			"  correlationId\n"
		assert.Equal(t, expected, out.String())
	})

	t.Run("server details are sorted", func(t *testing.T) {
		var out bytes.Buffer
		printMetadata(&out, md, true)

		assert.Contains(t, out.String(), "Server: \n  cluster: rabbit@local\n  platform: Erlang/OTP\n")
	})
}

func TestPrintMemoryMetadata(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	defer broker.Close()

	session, err := broker.Connect(ctx)
	require.NoError(t, err)
	defer session.Close()

	md, err := session.Metadata(ctx)
	require.NoError(t, err)

	var out bytes.Buffer
	printMetadata(&out, md, true)
	assert.Contains(t, out.String(), "Provider: "+memory.ProviderName)
	assert.Contains(t, out.String(), "  correlationId\n")
}
