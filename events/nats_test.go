package events

import (
	"context"
	"testing"
	"time"

	"flowcore/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testServerPort = 28877

func newTestServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	server, err := NewEmbeddedServer(EmbeddedServerOptions{
		Port:     testServerPort,
		StoreDir: t.TempDir(),
	}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(server.Stop)
	return server
}

func TestPublisherPublishesToDerivedSubject(t *testing.T) {
	newTestServer(t)

	nc, err := Connect("nats://127.0.0.1:28877")
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("flowcore.events.order.placed")
	require.NoError(t, err)

	publisher := NewPublisher(nc, nil)
	err = publisher.Publish(context.Background(), domain.CloudEventTemplate{
		Type:   "order.placed",
		Source: "test",
		Data:   map[string]interface{}{"orderId": "1"},
	})
	require.NoError(t, err)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.Contains(t, string(msg.Data), "order.placed")
}
