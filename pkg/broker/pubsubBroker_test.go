package broker

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mokk-dev/food-integrator/pkg/config"
)

func TestPubSubBroker_Publish(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	admin, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = admin.CreateTopic(ctx, "orders")
	require.NoError(t, err)

	settings := &config.BrokerSettings{
		Type:      "gcp-pubsub",
		ProjectID: "test-project",
		Topic:     "orders",
	}
	b, err := NewPubSubClient(ctx, settings, option.WithGRPCConn(conn))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, sampleInboxEvent()))

	messages := srv.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, `{"order_id":123}`, string(messages[0].Data))
	assert.Equal(t, "evt_001", messages[0].Attributes["event_id"])
	assert.Equal(t, "ORDER_CREATED", messages[0].Attributes["event_type"])
	assert.Equal(t, "123", messages[0].Attributes["order_id"])
}

func TestPubSubBroker_PublishToMissingTopic(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	b, err := NewPubSubClient(ctx, &config.BrokerSettings{ProjectID: "test-project", Topic: "missing"}, option.WithGRPCConn(conn))
	require.NoError(t, err)

	assert.Error(t, b.Publish(ctx, sampleInboxEvent()))
}
