package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublisherPublishesJSON(t *testing.T) {
	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "runs")
	require.NoError(t, err)

	pub := New(client)
	defer func() { assert.NoError(t, pub.Close()) }()

	payload := map[string]any{"run_id": "run-1", "total_papers": 12}
	id, err := pub.Publish(ctx, "runs", payload)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "run-1", got["run_id"])
	assert.EqualValues(t, 12, got["total_papers"])
	assert.Equal(t, "application/json", msgs[0].Attributes["content_type"])
}

func TestPublisherMissingTopic(t *testing.T) {
	client, _ := newTestClient(t)
	pub := New(client)
	defer func() { _ = pub.Close() }()

	_, err := pub.Publish(context.Background(), "does-not-exist", map[string]string{"k": "v"})
	require.Error(t, err)
}

func TestPublisherValidation(t *testing.T) {
	_, err := (&Publisher{}).Publish(context.Background(), "runs", nil)
	require.Error(t, err)

	client, _ := newTestClient(t)
	pub := New(client)
	_, err = pub.Publish(context.Background(), "", nil)
	require.Error(t, err)

	_, err = pub.Publish(context.Background(), "runs", make(chan int))
	require.Error(t, err)

	_, err = Open(context.Background(), "")
	require.Error(t, err)
}
