package meshnode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rmacdonaldsmith/eventrouter-go/internal/clustermapper"
	"github.com/rmacdonaldsmith/eventrouter-go/internal/discovery"
	"github.com/rmacdonaldsmith/eventrouter-go/internal/peerlink"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/eventrouter"
)

// TestGRPCMeshNode_MultiNodeIntegration runs two nodes over real gRPC links that
// learn each other's address through the shared membership.
func TestGRPCMeshNode_MultiNodeIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	members := discovery.NewCluster()
	mapper := clustermapper.NewStaticMapper()
	mapper.SetOwnerForHosts([]string{"node-1", "node-2"}, "node-2")
	ctx := context.Background()

	newNode := func(id string) *Node {
		config := NewConfig(id, "127.0.0.1:0").
			WithLogger(zaptest.NewLogger(t)).
			WithMapper(mapper).
			WithPeerLinkConfig(&peerlink.Config{
				NodeID:            id,
				ListenAddress:     "127.0.0.1:0",
				HeartbeatInterval: 200 * time.Millisecond,
				DialTimeout:       time.Second,
				ReconnectTimeout:  3 * time.Second,
				SharedSecret:      "integration-secret",
			})
		node, err := NewGRPCMeshNode(config, members.Member(id, ""))
		require.NoError(t, err)
		t.Cleanup(func() { _ = node.Close() })
		require.NoError(t, node.Start(ctx))
		return node
	}

	node1 := newNode("node-1")
	node2 := newNode("node-2")

	for _, node := range []*Node{node1, node2} {
		require.Eventually(t, func() bool {
			health, err := node.GetHealth(ctx)
			return err == nil && health.Healthy && health.ClusterSize == 2
		}, 10*time.Second, 20*time.Millisecond, "node %s not healthy", node.GetNodeID())
	}

	client := NewChannelClient("client-1", 16)
	defer client.Stop()
	node1.Subscribe("orders", client)
	waitOpen(t, client)

	node2.Publish("orders", []byte("hello over grpc"))
	event := nextEvent(t, client)
	assert.Equal(t, "hello over grpc", string(event.Payload))
	assert.Equal(t, "node-2", event.Publisher)

	// node-2 owns the topic, so its departure closes the remote subscription.
	require.NoError(t, node2.Stop(ctx))
	select {
	case <-client.Closed():
		assert.Equal(t, eventrouter.ClosePeerLeft, client.Reason())
	case <-time.After(5 * time.Second):
		t.Fatal("Expected subscription to close when its owner left")
	}
}
