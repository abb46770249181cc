package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/commercekit/stripe-webhooks/pkg/subscription"
)

// putSubscriptionMethod is the downstream unary RPC receiving snapshots.
// The consumer accepts JSON-encoded request messages, so the call goes
// through a JSON codec instead of generated protobuf stubs.
const putSubscriptionMethod = "/subscriptionview.v1.SubscriptionViewService/PutSubscription"

const grpcCallTimeout = 10 * time.Second

// GRPCSink delivers snapshots with a unary call on a shared client
// connection, bearer-authenticated through the token cache.
type GRPCSink struct {
	conn  *grpc.ClientConn
	creds *Credentials
}

// NewGRPCSink creates a sink calling the downstream service over conn.
// creds may be nil when the downstream does not require authentication.
func NewGRPCSink(conn *grpc.ClientConn, creds *Credentials) *GRPCSink {
	return &GRPCSink{
		conn:  conn,
		creds: creds,
	}
}

// Publish implements Sink.
func (s *GRPCSink) Publish(ctx context.Context, snap *subscription.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, grpcCallTimeout)
	defer cancel()

	if s.creds != nil {
		token, err := s.creds.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get downstream token: %w", err)
		}
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}

	var resp struct{}
	if err := s.conn.Invoke(ctx, putSubscriptionMethod, snap, &resp, grpc.ForceCodec(jsonCodec{})); err != nil {
		return fmt.Errorf("failed to call downstream service: %w", err)
	}

	return nil
}

// jsonCodec encodes gRPC messages as JSON for the downstream's
// JSON-transcoding endpoint.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}
