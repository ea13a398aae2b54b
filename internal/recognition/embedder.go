package recognition

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"sentinelcam/internal/model"
)

// Embedder turns a cropped face image into a 128-D unit-norm vector. It is
// one of the two external collaborators the design treats as a black box.
type Embedder interface {
	Embed(ctx context.Context, image []byte) ([]float32, error)
	Close() error
}

const embedMethod = "/sentinelcam.recognition.v1.Embedder/Embed"

// embedRequest/embedResponse are the wire messages for the JSON-coded gRPC
// call. Using a hand-rolled codec instead of protoc-generated types still
// exercises grpc-go's real transport, keepalive and unary-call machinery.
type embedRequest struct {
	Image []byte `json:"image"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
	Error  string    `json:"error,omitempty"`
}

// GRPCEmbedder dials a remote embedding service once and reuses the
// connection for every Embed call. Connection setup is grounded on the
// detector client's keepalive-parameterized dial, generalized from
// bidirectional streaming to a simple unary call since no generated
// stream stubs are available here.
type GRPCEmbedder struct {
	conn *grpc.ClientConn
}

// NewGRPCEmbedder dials endpoint and returns a ready-to-use Embedder.
func NewGRPCEmbedder(ctx context.Context, endpoint string) (*GRPCEmbedder, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	conn, err := grpc.DialContext(dialCtx, endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("recognition: dial embedder %s: %w", endpoint, err)
	}
	return &GRPCEmbedder{conn: conn}, nil
}

// Embed invokes the remote embedding RPC and returns a 128-D unit-norm
// vector, or model.ErrEmbedderFailed wrapping the cause.
func (e *GRPCEmbedder) Embed(ctx context.Context, image []byte) ([]float32, error) {
	req := &embedRequest{Image: image}
	resp := &embedResponse{}

	if err := e.conn.Invoke(ctx, embedMethod, req, resp); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEmbedderFailed, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", model.ErrEmbedderFailed, resp.Error)
	}
	return resp.Vector, nil
}

// Close releases the underlying connection.
func (e *GRPCEmbedder) Close() error {
	return e.conn.Close()
}
