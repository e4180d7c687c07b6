// Package remote implements the connection to the capture server.
//
// The capture server hands out replay payloads and resource blobs and
// receives posted instrumentation data. The wire protocol is gRPC; resource
// payloads may arrive zstd-compressed and are decompressed here, so callers
// above the connection only ever see raw resource bytes.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/fortiblox/gfx-replay/internal/types"
)

// Connection errors.
var (
	ErrNotConnected   = errors.New("replay server not connected")
	ErrClosed         = errors.New("replay server connection closed")
	ErrResourceCount  = errors.New("resource response count mismatch")
	ErrUnknownPayload = errors.New("unknown resource payload encoding")
)

// ServerConnection is the capability surface the replay core uses to talk
// to the capture server.
type ServerConnection interface {
	// Post transmits outgoing instrumentation bytes.
	Post(data []byte) error

	// FetchResources fetches the payloads for the given resource ids, in
	// order. Payloads are returned uncompressed.
	FetchResources(ids []types.ResourceID) ([][]byte, error)
}

// Payload encodings accepted from the wire.
const (
	encodingRaw  = uint32(0)
	encodingZstd = uint32(1)
)

// gRPC method names of the replay service.
const (
	methodPost      = "/gfxreplay.Replay/Post"
	methodResources = "/gfxreplay.Replay/GetResources"
)

// Wire messages for the replay service. Defined here with protobuf tags to
// avoid a dependency on proto generation.

type postRequest struct {
	Data []byte `protobuf:"bytes,1,opt,name=data"`
}

type postResponse struct {
	Ok bool `protobuf:"varint,1,opt,name=ok"`
}

type resourcesRequest struct {
	Ids [][]byte `protobuf:"bytes,1,rep,name=ids"`
}

type resourcePayload struct {
	Encoding uint32 `protobuf:"varint,1,opt,name=encoding"`
	Data     []byte `protobuf:"bytes,2,opt,name=data"`
}

type resourcesResponse struct {
	Payloads []*resourcePayload `protobuf:"bytes,1,rep,name=payloads"`
}

// Config holds client configuration.
type Config struct {
	// Endpoint is the capture server address (host:port).
	Endpoint string

	// RequestTimeout bounds individual RPC calls.
	RequestTimeout time.Duration

	// KeepaliveTime is the client keepalive ping interval.
	KeepaliveTime time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:       endpoint,
		RequestTimeout: 30 * time.Second,
		KeepaliveTime:  30 * time.Second,
	}
}

// Client is a gRPC ServerConnection implementation.
type Client struct {
	config Config

	mu     sync.Mutex
	conn   *grpc.ClientConn
	closed bool

	decoder *zstd.Decoder
}

// NewClient creates a client. Connect must be called before use.
func NewClient(config Config) (*Client, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &Client{config: config, decoder: decoder}, nil
}

// Connect dials the capture server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return nil
	}
	conn, err := grpc.DialContext(ctx, c.config.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.config.KeepaliveTime,
			Timeout:             c.config.RequestTimeout,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.config.Endpoint, err)
	}
	c.conn = conn
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) invoke(method string, req, resp interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()
	return conn.Invoke(ctx, method, req, resp)
}

// Post implements ServerConnection.
func (c *Client) Post(data []byte) error {
	var resp postResponse
	if err := c.invoke(methodPost, &postRequest{Data: data}, &resp); err != nil {
		return fmt.Errorf("post %d bytes: %w", len(data), err)
	}
	if !resp.Ok {
		return fmt.Errorf("post %d bytes: server rejected", len(data))
	}
	return nil
}

// FetchResources implements ServerConnection.
func (c *Client) FetchResources(ids []types.ResourceID) ([][]byte, error) {
	req := &resourcesRequest{Ids: make([][]byte, len(ids))}
	for i, id := range ids {
		rid := id
		req.Ids[i] = rid[:]
	}
	var resp resourcesResponse
	if err := c.invoke(methodResources, req, &resp); err != nil {
		return nil, fmt.Errorf("fetch %d resources: %w", len(ids), err)
	}
	if len(resp.Payloads) != len(ids) {
		return nil, fmt.Errorf("%w: asked %d, got %d", ErrResourceCount, len(ids), len(resp.Payloads))
	}
	out := make([][]byte, len(resp.Payloads))
	for i, p := range resp.Payloads {
		data, err := c.decodePayload(p)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", ids[i], err)
		}
		out[i] = data
	}
	return out, nil
}

func (c *Client) decodePayload(p *resourcePayload) ([]byte, error) {
	switch p.Encoding {
	case encodingRaw:
		return p.Data, nil
	case encodingZstd:
		return c.decoder.DecodeAll(p.Data, nil)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownPayload, p.Encoding)
	}
}
