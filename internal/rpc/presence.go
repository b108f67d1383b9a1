package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adred-codev/pushline/internal/shared/types"
	"google.golang.org/grpc"
)

const (
	presenceServiceName = "pushline.presence.v1.Presence"
	presenceQueryMethod = "/" + presenceServiceName + "/Query"
)

// ErrPoolClosed is returned by Borrow after Close
var ErrPoolClosed = errors.New("rpc: presence pool closed")

// PresenceQuery asks where the given users are connected
type PresenceQuery struct {
	UserIDs []int64 `json:"userIds"`
}

// PresenceReply lists every live device of the queried users
type PresenceReply struct {
	Records []types.PresenceRecord `json:"records"`
}

// PresenceServer is implemented by the presence service
type PresenceServer interface {
	Query(ctx context.Context, query *PresenceQuery) (*PresenceReply, error)
}

func presenceQueryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PresenceQuery)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PresenceServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: presenceQueryMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PresenceServer).Query(ctx, req.(*PresenceQuery))
	}
	return interceptor(ctx, in, info, handler)
}

var presenceServiceDesc = grpc.ServiceDesc{
	ServiceName: presenceServiceName,
	HandlerType: (*PresenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Query",
			Handler:    presenceQueryHandler,
		},
	},
}

// RegisterPresenceServer registers the presence query endpoint on s
func RegisterPresenceServer(s grpc.ServiceRegistrar, srv PresenceServer) {
	s.RegisterService(&presenceServiceDesc, srv)
}

// PresenceClient is one connection to the presence service
type PresenceClient struct {
	conn *grpc.ClientConn
}

// Query resolves userIDs to their live device records in one round trip
func (c *PresenceClient) Query(ctx context.Context, userIDs []int64) ([]types.PresenceRecord, error) {
	reply := new(PresenceReply)
	if err := c.conn.Invoke(ctx, presenceQueryMethod, &PresenceQuery{UserIDs: userIDs}, reply); err != nil {
		return nil, fmt.Errorf("rpc: presence query: %w", err)
	}
	return reply.Records, nil
}

// PresencePool hands out a fixed set of presence clients. Borrow blocks
// while every client is lent out.
type PresencePool struct {
	clients chan *PresenceClient
	all     []*PresenceClient

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPresencePool dials size clients to target
func NewPresencePool(target string, size int, opts ...grpc.DialOption) (*PresencePool, error) {
	if size < 1 {
		return nil, fmt.Errorf("rpc: presence pool size must be >= 1, got %d", size)
	}

	pool := &PresencePool{
		clients: make(chan *PresenceClient, size),
		closed:  make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		conn, err := Dial(target, opts...)
		if err != nil {
			pool.Close()
			return nil, err
		}
		client := &PresenceClient{conn: conn}
		pool.all = append(pool.all, client)
		pool.clients <- client
	}
	return pool, nil
}

// Borrow takes a client, waiting until one is returned, ctx ends or the
// pool is closed
func (p *PresencePool) Borrow(ctx context.Context) (*PresenceClient, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}

	select {
	case client := <-p.clients:
		return client, nil
	case <-p.closed:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("rpc: borrow presence client: %w", ctx.Err())
	}
}

// Return gives a borrowed client back
func (p *PresencePool) Return(client *PresenceClient) {
	if client == nil {
		return
	}
	select {
	case p.clients <- client:
	default:
		// not from this pool
	}
}

// Query borrows a client for one presence round trip
func (p *PresencePool) Query(ctx context.Context, userIDs []int64) ([]types.PresenceRecord, error) {
	client, err := p.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Return(client)

	return client.Query(ctx, userIDs)
}

// Available returns how many clients are idle
func (p *PresencePool) Available() int {
	return len(p.clients)
}

// Close closes every client. Safe to call multiple times.
func (p *PresencePool) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.closed)
		for _, client := range p.all {
			if err := client.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
