package presence

import (
	"context"

	"github.com/adred-codev/pushline/internal/rpc"
	"github.com/adred-codev/pushline/internal/shared/monitoring"
	"github.com/adred-codev/pushline/internal/shared/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Querier resolves user ids to live devices
type Querier interface {
	Query(ctx context.Context, userIDs []int64) ([]types.PresenceRecord, error)
}

// Server answers presence queries over RPC
type Server struct {
	store  Querier
	logger zerolog.Logger
}

func NewServer(store Querier, logger zerolog.Logger) *Server {
	return &Server{
		store:  store,
		logger: logger.With().Str("component", "presence_server").Logger(),
	}
}

// Query implements rpc.PresenceServer
func (s *Server) Query(ctx context.Context, query *rpc.PresenceQuery) (*rpc.PresenceReply, error) {
	monitoring.IncrementPresenceQueries()

	records, err := s.store.Query(ctx, query.UserIDs)
	if err != nil {
		s.logger.Warn().Err(err).Int("users", len(query.UserIDs)).Msg("Presence query failed")
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &rpc.PresenceReply{Records: records}, nil
}
