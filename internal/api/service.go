package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/directory"
	"github.com/matheus3301/wppcrm/internal/draft"
	"github.com/matheus3301/wppcrm/internal/realtime"
	"github.com/matheus3301/wppcrm/internal/restapi"
	intsync "github.com/matheus3301/wppcrm/internal/sync"
	"github.com/matheus3301/wppcrm/internal/timeline"
	"github.com/matheus3301/wppcrm/internal/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "wppcrm.v1.ViewService"

// Connection is the part of the realtime manager presenters can observe.
type Connection interface {
	State() realtime.ConnectionState
	Auth() realtime.AuthState
	Resume(ctx context.Context) error
}

// ViewService exposes the engine's selectors and commands to presenters.
// Every request and response is a google.protobuf.Struct.
type ViewService struct {
	profile   string
	startedAt time.Time
	engine    *intsync.Engine
	dir       *directory.Directory
	cache     *timeline.Cache
	drafts    *draft.Writer
	conn      Connection
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewViewService creates the service for one profile's engine.
func NewViewService(
	profile string,
	engine *intsync.Engine,
	dir *directory.Directory,
	cache *timeline.Cache,
	drafts *draft.Writer,
	conn Connection,
	b *bus.Bus,
	logger *zap.Logger,
) *ViewService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ViewService{
		profile:   profile,
		startedAt: time.Now(),
		engine:    engine,
		dir:       dir,
		cache:     cache,
		drafts:    drafts,
		conn:      conn,
		bus:       b,
		logger:    logger,
	}
}

// viewServer is the handler type checked by grpc.Server.RegisterService.
type viewServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(*ViewService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*ViewService)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes ViewService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*viewServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", (*ViewService).GetStatus),
		unary("ListConversations", (*ViewService).ListConversations),
		unary("LoadMore", (*ViewService).LoadMore),
		unary("SetView", (*ViewService).SetView),
		unary("ListMessages", (*ViewService).ListMessages),
		unary("LoadOlder", (*ViewService).LoadOlder),
		unary("OpenConversation", (*ViewService).OpenConversation),
		unary("SendText", (*ViewService).SendText),
		unary("SetDraft", (*ViewService).SetDraft),
		unary("MarkRead", (*ViewService).MarkRead),
		unary("MarkUnread", (*ViewService).MarkUnread),
		unary("Assign", (*ViewService).Assign),
		unary("Unassign", (*ViewService).Unassign),
		unary("Resume", (*ViewService).Resume),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(*ViewService).WatchEvents(in, stream)
			},
		},
	},
	Metadata: "wppcrm/v1/view.proto",
}

// Register adds the service to srv.
func Register(srv grpc.ServiceRegistrar, s *ViewService) {
	srv.RegisterService(&ServiceDesc, s)
}

// toStatus maps engine errors onto gRPC status codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		apiErr  *restapi.APIError
		authErr *realtime.AuthError
		connErr *realtime.ConnectionError
		valErr  *wire.ValidationError
	)
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, intsync.ErrNoActive):
		code = codes.FailedPrecondition
	case errors.Is(err, restapi.ErrUnauthorized), errors.As(err, &authErr):
		code = codes.Unauthenticated
	case errors.As(err, &apiErr):
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			code = codes.NotFound
		case apiErr.StatusCode == http.StatusForbidden:
			code = codes.PermissionDenied
		case apiErr.StatusCode == http.StatusBadRequest, apiErr.StatusCode == http.StatusUnprocessableEntity:
			code = codes.InvalidArgument
		case apiErr.StatusCode >= 500:
			code = codes.Unavailable
		}
	case errors.As(err, &connErr):
		code = codes.Unavailable
	case errors.As(err, &valErr):
		code = codes.DataLoss
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
