// Package admin exposes read-only registry inspection over gRPC.
//
// Messages are google.protobuf.Struct values carrying the same JSON shape as
// the updateGame payload, so no generated code is needed on either side.
package admin

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/teampoint/teampoint/internal/game/room"
	"github.com/teampoint/teampoint/internal/gameserver"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "teampoint.admin.v1.Admin"

const (
	listRoomsMethod = "/" + ServiceName + "/ListRooms"
	getRoomMethod   = "/" + ServiceName + "/GetRoom"
	watchRoomMethod = "/" + ServiceName + "/WatchRoom"
)

// RoomSource is the registry view served by the admin service.
type RoomSource interface {
	Get(code string) (room.Room, bool)
	List() []room.Room
}

// Watcher delivers ordered snapshots of one room.
type Watcher interface {
	Subscribe(code string) (<-chan room.Room, func())
}

// AdminServer is the server API of the admin service.
type AdminServer interface {
	ListRooms(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetRoom(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchRoom(*structpb.Struct, grpc.ServerStream) error
}

// Service implements AdminServer over a registry.
type Service struct {
	rooms   RoomSource
	watcher Watcher
	logger  *zap.Logger
}

// NewService creates a Service.
//
// Precondition: rooms, watcher and logger must be non-nil.
func NewService(rooms RoomSource, watcher Watcher, logger *zap.Logger) *Service {
	return &Service{rooms: rooms, watcher: watcher, logger: logger}
}

// ListRooms returns {"rooms": [...], "count": n} ordered by room code.
func (s *Service) ListRooms(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	rooms := s.rooms.List()
	views := make([]gameserver.RoomView, len(rooms))
	for i, rm := range rooms {
		views[i] = gameserver.NewRoomView(rm)
	}
	out, err := toStruct(map[string]any{"rooms": views, "count": len(views)})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding rooms: %v", err)
	}
	return out, nil
}

// GetRoom returns the room named by the request's "code" field.
func (s *Service) GetRoom(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	code, err := roomCode(req)
	if err != nil {
		return nil, err
	}
	rm, ok := s.rooms.Get(code)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "room %q not found", code)
	}
	return roomStruct(rm)
}

// WatchRoom streams the current state of the room followed by every later
// snapshot until the client goes away. A deleted room is sent with no
// players and the stream stays open for a recreated room.
func (s *Service) WatchRoom(req *structpb.Struct, stream grpc.ServerStream) error {
	code, err := roomCode(req)
	if err != nil {
		return err
	}
	updates, cancel := s.watcher.Subscribe(code)
	defer cancel()

	var sent uint64
	if rm, ok := s.rooms.Get(code); ok {
		if err := sendRoom(stream, rm); err != nil {
			return err
		}
		sent = rm.Revision
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case rm, ok := <-updates:
			if !ok {
				return nil
			}
			if rm.Revision <= sent {
				continue
			}
			if err := sendRoom(stream, rm); err != nil {
				s.logger.Debug("watch stream closed", zap.String("room_code", code), zap.Error(err))
				return err
			}
			sent = rm.Revision
		}
	}
}

func sendRoom(stream grpc.ServerStream, rm room.Room) error {
	msg, err := roomStruct(rm)
	if err != nil {
		return err
	}
	return stream.SendMsg(msg)
}

func roomCode(req *structpb.Struct) (string, error) {
	v, ok := req.GetFields()["code"]
	if !ok {
		return "", status.Error(codes.InvalidArgument, "code is required")
	}
	code, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || code.StringValue == "" {
		return "", status.Error(codes.InvalidArgument, "code must be a non-empty string")
	}
	return code.StringValue, nil
}

func roomStruct(rm room.Room) (*structpb.Struct, error) {
	out, err := toStruct(gameserver.NewRoomView(rm))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding room %q: %v", rm.Code, err)
	}
	return out, nil
}

// toStruct converts v to a Struct through its JSON encoding.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("building struct: %w", err)
	}
	return out, nil
}

// ServiceDesc describes the admin service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListRooms", Handler: listRoomsHandler},
		{MethodName: "GetRoom", Handler: getRoomHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchRoom", Handler: watchRoomHandler, ServerStreams: true},
	},
	Metadata: "teampoint/admin/v1/admin.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func listRoomsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListRooms(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listRoomsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ListRooms(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getRoomHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetRoom(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getRoomMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetRoom(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchRoomHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AdminServer).WatchRoom(in, stream)
}
