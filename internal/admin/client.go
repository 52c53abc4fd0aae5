package admin

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/teampoint/teampoint/internal/gameserver"
)

// Client calls the admin service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// ListRooms returns every room ordered by code.
func (c *Client) ListRooms(ctx context.Context) ([]gameserver.RoomView, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listRoomsMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var resp struct {
		Rooms []gameserver.RoomView `json:"rooms"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// GetRoom returns one room.
func (c *Client) GetRoom(ctx context.Context, code string) (gameserver.RoomView, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getRoomMethod, codeRequest(code), out); err != nil {
		return gameserver.RoomView{}, err
	}
	var v gameserver.RoomView
	if err := fromStruct(out, &v); err != nil {
		return gameserver.RoomView{}, err
	}
	return v, nil
}

// RoomStream receives the snapshots of a watched room.
type RoomStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next snapshot. It returns io.EOF when the server ends
// the stream.
func (s *RoomStream) Recv() (gameserver.RoomView, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return gameserver.RoomView{}, err
	}
	var v gameserver.RoomView
	if err := fromStruct(msg, &v); err != nil {
		return gameserver.RoomView{}, err
	}
	return v, nil
}

// WatchRoom opens a snapshot stream for code. Cancel ctx to end it.
func (c *Client) WatchRoom(ctx context.Context, code string) (*RoomStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], watchRoomMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(codeRequest(code)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &RoomStream{stream: stream}, nil
}

func codeRequest(code string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"code": structpb.NewStringValue(code),
	}}
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding struct: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}
