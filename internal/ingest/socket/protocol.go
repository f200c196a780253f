package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown      Operation = 0
	OperationPublish      Operation = 1
	OperationPublishBatch Operation = 2
	OperationPing         Operation = 3
	OperationHealth       Operation = 4
	OperationGetSnapshot  Operation = 5
	OperationGetService   Operation = 6
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
	ErrorCodeRejected        ErrorCode = 6
	ErrorCodeUnknownType     ErrorCode = 7
)

type SocketRequest struct {
	RequestId    string               `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken    string               `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation    int32                `protobuf:"varint,3,opt,name=operation,proto3"`
	Publish      *PublishRequest      `protobuf:"bytes,4,opt,name=publish,proto3"`
	PublishBatch *PublishBatchRequest `protobuf:"bytes,5,opt,name=publish_batch,json=publishBatch,proto3"`
	GetService   *ServiceQuery        `protobuf:"bytes,6,opt,name=get_service,json=getService,proto3"`
	Ping         *PingRequest         `protobuf:"bytes,8,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string                `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32                 `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string                `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Publish      *PublishResponse      `protobuf:"bytes,4,opt,name=publish,proto3"`
	Pong         *PongResponse         `protobuf:"bytes,5,opt,name=pong,proto3"`
	Snapshot     *SnapshotResponse     `protobuf:"bytes,6,opt,name=snapshot,proto3"`
	PublishBatch *PublishBatchResponse `protobuf:"bytes,7,opt,name=publish_batch,json=publishBatch,proto3"`
	Health       *HealthResponse       `protobuf:"bytes,8,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

// Event carries one catalogue discriminator and its JSON payload.
type Event struct {
	EventId        string `protobuf:"bytes,1,opt,name=event_id,json=eventId,proto3"`
	EventType      string `protobuf:"bytes,2,opt,name=event_type,json=eventType,proto3"`
	EventTimeUtcNs int64  `protobuf:"varint,3,opt,name=event_time_utc_ns,json=eventTimeUtcNs,proto3"`
	Payload        []byte `protobuf:"bytes,4,opt,name=payload,proto3"`
	Source         string `protobuf:"bytes,5,opt,name=source,proto3"`
	SourceRef      string `protobuf:"bytes,6,opt,name=source_ref,json=sourceRef,proto3"`
}

func (*Event) Reset()         {}
func (*Event) String() string { return "Event" }
func (*Event) ProtoMessage()  {}

type PublishRequest struct {
	Event *Event `protobuf:"bytes,1,opt,name=event,proto3"`
}

func (*PublishRequest) Reset()         {}
func (*PublishRequest) String() string { return "PublishRequest" }
func (*PublishRequest) ProtoMessage()  {}

type PublishBatchRequest struct {
	Events []*Event `protobuf:"bytes,1,rep,name=events,proto3"`
}

func (*PublishBatchRequest) Reset()         {}
func (*PublishBatchRequest) String() string { return "PublishBatchRequest" }
func (*PublishBatchRequest) ProtoMessage()  {}

// PublishResponse mirrors dispatch.Result. Outcome holds domain.Outcome.
type PublishResponse struct {
	EventId string `protobuf:"bytes,1,opt,name=event_id,json=eventId,proto3"`
	Outcome int32  `protobuf:"varint,2,opt,name=outcome,proto3"`
	Version uint64 `protobuf:"varint,3,opt,name=version,proto3"`
	Reason  string `protobuf:"bytes,4,opt,name=reason,proto3"`
}

func (*PublishResponse) Reset()         {}
func (*PublishResponse) String() string { return "PublishResponse" }
func (*PublishResponse) ProtoMessage()  {}

type PublishBatchResponse struct {
	Results []*PublishResponse `protobuf:"bytes,1,rep,name=results,proto3"`
}

func (*PublishBatchResponse) Reset()         {}
func (*PublishBatchResponse) String() string { return "PublishBatchResponse" }
func (*PublishBatchResponse) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type ServiceQuery struct {
	ServiceName string `protobuf:"bytes,1,opt,name=service_name,json=serviceName,proto3"`
}

func (*ServiceQuery) Reset()         {}
func (*ServiceQuery) String() string { return "ServiceQuery" }
func (*ServiceQuery) ProtoMessage()  {}

// SnapshotResponse carries the JSON view of the whole topology or of one
// service, taken at Version.
type SnapshotResponse struct {
	Found    bool   `protobuf:"varint,1,opt,name=found,proto3"`
	Version  uint64 `protobuf:"varint,2,opt,name=version,proto3"`
	ViewJson []byte `protobuf:"bytes,3,opt,name=view_json,json=viewJson,proto3"`
}

func (*SnapshotResponse) Reset()         {}
func (*SnapshotResponse) String() string { return "SnapshotResponse" }
func (*SnapshotResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	switch Operation(req.Operation) {
	case OperationUnknown:
		return fmt.Errorf("operation is required")
	case OperationPublish:
		if req.Publish == nil || req.Publish.Event == nil {
			return fmt.Errorf("publish event required")
		}
	case OperationPublishBatch:
		if req.PublishBatch == nil || len(req.PublishBatch.Events) == 0 {
			return fmt.Errorf("publish_batch events required")
		}
	case OperationGetService:
		if req.GetService == nil || req.GetService.ServiceName == "" {
			return fmt.Errorf("get_service service_name required")
		}
	}
	return nil
}
