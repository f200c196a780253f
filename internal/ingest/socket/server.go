package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"topologyd/internal/dispatch"
	"topologyd/internal/domain"
	"topologyd/internal/event"
	"topologyd/internal/hashroute"
	"topologyd/internal/metrics"
	"topologyd/internal/topology"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Engine is the topology core as seen by socket clients.
type Engine interface {
	Handle(context.Context, domain.EventEnvelope) dispatch.Result
	Snapshot() topology.Snapshot
	Health(context.Context) (bool, string)
}

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	// Lanes is the number of ordered workers. Publishes for one service
	// always land on the same lane.
	Lanes     int
	TLSConfig *tls.Config
}

type Server struct {
	cfg     Config
	engine  Engine
	log     *zap.Logger
	met     *metrics.Metrics
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	partQ   []chan queuedRequest
	conns   *xsync.Map[net.Conn, struct{}]
	closed  atomic.Bool
	wg      sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *SocketRequest
	conn    *connection
	release func()
}
type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}
}

func NewServer(cfg Config, engine Engine, log *zap.Logger, met *metrics.Metrics) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = 16
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		log:     log.With(zap.String("adapter", "socket")),
		met:     met,
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		partQ:   make([]chan queuedRequest, cfg.Lanes),
		conns:   xsync.NewMap[net.Conn, struct{}](),
	}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.log.Info("listening", zap.String("network", s.cfg.Network), zap.String("addr", ln.Addr().String()))

	for i := range s.partQ {
		s.wg.Add(1)
		go s.runPartitionWorker(s.partQ[i])
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.conns.Range(func(c net.Conn, _ struct{}) bool {
		_ = c.Close()
		return true
	})
	for _, q := range s.partQ {
		close(q)
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *SocketResponse, 256), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	s.conns.Store(raw, struct{}{})
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer raw.Close()
		defer s.conns.Delete(raw)
		s.readLoop(ctx, conn)
		// queued requests still answer into writerQ; wait for them to drain
		for i := 0; i < cap(conn.inflight); i++ {
			conn.inflight <- struct{}{}
		}
		close(conn.writerQ)
	}()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			s.log.Error("marshal response", zap.String("request_id", res.RequestId), zap.Error(err))
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			continue
		}
		if err := w.Flush(); err != nil {
			continue
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		if s.closed.Load() {
			return
		}
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "adapter queue overloaded"})
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		if !s.enqueue(s.partQ[s.laneFor(req)], qr) {
			qr.release()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "partition queue overloaded"})
		}
	}
}

// enqueue reports false when the lane is full or the server is closing.
func (s *Server) enqueue(q chan queuedRequest, qr queuedRequest) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case q <- qr:
		return true
	default:
		return false
	}
}

func (s *Server) runPartitionWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for req := range q {
		res := s.handleRequest(req.ctx, req.req)
		s.send(req.conn, res)
		req.release()
	}
}

func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case conn.writerQ <- res:
	default:
		s.log.Warn("response dropped, writer queue full", zap.String("request_id", res.RequestId))
	}
}

func (s *Server) laneFor(req *SocketRequest) int {
	var ev *Event
	switch {
	case req.Publish != nil && req.Publish.Event != nil:
		ev = req.Publish.Event
	case req.PublishBatch != nil && len(req.PublishBatch.Events) > 0:
		ev = req.PublishBatch.Events[0]
	default:
		return 0
	}
	return hashroute.Shard(event.RoutingKey(ev.Payload), len(s.partQ))
}

func (s *Server) handleRequest(ctx context.Context, req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg := s.engine.Health(ctx)
		res.Health = &HealthResponse{Ok: ok, Message: msg}
	case OperationPublish:
		s.met.IngestRecord("socket")
		out := s.publish(ctx, req.Publish.Event)
		res.Publish = out
		switch domain.Outcome(out.Outcome) {
		case domain.OutcomeUnknownType:
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeUnknownType), out.Reason
		case domain.OutcomeRejected:
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeRejected), out.Reason
		}
	case OperationPublishBatch:
		batch := &PublishBatchResponse{}
		for _, ev := range req.PublishBatch.Events {
			s.met.IngestRecord("socket")
			batch.Results = append(batch.Results, s.publish(ctx, ev))
		}
		res.PublishBatch = batch
	case OperationGetSnapshot:
		snap := s.engine.Snapshot()
		view, err := json.Marshal(snap.Topology.View(snap.Version))
		if err != nil {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeInternal), err.Error()
			return res
		}
		res.Snapshot = &SnapshotResponse{Found: true, Version: snap.Version, ViewJson: view}
	case OperationGetService:
		snap := s.engine.Snapshot()
		svc, ok := snap.Topology.Service(req.GetService.ServiceName)
		if !ok {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeNotFound), fmt.Sprintf("service %s does not exist", req.GetService.ServiceName)
			res.Snapshot = &SnapshotResponse{Version: snap.Version}
			return res
		}
		view, err := json.Marshal(svc.View())
		if err != nil {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeInternal), err.Error()
			return res
		}
		res.Snapshot = &SnapshotResponse{Found: true, Version: snap.Version, ViewJson: view}
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func (s *Server) publish(ctx context.Context, ev *Event) *PublishResponse {
	env := toDomain(ev)
	result := s.engine.Handle(ctx, env)
	return &PublishResponse{EventId: env.EventID, Outcome: int32(result.Outcome), Version: result.Version, Reason: result.Reason()}
}

func toDomain(e *Event) domain.EventEnvelope {
	if e == nil {
		return domain.EventEnvelope{}
	}
	id := e.EventId
	if id == "" {
		id = uuid.NewString()
	}
	source := e.Source
	if source == "" {
		source = "socket"
	}
	return domain.EventEnvelope{
		EventID:        id,
		EventType:      e.EventType,
		EventTimeUTCNs: e.EventTimeUtcNs,
		Payload:        e.Payload,
		PartitionKey:   event.RoutingKey(e.Payload),
		Source:         source,
		SourceRef:      e.SourceRef,
		ReceivedAtUTC:  time.Now().UTC(),
	}
}

func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

func Retryable(code int32) bool              { return ErrorCode(code) == ErrorCodeOverloaded }
func Error(code ErrorCode, msg string) error { return fmt.Errorf("%d:%s", code, msg) }
