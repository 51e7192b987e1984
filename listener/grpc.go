package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"flowcore/domain"
	"flowcore/scheduler"
	"flowcore/validate"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCListener ingests events over a single generic streaming RPC rather
// than per-workflow generated stubs: each delivered structpb.Struct carries
// "service", "rpc", and "body" fields, and EventSourceRef.Service/RPC route
// it to the matching Listen task the same way HTTPListener routes on
// method+path. This keeps a Listen task's declared gRPC source addressable
// without a code-generation step for every workflow document loaded at
// runtime.
type GRPCListener struct {
	server *grpc.Server
	schema *validate.SchemaValidator
	log    zerolog.Logger

	mu     sync.Mutex
	routes map[string]*grpcRoute
}

type grpcRoute struct {
	mu          sync.Mutex
	subscribers map[int]chan json.RawMessage
	nextID      int
}

func routeKey(service, rpc string) string { return service + "/" + rpc }

// NewGRPCListener constructs a listener; call Start to begin serving on
// addr.
func NewGRPCListener(log zerolog.Logger) *GRPCListener {
	l := &GRPCListener{
		schema: validate.NewSchemaValidator(),
		log:    log,
		routes: make(map[string]*grpcRoute),
	}
	l.server = grpc.NewServer()
	l.server.RegisterService(&eventIngestServiceDesc, l)
	return l
}

// Start begins serving on addr in the background.
func (l *GRPCListener) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind gRPC listener on %s: %w", addr, err)
	}
	go func() {
		if err := l.server.Serve(lis); err != nil {
			l.log.Error().Err(err).Msg("grpc listener stopped unexpectedly")
		}
	}()
	return nil
}

func (l *GRPCListener) Stop() {
	l.server.GracefulStop()
}

// Listen subscribes to every grpc-transport source in spec.
func (l *GRPCListener) Listen(ctx context.Context, spec domain.ListenSpec) (<-chan scheduler.ListenedEvent, error) {
	out := make(chan scheduler.ListenedEvent)
	type subscription struct {
		index int
		route *grpcRoute
		id    int
		ch    chan json.RawMessage
	}
	var subs []subscription

	for i, src := range spec.Sources {
		if src.Transport != "grpc" {
			continue
		}
		route := l.ensureRoute(src.Service, src.RPC)
		id, ch := route.subscribe()
		subs = append(subs, subscription{index: i, route: route, id: id, ch: ch})
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("listen spec has no grpc-transport sources for this listener")
	}

	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, s := range subs {
		go func(s subscription) {
			defer wg.Done()
			defer s.route.unsubscribe(s.id)
			for {
				select {
				case <-ctx.Done():
					return
				case body, ok := <-s.ch:
					if !ok {
						return
					}
					if schema := spec.Sources[s.index].Schema; schema != nil {
						var generic interface{}
						if json.Unmarshal(body, &generic) != nil || l.schema.Validate(schema, generic, "/listen") != nil {
							continue
						}
					}
					select {
					case out <- scheduler.ListenedEvent{SourceIndex: s.index, Body: body}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(s)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

func (l *GRPCListener) ensureRoute(service, rpc string) *grpcRoute {
	key := routeKey(service, rpc)
	l.mu.Lock()
	defer l.mu.Unlock()
	if route, ok := l.routes[key]; ok {
		return route
	}
	route := &grpcRoute{subscribers: make(map[int]chan json.RawMessage)}
	l.routes[key] = route
	return route
}

func (r *grpcRoute) subscribe() (int, chan json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	ch := make(chan json.RawMessage, 16)
	r.subscribers[id] = ch
	return id, ch
}

func (r *grpcRoute) unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subscribers[id]; ok {
		delete(r.subscribers, id)
		close(ch)
	}
}

func (r *grpcRoute) publish(body json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- body:
		default:
		}
	}
}

// publishEvent routes an inbound event to every subscriber of (service, rpc),
// called from the generic Stream RPC handler.
func (l *GRPCListener) publishEvent(service, rpc string, body json.RawMessage) {
	l.mu.Lock()
	route, ok := l.routes[routeKey(service, rpc)]
	l.mu.Unlock()
	if !ok {
		return
	}
	route.publish(body)
}

// eventIngestStream is the server-side handler for the single bidirectional
// streaming method every event source multiplexes through.
func (l *GRPCListener) eventIngestStream(stream grpc.ServerStream) error {
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}
		fields := msg.GetFields()
		service := fields["service"].GetStringValue()
		rpc := fields["rpc"].GetStringValue()
		body := fields["body"].GetStructValue()

		bodyJSON, err := body.MarshalJSON()
		if err != nil {
			continue
		}
		l.publishEvent(service, rpc, bodyJSON)

		ack, _ := structpb.NewStruct(map[string]interface{}{"accepted": true})
		if err := stream.SendMsg(ack); err != nil {
			return err
		}
	}
}

// eventIngestServiceDesc registers the generic Stream RPC without any
// protoc-generated stub: structpb.Struct already implements proto.Message,
// so grpc.NewServer can dispatch to it directly by ServiceDesc.
var eventIngestServiceDesc = grpc.ServiceDesc{
	ServiceName: "flowcore.listener.EventIngest",
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(*GRPCListener).eventIngestStream(stream)
			},
		},
	},
	Metadata: "flowcore/listener/event_ingest.proto",
}
