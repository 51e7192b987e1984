// Package listener implements the transports a Listen task suspends on:
// inbound HTTP webhooks (this file) and inbound gRPC streams (grpc.go). Both
// satisfy scheduler.ListenerAdapter by fanning delivered bodies, already
// validated against their declared schema, into the channel the scheduler
// polls.
//
// Route registration is dynamic and idempotent: the first Listen task that
// references a given (method, path) pair registers the gin route: every
// later reference to the same pair reuses it and simply adds another
// subscriber, mirroring how the teacher's api package wires one gin.Engine
// once and adds handlers to it as the domain requires.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"flowcore/domain"
	"flowcore/scheduler"
	"flowcore/validate"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HTTPListener binds Listen task sources with transport "http" to gin
// routes on a single shared engine.
type HTTPListener struct {
	engine *gin.Engine
	server *http.Server
	schema *validate.SchemaValidator
	log    zerolog.Logger

	mu     sync.Mutex
	routes map[string]*httpRoute
}

type httpRoute struct {
	mu          sync.Mutex
	subscribers map[int]chan json.RawMessage
	nextID      int
}

// NewHTTPListener builds a listener bound to addr; call Start to begin
// serving.
func NewHTTPListener(addr string, log zerolog.Logger) *HTTPListener {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	return &HTTPListener{
		engine: engine,
		server: &http.Server{Addr: addr, Handler: engine},
		schema: validate.NewSchemaValidator(),
		log:    log,
		routes: make(map[string]*httpRoute),
	}
}

// Start begins serving in the background. Callers should Shutdown on
// process exit.
func (l *HTTPListener) Start() {
	go func() {
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.log.Error().Err(err).Msg("http listener stopped unexpectedly")
		}
	}()
}

func (l *HTTPListener) Shutdown(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}

// Listen subscribes to every http-transport source in spec and fans their
// delivered bodies into one channel, closing it once ctx is done.
func (l *HTTPListener) Listen(ctx context.Context, spec domain.ListenSpec) (<-chan scheduler.ListenedEvent, error) {
	out := make(chan scheduler.ListenedEvent)
	type subscription struct {
		index int
		route *httpRoute
		id    int
		ch    chan json.RawMessage
	}
	var subs []subscription

	for i, src := range spec.Sources {
		if src.Transport != "http" {
			continue
		}
		route, err := l.ensureRoute(src)
		if err != nil {
			return nil, err
		}
		id, ch := route.subscribe()
		subs = append(subs, subscription{index: i, route: route, id: id, ch: ch})
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("listen spec has no http-transport sources for this listener")
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

func (l *HTTPListener) ensureRoute(src domain.EventSourceRef) (*httpRoute, error) {
	method := src.Method
	if method == "" {
		method = http.MethodPost
	}
	key := method + " " + src.Path

	l.mu.Lock()
	defer l.mu.Unlock()

	if route, ok := l.routes[key]; ok {
		return route, nil
	}

	route := &httpRoute{subscribers: make(map[int]chan json.RawMessage)}
	l.routes[key] = route
	l.engine.Handle(method, src.Path, l.handlerFor(route, src))
	return route, nil
}

func (l *HTTPListener) handlerFor(route *httpRoute, src domain.EventSourceRef) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}
		if src.Schema != nil {
			var generic interface{}
			if err := json.Unmarshal(body, &generic); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "request body is not valid JSON"})
				return
			}
			if problem := l.schema.Validate(src.Schema, generic, "/listen"); problem != nil {
				c.JSON(int(problem.Status), problem)
				return
			}
		}
		route.publish(json.RawMessage(body))
		c.Status(http.StatusAccepted)
	}
}

func (r *httpRoute) subscribe() (int, chan json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	ch := make(chan json.RawMessage, 16)
	r.subscribers[id] = ch
	return id, ch
}

func (r *httpRoute) unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subscribers[id]; ok {
		delete(r.subscribers, id)
		close(ch)
	}
}

func (r *httpRoute) publish(body json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- body:
		default:
		}
	}
}
