package listener

import (
	"context"
	"fmt"
	"sync"

	"flowcore/domain"
	"flowcore/scheduler"
)

// CompositeListener fans a single Listen task's declared sources out to
// whichever of its member ListenerAdapters declares a matching transport,
// merging their delivered events into one channel. scheduler.Scheduler
// only ever holds one ListenerAdapter, but a workflow document's `listen.to`
// block is free to mix "http" and "grpc" sources in the same task, so the
// CLI wires both concrete listeners behind this one adapter.
type CompositeListener struct {
	members []scheduler.ListenerAdapter
}

// NewCompositeListener returns an adapter that dispatches to every member
// able to serve a source in a given spec's transport.
func NewCompositeListener(members ...scheduler.ListenerAdapter) *CompositeListener {
	return &CompositeListener{members: members}
}

func (c *CompositeListener) Listen(ctx context.Context, spec domain.ListenSpec) (<-chan scheduler.ListenedEvent, error) {
	out := make(chan scheduler.ListenedEvent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	started := 0

	for _, member := range c.members {
		ch, err := member.Listen(ctx, spec)
		if err != nil {
			// A member with no matching-transport source in spec errors;
			// that is expected when sources are split across transports.
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			continue
		}
		started++
		wg.Add(1)
		go func(ch <-chan scheduler.ListenedEvent) {
			defer wg.Done()
			for event := range ch {
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}

	if started == 0 {
		close(out)
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("listen spec has no source matching any configured transport")
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}
