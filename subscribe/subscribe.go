// Package subscribe fans typed updates out to any number of clients, each
// with its own unbounded queue, and lets a sender wait until every client has
// handled what was sent before.
package subscribe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrServerShuttingDown is an error returned in case the server is in the
// process of shutting down.
var ErrServerShuttingDown = errors.New("subscription server shutting down")

// clientQueueSize is the initial buffer of every client queue. The queue
// grows beyond it, so a slow client never blocks the server.
const clientQueueSize = 20

// MarkerFunc builds the in-band value a client receives for a Flush. The
// client must call ack once it has handled every update received before the
// marker. Calling ack more than once is harmless.
type MarkerFunc[T any] func(ack func()) T

// Client receives the updates of a Server in the order they were sent.
type Client[T any] struct {
	id     uint64
	server *Server[T]

	updates *fn.ConcurrentQueue[T]
	quit    chan struct{}
}

// Updates returns a read-only channel where the updates the client has
// subscribed to will be delivered.
func (c *Client[T]) Updates() <-chan T {
	return c.updates.ChanOut()
}

// Quit is closed once the server no longer delivers updates to this client.
func (c *Client[T]) Quit() <-chan struct{} {
	return c.quit
}

// Cancel unsubscribes the client. Pending flushes stop waiting for it.
func (c *Client[T]) Cancel() {
	select {
	case c.server.requests <- &cancelRequest{clientID: c.id}:
	case <-c.server.quit:
	}
}

// Server manages a set of subscriptions and their corresponding clients. Any
// update will be delivered to all active clients in the order it was sent.
type Server[T any] struct {
	clientCounter atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool

	clients  map[uint64]*Client[T]
	requests chan any
	updates  chan T

	quit chan struct{}
	wg   sync.WaitGroup
}

type subscribeRequest[T any] struct {
	client *Client[T]
}

type cancelRequest struct {
	clientID uint64
}

// flushRequest asks the handler to queue one marker per client. The handler
// answers with what to wait on, so a client that is slow to ack never stalls
// the handler.
type flushRequest[T any] struct {
	marker MarkerFunc[T]
	reply  chan []flushWait
}

// flushWait is the pending ack of one client.
type flushWait struct {
	acked      chan struct{}
	clientQuit chan struct{}
}

// NewServer returns a new Server.
func NewServer[T any]() *Server[T] {
	return &Server[T]{
		clients:  make(map[uint64]*Client[T]),
		requests: make(chan any),
		updates:  make(chan T),
		quit:     make(chan struct{}),
	}
}

// Start starts the Server, making it ready to accept subscriptions and
// updates.
func (s *Server[T]) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.wg.Add(1)
	go s.handler()

	return nil
}

// Stop closes every client and stops the server.
func (s *Server[T]) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(s.quit)
	s.wg.Wait()

	return nil
}

// Subscribe returns a Client that receives every update sent from now on.
func (s *Server[T]) Subscribe() (*Client[T], error) {
	client := &Client[T]{
		id:      s.clientCounter.Add(1),
		server:  s,
		updates: fn.NewConcurrentQueue[T](clientQueueSize),
		quit:    make(chan struct{}),
	}

	select {
	case s.requests <- &subscribeRequest[T]{client: client}:
	case <-s.quit:
		return nil, ErrServerShuttingDown
	}

	return client, nil
}

// SendUpdate is called to send the passed update to all currently active
// subscription clients.
func (s *Server[T]) SendUpdate(update T) error {
	select {
	case s.updates <- update:
		return nil
	case <-s.quit:
		return ErrServerShuttingDown
	}
}

// Flush queues a marker built by marker behind every update sent so far, on
// every client, and blocks until each client has acked its marker or gone
// away.
func (s *Server[T]) Flush(ctx context.Context, marker MarkerFunc[T]) error {
	req := &flushRequest[T]{
		marker: marker,
		reply:  make(chan []flushWait, 1),
	}

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrServerShuttingDown
	}

	var waits []flushWait
	select {
	case waits = <-req.reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrServerShuttingDown
	}

	for _, w := range waits {
		select {
		case <-w.acked:
		case <-w.clientQuit:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.quit:
			return ErrServerShuttingDown
		}
	}

	return nil
}

// deliver queues one value on a client. It returns false if the server is
// shutting down.
func (s *Server[T]) deliver(client *Client[T], v T) bool {
	select {
	case client.updates.ChanIn() <- v:
	case <-client.quit:
	case <-s.quit:
		return false
	}

	return true
}

// handler owns the client set. It serializes subscriptions, cancellations,
// updates and flush markers, which keeps every client's stream in send
// order.
//
// NOTE: MUST be run as a goroutine.
func (s *Server[T]) handler() {
	defer s.wg.Done()

	for {
		select {
		case req := <-s.requests:
			switch req := req.(type) {
			case *subscribeRequest[T]:
				req.client.updates.Start()
				s.clients[req.client.id] = req.client

			case *cancelRequest:
				client, ok := s.clients[req.clientID]
				if !ok {
					continue
				}
				client.updates.Stop()
				close(client.quit)
				delete(s.clients, req.clientID)

			case *flushRequest[T]:
				waits := make([]flushWait, 0, len(s.clients))
				for _, client := range s.clients {
					acked := make(chan struct{})
					var once sync.Once
					ack := func() {
						once.Do(func() { close(acked) })
					}

					if !s.deliver(client, req.marker(ack)) {
						return
					}
					waits = append(waits, flushWait{
						acked:      acked,
						clientQuit: client.quit,
					})
				}
				req.reply <- waits
			}

		case upd := <-s.updates:
			for _, client := range s.clients {
				if !s.deliver(client, upd) {
					return
				}
			}

		case <-s.quit:
			for _, client := range s.clients {
				client.updates.Stop()
				close(client.quit)
			}
			return
		}
	}
}
