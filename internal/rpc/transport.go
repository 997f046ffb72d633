package rpc

import (
	"bytes"
	"errors"
	"sync"
)

// ErrTransportClosed indicates a send on a closed transport.
var ErrTransportClosed = errors.New("rpc: transport closed")

// Transport carries encoded frames from a caller to a serving context and back.
type Transport interface {
	Send(frame []byte) error
	Frames() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

type pipe struct {
	requests  chan []byte
	responses chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (p *pipe) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// send copies the frame so that neither side can observe the other's buffers.
func (p *pipe) send(target chan<- []byte, frame []byte) error {
	select {
	case <-p.done:
		return ErrTransportClosed
	default:
	}
	select {
	case <-p.done:
		return ErrTransportClosed
	case target <- bytes.Clone(frame):
		return nil
	}
}

// NewPipe returns the two ends of an in-memory transport. buffer bounds the
// number of frames queued in each direction.
func NewPipe(buffer int) (Transport, *ServerTransport) {
	if buffer < 0 {
		buffer = 0
	}
	shared := &pipe{
		requests:  make(chan []byte, buffer),
		responses: make(chan []byte, buffer),
		done:      make(chan struct{}),
	}
	return &clientTransport{pipe: shared}, &ServerTransport{pipe: shared}
}

type clientTransport struct {
	pipe *pipe
}

func (transport *clientTransport) Send(frame []byte) error {
	return transport.pipe.send(transport.pipe.requests, frame)
}

func (transport *clientTransport) Frames() <-chan []byte {
	return transport.pipe.responses
}

func (transport *clientTransport) Done() <-chan struct{} {
	return transport.pipe.done
}

func (transport *clientTransport) Close() error {
	transport.pipe.close()
	return nil
}

// ServerTransport is the serving end of a pipe.
type ServerTransport struct {
	pipe *pipe
}

// Requests delivers request frames in send order.
func (transport *ServerTransport) Requests() <-chan []byte {
	return transport.pipe.requests
}

// Reply sends a response frame back to the caller.
func (transport *ServerTransport) Reply(frame []byte) error {
	return transport.pipe.send(transport.pipe.responses, frame)
}

// Done is closed once either end shuts the pipe down.
func (transport *ServerTransport) Done() <-chan struct{} {
	return transport.pipe.done
}

// Shutdown closes the pipe from the serving side.
func (transport *ServerTransport) Shutdown() {
	transport.pipe.close()
}
