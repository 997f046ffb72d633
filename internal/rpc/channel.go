package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

var (
	// ErrTerminated rejects calls that were pending at, or issued after, termination.
	ErrTerminated = errors.New("rpc: channel terminated")

	errMissingTransport = errors.New("rpc: transport is required")
)

// RemoteError is an Error response from the serving side.
type RemoteError struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s failed: %s", e.Kind, e.Message)
}

// Unwrap exposes the sentinel registered for the response code, if any.
func (e *RemoteError) Unwrap() error {
	return remoteSentinels[e.Code]
}

// Observer receives per-call measurements.
type Observer interface {
	ObserveCall(kind string, status string, duration time.Duration)
	SetPending(count int)
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	Logger   *zap.Logger
	Observer Observer
}

// Channel multiplexes concurrent calls over one transport. Responses may
// arrive in any order; each is routed to the caller whose id it echoes.
type Channel struct {
	transport Transport
	logger    *zap.Logger
	observer  Observer

	mutex      sync.Mutex
	nextID     uint64
	pending    map[uint64]chan Response
	terminated bool

	terminateOnce sync.Once
	done          chan struct{}
}

// NewChannel starts routing responses from transport.
func NewChannel(transport Transport, cfg ChannelConfig) (*Channel, error) {
	if transport == nil {
		return nil, errMissingTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	channel := &Channel{
		transport: transport,
		logger:    logger,
		observer:  cfg.Observer,
		pending:   make(map[uint64]chan Response),
		done:      make(chan struct{}),
	}
	go channel.readLoop()
	return channel, nil
}

// Call sends a request and decodes the matching success result into out.
// There is no channel-level timeout: an expiring ctx abandons only this call.
func (channel *Channel) Call(ctx context.Context, kind Kind, params any, out any) error {
	started := time.Now()
	err := channel.call(ctx, kind, params, out)
	if channel.observer != nil {
		channel.observer.ObserveCall(string(kind), callStatus(err), time.Since(started))
	}
	return err
}

func (channel *Channel) call(ctx context.Context, kind Kind, params any, out any) error {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("rpc: encode %s params: %w", kind, err)
		}
		rawParams = encoded
	}

	id, reply, err := channel.register()
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Request{ID: id, Kind: kind, Params: rawParams})
	if err != nil {
		channel.abandon(id)
		return fmt.Errorf("rpc: encode %s request: %w", kind, err)
	}
	if err := channel.transport.Send(frame); err != nil {
		channel.abandon(id)
		if errors.Is(err, ErrTransportClosed) {
			return ErrTerminated
		}
		return fmt.Errorf("rpc: send %s: %w", kind, err)
	}

	select {
	case response, ok := <-reply:
		if !ok {
			return ErrTerminated
		}
		if response.Status != StatusSuccess {
			return &RemoteError{Kind: kind, Code: response.Code, Message: response.Message}
		}
		if out == nil || len(response.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(response.Result, out); err != nil {
			return fmt.Errorf("rpc: decode %s result: %w", kind, err)
		}
		return nil
	case <-ctx.Done():
		channel.abandon(id)
		return ctx.Err()
	}
}

func (channel *Channel) register() (uint64, chan Response, error) {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	if channel.terminated {
		return 0, nil, ErrTerminated
	}
	channel.nextID++
	id := channel.nextID
	reply := make(chan Response, 1)
	channel.pending[id] = reply
	channel.reportPendingLocked()
	return id, reply, nil
}

func (channel *Channel) abandon(id uint64) {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	delete(channel.pending, id)
	channel.reportPendingLocked()
}

// Pending reports the number of calls awaiting a response.
func (channel *Channel) Pending() int {
	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	return len(channel.pending)
}

// Terminate rejects every pending call with ErrTerminated before returning,
// makes later calls fail fast, and closes the transport.
func (channel *Channel) Terminate() error {
	var closeErr error
	channel.terminateOnce.Do(func() {
		channel.mutex.Lock()
		channel.terminated = true
		for id, reply := range channel.pending {
			close(reply)
			delete(channel.pending, id)
		}
		channel.reportPendingLocked()
		channel.mutex.Unlock()

		closeErr = channel.transport.Close()
		close(channel.done)
	})
	return closeErr
}

// Done is closed after termination.
func (channel *Channel) Done() <-chan struct{} {
	return channel.done
}

func (channel *Channel) readLoop() {
	for {
		select {
		case frame := <-channel.transport.Frames():
			channel.dispatch(frame)
		case <-channel.transport.Done():
			if err := channel.Terminate(); err != nil {
				channel.logger.Warn("rpc transport close failed", zap.Error(err))
			}
			return
		}
	}
}

func (channel *Channel) dispatch(frame []byte) {
	var response Response
	if err := json.Unmarshal(frame, &response); err != nil {
		channel.logger.Warn("rpc response dropped", zap.String("reason", "decode_failed"), zap.Error(err))
		return
	}

	channel.mutex.Lock()
	defer channel.mutex.Unlock()
	reply, ok := channel.pending[response.ID]
	if !ok {
		channel.logger.Debug("rpc response dropped", zap.String("reason", "unmatched"), zap.Uint64("id", response.ID))
		return
	}
	delete(channel.pending, response.ID)
	channel.reportPendingLocked()
	reply <- response
}

func (channel *Channel) reportPendingLocked() {
	if channel.observer != nil {
		channel.observer.SetPending(len(channel.pending))
	}
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return string(StatusSuccess)
	case errors.Is(err, ErrTerminated):
		return "terminated"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "abandoned"
	default:
		return string(StatusError)
	}
}
