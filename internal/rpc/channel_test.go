package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWait = 2 * time.Second

func newTestChannel(t *testing.T) (*Channel, *ServerTransport) {
	t.Helper()
	clientEnd, serverEnd := NewPipe(8)
	channel, err := NewChannel(clientEnd, ChannelConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = channel.Terminate() })
	return channel, serverEnd
}

func readRequest(t *testing.T, server *ServerTransport) Request {
	t.Helper()
	select {
	case frame := <-server.Requests():
		var request Request
		require.NoError(t, json.Unmarshal(frame, &request))
		return request
	case <-time.After(testWait):
		t.Fatal("timed out waiting for request")
		return Request{}
	}
}

func reply(t *testing.T, server *ServerTransport, response Response) {
	t.Helper()
	frame, err := json.Marshal(response)
	require.NoError(t, err)
	require.NoError(t, server.Reply(frame))
}

func echoPath(t *testing.T, server *ServerTransport, request Request) {
	t.Helper()
	var params PathParams
	require.NoError(t, json.Unmarshal(request.Params, &params))
	result, err := json.Marshal(params.Path)
	require.NoError(t, err)
	reply(t, server, Response{ID: request.ID, Status: StatusSuccess, Result: result})
}

type callOutcome struct {
	result string
	err    error
}

func startCall(ctx context.Context, channel *Channel, path string) <-chan callOutcome {
	outcome := make(chan callOutcome, 1)
	go func() {
		var result string
		err := channel.Call(ctx, KindGetVersions, PathParams{Path: path}, &result)
		outcome <- callOutcome{result: result, err: err}
	}()
	return outcome
}

func awaitOutcome(t *testing.T, outcome <-chan callOutcome) callOutcome {
	t.Helper()
	select {
	case value := <-outcome:
		return value
	case <-time.After(testWait):
		t.Fatal("timed out waiting for call outcome")
		return callOutcome{}
	}
}

func TestResponsesOutOfOrderReachTheirCallers(t *testing.T) {
	channel, server := newTestChannel(t)
	first := startCall(context.Background(), channel, "a.json")
	firstRequest := readRequest(t, server)
	second := startCall(context.Background(), channel, "b.json")
	secondRequest := readRequest(t, server)
	require.Less(t, firstRequest.ID, secondRequest.ID)

	echoPath(t, server, secondRequest)
	echoPath(t, server, firstRequest)

	firstOutcome := awaitOutcome(t, first)
	secondOutcome := awaitOutcome(t, second)
	require.NoError(t, firstOutcome.err)
	require.NoError(t, secondOutcome.err)
	require.Equal(t, "a.json", firstOutcome.result)
	require.Equal(t, "b.json", secondOutcome.result)
	require.Zero(t, channel.Pending())
}

func TestTerminateRejectsPendingAndLaterCalls(t *testing.T) {
	channel, server := newTestChannel(t)
	first := startCall(context.Background(), channel, "a.json")
	second := startCall(context.Background(), channel, "b.json")
	readRequest(t, server)
	readRequest(t, server)
	require.Eventually(t, func() bool { return channel.Pending() == 2 }, testWait, time.Millisecond)

	require.NoError(t, channel.Terminate())
	require.ErrorIs(t, awaitOutcome(t, first).err, ErrTerminated)
	require.ErrorIs(t, awaitOutcome(t, second).err, ErrTerminated)
	require.Zero(t, channel.Pending())

	started := time.Now()
	err := channel.Call(context.Background(), KindClearAll, nil, nil)
	require.ErrorIs(t, err, ErrTerminated)
	require.Less(t, time.Since(started), testWait)

	require.ErrorIs(t, server.Reply([]byte(`{"id":1,"status":"success"}`)), ErrTransportClosed)
	select {
	case <-channel.Done():
	default:
		t.Fatal("expected channel done after terminate")
	}
}

func TestErrorResponseSurfacesRemoteError(t *testing.T) {
	channel, server := newTestChannel(t)
	outcome := startCall(context.Background(), channel, "a.json")
	request := readRequest(t, server)
	reply(t, server, Response{ID: request.ID, Status: StatusError, Message: "versions.add.duplicate_key", Code: CodeDuplicateKey})

	err := awaitOutcome(t, outcome).err
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, KindGetVersions, remote.Kind)
	require.Equal(t, "versions.add.duplicate_key", remote.Message)
	require.ErrorIs(t, err, versions.ErrDuplicateKey)
}

func TestErrorCodeClassifiesKnownFailures(t *testing.T) {
	wrapped := fmt.Errorf("versions.add.duplicate_key: %w", versions.ErrDuplicateKey)
	require.Equal(t, CodeDuplicateKey, ErrorCode(wrapped))
	require.Empty(t, ErrorCode(errors.New("disk full")))

	remote := &RemoteError{Kind: KindAddVersion, Message: "disk full"}
	require.NotErrorIs(t, remote, versions.ErrDuplicateKey)

	tracked := fmt.Errorf("versions.rename_file.path_tracked: %w", versions.ErrPathTracked)
	require.Equal(t, CodePathTracked, ErrorCode(tracked))
	require.ErrorIs(t, &RemoteError{Kind: KindRenameFile, Code: CodePathTracked}, versions.ErrPathTracked)
}

func TestUnmatchedResponsesAreDropped(t *testing.T) {
	channel, server := newTestChannel(t)
	outcome := startCall(context.Background(), channel, "a.json")
	request := readRequest(t, server)

	reply(t, server, Response{ID: request.ID + 100, Status: StatusError, Message: "stray"})
	require.NoError(t, server.Reply([]byte("not json")))
	echoPath(t, server, request)

	value := awaitOutcome(t, outcome)
	require.NoError(t, value.err)
	require.Equal(t, "a.json", value.result)
}

func TestExpiredContextAbandonsOnlyItsCall(t *testing.T) {
	channel, server := newTestChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	abandoned := startCall(ctx, channel, "a.json")
	abandonedRequest := readRequest(t, server)
	kept := startCall(context.Background(), channel, "b.json")
	keptRequest := readRequest(t, server)

	cancel()
	require.ErrorIs(t, awaitOutcome(t, abandoned).err, context.Canceled)

	echoPath(t, server, abandonedRequest)
	echoPath(t, server, keptRequest)
	value := awaitOutcome(t, kept)
	require.NoError(t, value.err)
	require.Equal(t, "b.json", value.result)
}

func TestServerShutdownTerminatesChannel(t *testing.T) {
	channel, server := newTestChannel(t)
	outcome := startCall(context.Background(), channel, "a.json")
	readRequest(t, server)

	server.Shutdown()
	require.ErrorIs(t, awaitOutcome(t, outcome).err, ErrTerminated)
	select {
	case <-channel.Done():
	case <-time.After(testWait):
		t.Fatal("expected channel to terminate after shutdown")
	}
}

func TestCorrelationIDsAreUniqueUnderConcurrency(t *testing.T) {
	channel, server := newTestChannel(t)
	const calls = 32
	seen := make(map[uint64]bool)
	var seenMutex sync.Mutex
	go func() {
		for index := 0; index < calls; index++ {
			select {
			case frame := <-server.Requests():
				var request Request
				if json.Unmarshal(frame, &request) != nil {
					return
				}
				seenMutex.Lock()
				seen[request.ID] = true
				seenMutex.Unlock()
				result, _ := json.Marshal(request.ID)
				response, _ := json.Marshal(Response{ID: request.ID, Status: StatusSuccess, Result: result})
				if server.Reply(response) != nil {
					return
				}
			case <-server.Done():
				return
			}
		}
	}()

	var group sync.WaitGroup
	for index := 0; index < calls; index++ {
		group.Add(1)
		go func() {
			defer group.Done()
			var echoed uint64
			assert.NoError(t, channel.Call(context.Background(), KindClearAll, nil, &echoed))
			assert.NotZero(t, echoed)
		}()
	}
	group.Wait()

	seenMutex.Lock()
	defer seenMutex.Unlock()
	require.Len(t, seen, calls)
}
