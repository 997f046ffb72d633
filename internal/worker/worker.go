// Package worker runs the goroutine that exclusively owns the version store.
// Requests arrive as frames over an rpc transport and are handled strictly
// one at a time; every failure is answered with an error response.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/MarcoPoloResearchLab/specvault/internal/chain"
	"github.com/MarcoPoloResearchLab/specvault/internal/metrics"
	"github.com/MarcoPoloResearchLab/specvault/internal/rpc"
	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const defaultBuffer = 16

var (
	errMissingStore         = errors.New("worker: store is required")
	errMissingReconstructor = errors.New("worker: reconstructor is required")
	errUnknownKind          = errors.New("worker: unknown request kind")
)

// Config wires the worker's dependencies.
type Config struct {
	Store         *versions.Store
	Reconstructor *chain.Reconstructor
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	Buffer        int
}

// Worker serves store requests.
type Worker struct {
	store         *versions.Store
	reconstructor *chain.Reconstructor
	logger        *zap.Logger
	metrics       *metrics.Metrics
	transport     *rpc.ServerTransport
	done          chan struct{}
}

// Start launches the worker loop and returns the caller end of its transport.
// The loop exits when ctx is cancelled or either end closes the transport.
func Start(ctx context.Context, cfg Config) (*Worker, rpc.Transport, error) {
	if cfg.Store == nil {
		return nil, nil, errMissingStore
	}
	if cfg.Reconstructor == nil {
		return nil, nil, errMissingReconstructor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	clientEnd, serverEnd := rpc.NewPipe(buffer)
	worker := &Worker{
		store:         cfg.Store,
		reconstructor: cfg.Reconstructor,
		logger:        logger,
		metrics:       cfg.Metrics,
		transport:     serverEnd,
		done:          make(chan struct{}),
	}
	go worker.run(ctx)
	return worker, clientEnd, nil
}

// Connect starts a worker and returns a typed client bound to it.
func Connect(ctx context.Context, cfg Config) (*rpc.Client, *Worker, error) {
	worker, transport, err := Start(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	observer := rpc.Observer(nil)
	if cfg.Metrics != nil {
		observer = cfg.Metrics
	}
	channel, err := rpc.NewChannel(transport, rpc.ChannelConfig{Logger: worker.logger, Observer: observer})
	if err != nil {
		_ = transport.Close()
		return nil, nil, err
	}
	return rpc.NewClient(channel), worker, nil
}

// Wait blocks until the worker loop has exited.
func (worker *Worker) Wait() {
	<-worker.done
}

func (worker *Worker) run(ctx context.Context) {
	defer close(worker.done)
	defer worker.transport.Shutdown()
	worker.logger.Debug("store worker started")
	for {
		select {
		case <-ctx.Done():
			worker.logger.Debug("store worker stopped", zap.String("reason", "context_done"))
			return
		case <-worker.transport.Done():
			worker.logger.Debug("store worker stopped", zap.String("reason", "transport_closed"))
			return
		case frame := <-worker.transport.Requests():
			response, ok := worker.handle(ctx, frame)
			if !ok {
				continue
			}
			encoded, err := json.Marshal(response)
			if err != nil {
				worker.logger.Error("store worker response encode failed", zap.Uint64("id", response.ID), zap.Error(err))
				continue
			}
			if err := worker.transport.Reply(encoded); err != nil {
				worker.logger.Debug("store worker reply dropped", zap.Uint64("id", response.ID), zap.Error(err))
			}
		}
	}
}

func (worker *Worker) handle(ctx context.Context, frame []byte) (response rpc.Response, ok bool) {
	var request rpc.Request
	if err := json.Unmarshal(frame, &request); err != nil {
		worker.logger.Warn("store worker request dropped", zap.String("reason", "decode_failed"), zap.Error(err))
		return rpc.Response{}, false
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			worker.logger.Error("store worker request panicked",
				zap.String("kind", string(request.Kind)),
				zap.Any("panic", recovered),
				zap.ByteString("stack", debug.Stack()))
			worker.metrics.ObserveHandled(string(request.Kind), string(rpc.StatusError))
			response = rpc.Response{ID: request.ID, Status: rpc.StatusError, Message: fmt.Sprintf("internal error: %v", recovered)}
			ok = true
		}
	}()

	result, err := worker.dispatch(ctx, request)
	if err == nil && result != nil {
		var encoded []byte
		encoded, err = json.Marshal(result)
		if err == nil {
			response = rpc.Response{ID: request.ID, Status: rpc.StatusSuccess, Result: encoded}
		}
	} else if err == nil {
		response = rpc.Response{ID: request.ID, Status: rpc.StatusSuccess}
	}
	if err != nil {
		worker.logger.Debug("store worker request failed", zap.String("kind", string(request.Kind)), zap.Error(err))
		response = rpc.Response{ID: request.ID, Status: rpc.StatusError, Message: err.Error(), Code: rpc.ErrorCode(err)}
	}
	worker.metrics.ObserveHandled(string(request.Kind), string(response.Status))
	return response, true
}

func (worker *Worker) dispatch(ctx context.Context, request rpc.Request) (any, error) {
	switch request.Kind {
	case rpc.KindAddVersion:
		params, err := decodeParams[rpc.AddVersionParams](request)
		if err != nil {
			return nil, err
		}
		record, err := worker.store.Add(ctx, rpc.NewRecordFromParams(params))
		if err != nil {
			return nil, err
		}
		return rpc.RecordToDTO(record), nil

	case rpc.KindGetVersions:
		params, err := decodeParams[rpc.PathParams](request)
		if err != nil {
			return nil, err
		}
		records, err := worker.store.GetVersions(ctx, params.Path)
		if err != nil {
			return nil, err
		}
		return rpc.RecordsToDTO(records), nil

	case rpc.KindGetLastVersion:
		params, err := decodeParams[rpc.PathParams](request)
		if err != nil {
			return nil, err
		}
		record, err := worker.store.GetLastVersion(ctx, params.Path)
		return optionalRecord(record, err)

	case rpc.KindGetVersion:
		params, err := decodeParams[rpc.IDParams](request)
		if err != nil {
			return nil, err
		}
		record, err := worker.store.GetVersion(ctx, params.ID)
		return optionalRecord(record, err)

	case rpc.KindDeleteVersion:
		params, err := decodeParams[rpc.IDParams](request)
		if err != nil {
			return nil, err
		}
		return nil, worker.store.DeleteVersion(ctx, params.ID)

	case rpc.KindRestoreVersion:
		params, err := decodeParams[rpc.IDParams](request)
		if err != nil {
			return nil, err
		}
		return nil, worker.store.RestoreVersion(ctx, params.ID)

	case rpc.KindDeletePermanently:
		params, err := decodeParams[rpc.IDParams](request)
		if err != nil {
			return nil, err
		}
		return nil, worker.purgeRecord(ctx, params.ID)

	case rpc.KindIsNextVersionFull:
		params, err := decodeParams[rpc.PathParams](request)
		if err != nil {
			return nil, err
		}
		return worker.store.IsNextVersionFull(ctx, params.Path)

	case rpc.KindGetEntryViewData:
		entries, err := worker.store.GetEntryViewData(ctx)
		if err != nil {
			return nil, err
		}
		converted := make(map[string]rpc.EntryDTO, len(entries))
		for path, entry := range entries {
			converted[path] = rpc.EntryDTO{Count: entry.Count, DeletedCount: entry.DeletedCount, LastUpdate: entry.LastUpdate}
		}
		return converted, nil

	case rpc.KindGetAllData:
		records, err := worker.store.GetAllData(ctx)
		if err != nil {
			return nil, err
		}
		return rpc.RecordsToDTO(records), nil

	case rpc.KindRenameFile:
		params, err := decodeParams[rpc.RenameParams](request)
		if err != nil {
			return nil, err
		}
		return nil, worker.store.RenameFile(ctx, params.OldPath, params.NewPath)

	case rpc.KindIsFileTracked:
		params, err := decodeParams[rpc.PathParams](request)
		if err != nil {
			return nil, err
		}
		return worker.store.IsFileTracked(ctx, params.Path)

	case rpc.KindDeleteFile:
		params, err := decodeParams[rpc.PathParams](request)
		if err != nil {
			return nil, err
		}
		return nil, worker.store.DeleteFile(ctx, params.Path)

	case rpc.KindRemoveAllVersions:
		params, err := decodeParams[rpc.PathParams](request)
		if err != nil {
			return nil, err
		}
		return nil, worker.store.RemoveAllVersions(ctx, params.Path)

	case rpc.KindClearAll:
		return nil, worker.store.ClearAll(ctx)

	case rpc.KindRestoreAll:
		params, err := decodeParams[rpc.PathParams](request)
		if err != nil {
			return nil, err
		}
		return nil, worker.store.RestoreAll(ctx, params.Path)

	case rpc.KindPermanentlyClearAll:
		return nil, worker.purgeSoftDeleted(ctx)

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownKind, request.Kind)
	}
}

func decodeParams[T any](request rpc.Request) (T, error) {
	var params T
	if len(request.Params) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return params, fmt.Errorf("worker: decode %s params: %w", request.Kind, err)
	}
	return params, nil
}

func optionalRecord(record *versions.Record, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if record == nil {
		return json.RawMessage("null"), nil
	}
	return rpc.RecordToDTO(*record), nil
}
