// Package server exposes the tool runner over gRPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/triage-ai/palisade/services/tool_runner/internal/auth"
	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
	"github.com/triage-ai/palisade/services/tool_runner/internal/executor"
	tstatus "github.com/triage-ai/palisade/services/tool_runner/internal/status"
	"github.com/triage-ai/palisade/services/tool_runner/internal/storage"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// eventSource tags batch events written by this transport.
const eventSource = "grpc"

// Catalog describes registered capabilities.
type Catalog interface {
	Get(name string) (capability.Descriptor, bool)
}

// ToolRunnerServer implements the ToolRunnerService gRPC service.
type ToolRunnerServer struct {
	engine   *executor.Engine
	resolver executor.ToolResolver
	catalog  Catalog
	auth     auth.Authenticator
	writer   storage.EventWriter
	logger   *zap.Logger
}

// NewToolRunnerServer creates a new ToolRunnerServer with the given dependencies.
// A nil writer falls back to a LogWriter.
func NewToolRunnerServer(
	eng *executor.Engine,
	res executor.ToolResolver,
	catalog Catalog,
	authenticator auth.Authenticator,
	writer storage.EventWriter,
	logger *zap.Logger,
) *ToolRunnerServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if writer == nil {
		writer = storage.NewLogWriter(logger)
	}
	return &ToolRunnerServer{
		engine:   eng,
		resolver: res,
		catalog:  catalog,
		auth:     authenticator,
		writer:   writer,
		logger:   logger,
	}
}

// ListTools implements the ToolRunnerService.ListTools RPC. It returns the
// tools the caller would see for the given contextual names.
func (s *ToolRunnerServer) ListTools(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	principal, err := s.auth.Authenticate(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}

	caller, err := callerFromRequest(principal, req.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	set, err := s.resolver.Resolve(ctx, caller, caller.ContextualTools)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "resolve tools: %v", err)
	}

	tools := make([]any, 0, set.Len())
	for _, name := range set.Names() {
		tool, _ := set.Get(name)
		entry := map[string]any{"name": name}
		if d, ok := s.catalog.Get(name); ok {
			entry["display_name"] = d.Title()
			entry["description"] = d.Description
		}
		if schema := tool.ArgumentSchema().Raw(); schema != nil {
			entry["argument_schema"] = schema
		}
		tools = append(tools, entry)
	}
	resp, err := toStruct(map[string]any{"tools": tools})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode tools: %v", err)
	}
	return resp, nil
}

type batchOutcome struct {
	results []capability.Result
	final   *executor.Snapshot
	err     error
}

// ExecuteBatch implements the ToolRunnerService.ExecuteBatch RPC. Every
// status publication is streamed as a "status" message, followed by one
// "result" message.
func (s *ToolRunnerServer) ExecuteBatch(req *structpb.Struct, stream ToolRunnerService_ExecuteBatchServer) error {
	principal, err := s.auth.Authenticate(stream.Context())
	if err != nil {
		return status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}

	m := req.AsMap()
	caller, err := callerFromRequest(principal, m)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	invocations, err := invocationsFromRequest(m)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	ctx, cancel := context.WithCancelCause(stream.Context())
	defer cancel(nil)

	updates := make(chan *executor.Snapshot)
	reporter := tstatus.Multi(
		tstatus.NewChannelReporter(updates),
		tstatus.NewEventReporter(s.writer, caller, eventSource),
	)

	done := make(chan batchOutcome, 1)
	go func() {
		results, final, err := s.engine.ExecuteBatch(ctx, invocations, caller, reporter)
		done <- batchOutcome{results: results, final: final, err: err}
	}()

	// Only this goroutine sends on the stream. After a failed send the
	// updates channel is no longer read, so the next publication fails on
	// the cancelled context.
	in := updates
	for {
		select {
		case snap := <-in:
			msg, err := toStruct(map[string]any{"type": "status", "snapshot": snap})
			if err == nil {
				err = stream.Send(msg)
			}
			if err != nil {
				in = nil
				cancel(fmt.Errorf("stream status: %w", err))
			}
		case out := <-done:
			if out.err != nil {
				return s.batchError(principal, out.err)
			}
			msg, err := toStruct(map[string]any{
				"type":     "result",
				"results":  out.results,
				"snapshot": out.final,
			})
			if err != nil {
				return status.Errorf(codes.Internal, "encode result: %v", err)
			}
			return stream.Send(msg)
		}
	}
}

func (s *ToolRunnerServer) batchError(principal *auth.Principal, err error) error {
	var critical *executor.CriticalError
	switch {
	case errors.Is(err, executor.ErrEmptyBatch), errors.Is(err, executor.ErrDuplicateInvocation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &critical):
		s.logger.Error("batch aborted",
			zap.String("project_id", principal.ProjectID),
			zap.String("batch_id", critical.BatchID),
			zap.Error(err),
		)
		return status.Error(codes.Internal, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func callerFromRequest(principal *auth.Principal, m map[string]any) (*capability.CallerContext, error) {
	caller := &capability.CallerContext{
		ProjectID: principal.ProjectID,
		TeamID:    principal.TeamID,
	}
	var err error
	if caller.UserID, err = optString(m, "user_id"); err != nil {
		return nil, err
	}
	if caller.Surface, err = optString(m, "surface"); err != nil {
		return nil, err
	}
	if caller.ContextualTools, err = optStrings(m, "contextual_tools"); err != nil {
		return nil, err
	}
	if v, ok := m["state"]; ok && v != nil {
		state, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("state must be an object")
		}
		caller.State = state
	}
	if v, ok := m["config"]; ok && v != nil {
		raw, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("config must be an object")
		}
		caller.Config = make(map[string]string, len(raw))
		for k, cv := range raw {
			str, ok := cv.(string)
			if !ok {
				return nil, fmt.Errorf("config.%s must be a string", k)
			}
			caller.Config[k] = str
		}
	}
	return caller, nil
}

func invocationsFromRequest(m map[string]any) ([]executor.Invocation, error) {
	raw, ok := m["invocations"].([]any)
	if !ok {
		return nil, fmt.Errorf("invocations must be a list")
	}
	out := make([]executor.Invocation, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("invocations[%d] must be an object", i)
		}
		id, _ := obj["id"].(string)
		tool, _ := obj["tool"].(string)
		if id == "" || tool == "" {
			return nil, fmt.Errorf("invocations[%d] needs an id and a tool", i)
		}
		inv := executor.Invocation{ID: id, ToolName: tool}
		if args, ok := obj["arguments"]; ok && args != nil {
			if inv.Arguments, ok = args.(map[string]any); !ok {
				return nil, fmt.Errorf("invocations[%d].arguments must be an object", i)
			}
		}
		out = append(out, inv)
	}
	return out, nil
}

func optString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}

func optStrings(m map[string]any, key string) ([]string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a list", key)
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string", key, i)
		}
		out = append(out, s)
	}
	return out, nil
}

// toStruct encodes v through its JSON form so struct tags decide the field names.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("toStruct: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("toStruct: %w", err)
	}
	return out, nil
}
