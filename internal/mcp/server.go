package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// ToolHandler implements a server-side tool. The returned text is sent
// back as a single text content block; an error becomes an isError
// result carrying the error text.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// ResourceReader returns the text of a resource for the requested URI.
type ResourceReader func(ctx context.Context, uri string) (string, error)

type serverResource struct {
	def    ResourceDefinition
	prefix string
	read   ResourceReader
}

// Server is a minimal stdio MCP server: it answers initialize, ping,
// tools/list, tools/call, resources/list and resources/read, handling
// one message at a time.
type Server struct {
	name    string
	version string
	logger  *slog.Logger

	mu        sync.RWMutex
	tools     []ToolDefinition
	handlers  map[string]ToolHandler
	resources []serverResource
}

// NewServer creates a server that reports name and version in its
// initialize result.
func NewServer(name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name:     name,
		version:  version,
		logger:   logger.With("component", "mcp_server"),
		handlers: make(map[string]ToolHandler),
	}
}

// AddTool registers a tool.
func (s *Server) AddTool(def ToolDefinition, h ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, def)
	s.handlers[def.Name] = h
}

// AddResource registers a resource. When def.URITemplate is set, the
// literal part before the first "{" is matched as a prefix.
func (s *Server) AddResource(def ResourceDefinition, read ResourceReader) {
	prefix := def.URI
	if def.URITemplate != "" {
		prefix, _, _ = strings.Cut(def.URITemplate, "{")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, serverResource{def: def, prefix: prefix, read: read})
}

// Serve reads newline-delimited requests from r and writes responses to
// w until r reaches EOF or ctx ends.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("unparseable request", "error", err)
			if err := enc.Encode(outbound{
				JSONRPC: jsonrpcVersion,
				Error:   &RPCError{Code: CodeParseError, Message: err.Error()},
			}); err != nil {
				return err
			}
			continue
		}

		if msg.ID == nil {
			s.logger.Debug("notification", "method", msg.Method)
			continue
		}

		result, rpcErr := s.dispatch(ctx, msg)
		out := outbound{JSONRPC: jsonrpcVersion, ID: *msg.ID}
		if rpcErr != nil {
			out.Error = rpcErr
		} else {
			out.Result = result
		}
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, msg inbound) (any, *RPCError) {
	s.logger.Debug("request", "method", msg.Method, "id", *msg.ID)

	switch msg.Method {
	case "initialize":
		caps := serverCapabilities{Tools: &struct{}{}, Resources: &struct{}{}}
		return initializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      serverInfo{Name: s.name, Version: s.version},
			Capabilities:    caps,
		}, nil

	case "ping":
		return struct{}{}, nil

	case "tools/list":
		s.mu.RLock()
		defer s.mu.RUnlock()
		list := make([]ToolDefinition, len(s.tools))
		copy(list, s.tools)
		return toolsListResult{Tools: list}, nil

	case "tools/call":
		return s.callTool(ctx, msg.Params)

	case "resources/list":
		s.mu.RLock()
		defer s.mu.RUnlock()
		list := make([]ResourceDefinition, 0, len(s.resources))
		for _, r := range s.resources {
			list = append(list, r.def)
		}
		return resourcesListResult{Resources: list}, nil

	case "resources/read":
		return s.readResource(ctx, msg.Params)

	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method}
	}
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}

	s.mu.RLock()
	h, ok := s.handlers[params.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "unknown tool: " + params.Name}
	}

	text, err := h(ctx, params.Arguments)
	if err != nil {
		s.logger.Warn("tool failed", "tool", params.Name, "error", err)
		return callToolResult{
			Content: []ContentBlock{{Type: "text", Text: err.Error()}},
			IsError: true,
		}, nil
	}
	return callToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}, nil
}

func (s *Server) readResource(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}

	s.mu.RLock()
	var match *serverResource
	for i := range s.resources {
		r := &s.resources[i]
		if params.URI == r.def.URI || (r.def.URITemplate != "" && strings.HasPrefix(params.URI, r.prefix)) {
			match = r
			break
		}
	}
	s.mu.RUnlock()
	if match == nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "unknown resource: " + params.URI}
	}

	text, err := match.read(ctx, params.URI)
	if err != nil {
		return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	return readResourceResult{Contents: []resourceContents{{
		URI:      params.URI,
		MimeType: match.def.MimeType,
		Text:     text,
	}}}, nil
}
