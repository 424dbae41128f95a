package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ===== infra helpers =====

type MiddlewareFunc func(http.Handler) http.Handler

func chainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

func loggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug().Str("component", prefix).Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
			next.ServeHTTP(w, r)
		})
	}
}

func recoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error().Str("component", prefix).Any("panic", err).Msg("handler panic")
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ===== JSON-RPC framing =====

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

func rpcError(id any, code int, msg string) jsonrpcResponse {
	return jsonrpcResponse{JSONRPC: "2.0", ID: id, Error: &jsonrpcError{Code: code, Message: msg}}
}

func rpcOK(id any, result any) jsonrpcResponse {
	return jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// ===== downstream dispatch (shared by the SSE facade and the stdio loop) =====

// dispatchRPC serves one downstream MCP request against the proxy core.
func (p *Proxy) dispatchRPC(ctx context.Context, req *jsonrpcRequest) jsonrpcResponse {
	switch req.Method {
	case methodInitialize:
		return rpcOK(req.ID, p.initializeResult())

	case methodPing:
		return rpcOK(req.ID, map[string]any{})

	case methodToolsList:
		cursor := cursorParam(req.Params)
		return rpcOK(req.ID, map[string]any{"tools": p.ListTools(ctx, cursor)})

	case methodPromptsList:
		cursor := cursorParam(req.Params)
		return rpcOK(req.ID, map[string]any{"prompts": p.ListPrompts(ctx, cursor)})

	case methodResourcesList:
		cursor := cursorParam(req.Params)
		return rpcOK(req.ID, map[string]any{"resources": p.ListResources(ctx, cursor)})

	case methodResourceTemplatesList:
		cursor := cursorParam(req.Params)
		return rpcOK(req.ID, map[string]any{"resourceTemplates": p.ListResourceTemplates(ctx, cursor)})

	case methodToolsCall:
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments,omitempty"`
		}
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &params)
		}
		if params.Name == "" {
			return rpcError(req.ID, -32602, "Missing tool name")
		}
		var args any
		if len(params.Arguments) > 0 {
			_ = json.Unmarshal(params.Arguments, &args)
		}
		result, err := p.CallTool(ctx, params.Name, args)
		if err != nil {
			return upstreamError(req.ID, err)
		}
		return rpcOK(req.ID, result)

	case methodPromptsGet:
		var params struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &params)
		}
		if params.Name == "" {
			return rpcError(req.ID, -32602, "Missing prompt name")
		}
		result, err := p.GetPrompt(ctx, params.Name, params.Arguments)
		if err != nil {
			return upstreamError(req.ID, err)
		}
		return rpcOK(req.ID, result)

	case methodResourcesRead:
		var params struct {
			URI string `json:"uri"`
		}
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &params)
		}
		if params.URI == "" {
			return rpcError(req.ID, -32602, "Missing resource uri")
		}
		result, err := p.ReadResource(ctx, params.URI)
		if err != nil {
			return upstreamError(req.ID, err)
		}
		return rpcOK(req.ID, result)

	default:
		return rpcError(req.ID, -32601, "Method not found")
	}
}

// upstreamError maps a proxy-core failure onto the wire, preserving the
// upstream's original message.
func upstreamError(id any, err error) jsonrpcResponse {
	if isNotAvailable(err) {
		return rpcError(id, -32601, err.Error())
	}
	return rpcError(id, -32000, err.Error())
}

func cursorParam(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var p struct {
		Cursor string `json:"cursor"`
	}
	_ = json.Unmarshal(params, &p)
	return p.Cursor
}

// initializeResult advertises the aggregate surface. Capabilities are static:
// the union endpoint always speaks tools, prompts, and subscribable
// resources, whatever individual upstreams happen to support right now.
func (p *Proxy) initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo": map[string]any{
			"name":    p.config.Proxy.Name,
			"version": p.config.Proxy.Version,
		},
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"prompts":   map[string]any{},
			"resources": map[string]any{"subscribe": true},
		},
	}
}

// ===== SSE facade =====

func handleSSE(w http.ResponseWriter, r *http.Request, endpoint string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// initial tick to open proxies
	_, _ = io.WriteString(w, ":\n\n")
	flusher.Flush()

	if endpoint != "" {
		fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
		flusher.Flush()
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ":\n\n")
			flusher.Flush()
		}
	}
}

// newDownstreamHandler mounts the MCP facade: GET opens the SSE channel,
// POST carries JSON-RPC.
func (p *Proxy) newDownstreamHandler(baseURL *url.URL) http.Handler {
	mcpPath := path.Join(baseURL.Path, "mcp")
	if !strings.HasPrefix(mcpPath, "/") {
		mcpPath = "/" + mcpPath
	}

	mux := http.NewServeMux()
	mux.HandleFunc(mcpPath, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("mcp-session-id", uuid.New().String())
			w.WriteHeader(http.StatusOK)

		case http.MethodGet:
			publicEndpoint := baseURL.ResolveReference(&url.URL{Path: mcpPath})
			sessionID := uuid.New().String()
			messageEndpoint := fmt.Sprintf("%s?sessionId=%s", publicEndpoint.String(), sessionID)
			w.Header().Set("mcp-session-id", sessionID)
			logger.Debug().Str("session", sessionID).Msg("sse session opened")
			handleSSE(w, r, messageEndpoint)

		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			_ = r.Body.Close()
			if len(body) == 0 {
				body = []byte(`{}`)
			}
			if body[0] == '[' {
				var batch []jsonrpcRequest
				if err := json.Unmarshal(body, &batch); err != nil {
					http.Error(w, "Bad Request", http.StatusBadRequest)
					return
				}
				out := make([]jsonrpcResponse, 0, len(batch))
				for _, req := range batch {
					out = append(out, rpcError(req.ID, -32601, "Batch not supported"))
				}
				writeJSON(w, out)
				return
			}

			var req jsonrpcRequest
			if err := json.Unmarshal(body, &req); err != nil {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}
			if req.ID == nil {
				// notification: acknowledged, never answered
				w.WriteHeader(http.StatusNoContent)
				return
			}
			writeJSON(w, p.dispatchRPC(r.Context(), &req))

		case http.MethodOptions:
			w.Header().Set("Allow", "GET, HEAD, POST, OPTIONS")
			w.WriteHeader(http.StatusNoContent)

		default:
			w.Header().Set("Allow", "GET, HEAD, POST, OPTIONS")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
	return chainMiddleware(mux, recoverMiddleware("facade"), loggerMiddleware("facade"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// startHTTPServer serves the downstream facade and the observability API on
// one listener until ctx is cancelled.
func (p *Proxy) startHTTPServer(ctx context.Context) error {
	baseURL, err := url.Parse(p.config.Proxy.BaseURL)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", p.newDownstreamHandler(baseURL))
	mux.Handle("/api/", p.newAPIRouter())
	mux.Handle("/metrics", p.metricsHandler())

	httpServer := &http.Server{Addr: p.config.Proxy.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", p.config.Proxy.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
