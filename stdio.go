package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
)

const maxStdioLine = 4 * 1024 * 1024

// serveStdio runs the downstream surface over newline-delimited JSON-RPC.
// Requests dispatch concurrently; writes to the output stream are serialized.
func (p *Proxy) serveStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	var writeMu sync.Mutex
	encoder := json.NewEncoder(out)
	respond := func(resp jsonrpcResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := encoder.Encode(resp); err != nil {
			logger.Error().Err(err).Msg("stdio write failed")
		}
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStdioLine)

	var wg sync.WaitGroup
	defer wg.Wait()
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req jsonrpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			respond(rpcError(nil, -32700, "Parse error"))
			continue
		}
		if req.ID == nil {
			// notification
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		wg.Add(1)
		go func(req jsonrpcRequest) {
			defer wg.Done()
			respond(p.dispatchRPC(ctx, &req))
		}(req)
	}
	return scanner.Err()
}
