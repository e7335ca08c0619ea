package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCP transport names accepted by [Registry.RegisterMCPServer].
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
)

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string

	// Transport is either "stdio" or "streamable-http".
	Transport string

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored otherwise.
	Command string

	// URL is the endpoint address used when Transport is "streamable-http".
	// Ignored for stdio transport.
	URL string

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string
}

// RegisterMCPServer connects to an external MCP server, discovers its tools,
// and registers each one as a handler that proxies the call to the server.
// The connection is held open until [Registry.Close].
func (r *Registry) RegisterMCPServer(ctx context.Context, cfg MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: mcp server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("tools: stdio mcp server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http mcp server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("tools: unknown mcp transport %q for server %q", cfg.Transport, cfg.Name)
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "sonicbridge", Version: "1.0.0"},
		nil,
	)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect mcp server %q: %w", cfg.Name, err)
	}

	var count int
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools for mcp server %q: %w", cfg.Name, err)
		}
		r.Register(tool.Name, mcpHandler(session, tool.Name))
		count++
	}

	r.mu.Lock()
	r.mcpSessions = append(r.mcpSessions, session)
	r.mu.Unlock()

	return nil
}

// mcpHandler adapts one remote tool to the [Handler] signature.
func mcpHandler(session *mcpsdk.ClientSession, name string) Handler {
	return func(ctx context.Context, args string) (string, error) {
		var argsMap map[string]any
		if args != "" && args != "{}" {
			if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
				return "", fmt.Errorf("tools: invalid args JSON for %q: %w", name, err)
			}
		}

		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      name,
			Arguments: argsMap,
		})
		if err != nil {
			return "", fmt.Errorf("tools: call %q: %w", name, err)
		}

		var sb strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if res.IsError {
			return "", fmt.Errorf("tools: %q returned error: %s", name, sb.String())
		}
		return sb.String(), nil
	}
}

// Close shuts down all MCP server connections held by the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.mcpSessions
	r.mcpSessions = nil
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// splitCommand separates a command line into executable and arguments on
// spaces. Quoting is not supported; paths with spaces need a wrapper script.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
