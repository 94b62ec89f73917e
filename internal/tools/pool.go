package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/apperr"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/config"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/logs"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/metrics"
)

// Pool owns one Client per configured tool provider. A provider that
// fails to connect leaves the pool degraded, not broken: calls to it fail
// fast while the other providers keep serving.
type Pool struct {
	logger  *zap.Logger
	clients map[string]*Client
}

// NewPool builds clients for every configured provider; it does not
// connect them. Each child's stderr is routed to its own log file.
func NewPool(cfgs map[string]*config.ToolConfig, logCfg *config.LogConfig, m *metrics.Set, logger *zap.Logger) *Pool {
	p := &Pool{
		logger:  logger.Named("pool"),
		clients: make(map[string]*Client, len(cfgs)),
	}
	for name, tc := range cfgs {
		var toolLog *zap.Logger
		if logCfg != nil {
			var err error
			toolLog, err = logs.NewToolLogger(logCfg, name)
			if err != nil {
				logger.Warn("per-tool log unavailable, stderr will be dropped",
					zap.String("tool", name), zap.Error(err))
			}
		}
		p.clients[name] = NewClient(name, tc, m, logger, toolLog)
	}
	return p
}

// Connect starts every provider concurrently and waits for all attempts
// to settle. It returns nil even when some providers fail; per-provider
// status is exposed via Status.
func (p *Pool) Connect(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, c := range p.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				p.logger.Warn("tool provider unavailable at startup",
					zap.String("tool", c.Name()), zap.Error(err))
			}
		}(c)
	}
	wg.Wait()
	return nil
}

// Call routes one request to the named provider.
func (p *Pool) Call(ctx context.Context, tool, method string, params map[string]any) (json.RawMessage, error) {
	c, ok := p.clients[tool]
	if !ok {
		return nil, apperr.Newf(apperr.CodeToolUnavailable, "unknown tool %q", tool)
	}
	return c.Call(ctx, method, params)
}

// Has reports whether the pool was configured with the named provider.
func (p *Pool) Has(tool string) bool {
	_, ok := p.clients[tool]
	return ok
}

// Connected returns the names of providers currently able to serve,
// sorted for stable output.
func (p *Pool) Connected() []string {
	out := make([]string, 0, len(p.clients))
	for name, c := range p.clients {
		if c.IsConnected() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Status returns per-provider connection status keyed by name.
func (p *Pool) Status() map[string]StatusInfo {
	out := make(map[string]StatusInfo, len(p.clients))
	for name, c := range p.clients {
		out[name] = c.Status()
	}
	return out
}

// Capabilities returns the sorted union of every connected provider's
// advertised methods.
func (p *Pool) Capabilities() []string {
	seen := map[string]struct{}{}
	for _, c := range p.clients {
		if !c.IsConnected() {
			continue
		}
		for _, m := range c.Capabilities() {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Close shuts every provider down gracefully, in parallel.
func (p *Pool) Close() {
	var wg sync.WaitGroup
	for _, c := range p.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}
