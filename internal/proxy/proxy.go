// Package proxy runs the transparent stdio proxy between an MCP client and
// a child MCP server.
//
// The proxy owns four workers: upstream (our stdin to child stdin),
// downstream (child stdout to our stdout), a stderr tap, and a shutdown
// coordinator. Lines flow one at a time per direction; protocol control
// messages and unparseable lines pass through raw, payload messages are
// rewritten by the pipeline. Any per-line failure falls open to forwarding
// the original line so the JSON-RPC stream never wedges.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"mcp-conceal/internal/config"
	"mcp-conceal/internal/detect"
	"mcp-conceal/internal/faker"
	"mcp-conceal/internal/logger"
	"mcp-conceal/internal/mapping"
	"mcp-conceal/internal/metrics"
	"mcp-conceal/internal/ollama"
	"mcp-conceal/internal/pipeline"
)

// Options describes the child process to spawn.
type Options struct {
	Command string
	Args    []string
	Env     []string // KEY=VALUE overlay on top of the parent environment
	Dir     string
}

// Proxy wires the detection stack to a spawned child over stdio.
type Proxy struct {
	cfg  *config.Config
	opts Options

	detector *detect.Engine
	llm      *ollama.Client
	fake     *faker.Engine
	met      *metrics.Metrics
	log      *logger.Logger

	// test seams; default to the real process stdio
	stdin  io.Reader
	stdout io.Writer
}

// New builds a Proxy from validated configuration. template is the resolved
// LLM prompt template.
func New(cfg *config.Config, opts Options, template string, log *logger.Logger) (*Proxy, error) {
	detector, err := detect.NewEngine(cfg.Detection.Patterns, cfg.Detection.ConfidenceThreshold)
	if err != nil {
		return nil, fmt.Errorf("building detector: %w", err)
	}
	llm := ollama.NewClient(ollama.Config{
		Endpoint:       cfg.LLM.Endpoint,
		Model:          cfg.LLM.Model,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		Enabled:        cfg.LLM.Enabled,
	}, template, log)

	return &Proxy{
		cfg:      cfg,
		opts:     opts,
		detector: detector,
		llm:      llm,
		fake:     faker.New(cfg.Faker.Locale, cfg.Faker.Seed, cfg.Faker.Consistency),
		met:      metrics.New(),
		log:      log,
		stdin:    os.Stdin,
		stdout:   os.Stdout,
	}, nil
}

// Run spawns the child and proxies both directions until either primary
// stream ends. The child is killed when the context is cancelled or Run
// returns.
func (p *Proxy) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.opts.Command, p.opts.Args...)
	cmd.Env = append(os.Environ(), p.opts.Env...)
	cmd.Dir = p.opts.Dir

	childStdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("child stdin: %w", err)
	}
	childStdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("child stdout: %w", err)
	}
	childStderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("child stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning %s: %w", p.opts.Command, err)
	}
	p.log.Infof("proxy_start", "spawned %s (pid %d)", p.opts.Command, cmd.Process.Pid)

	// Any worker can request shutdown; the buffer lets all four signal
	// without blocking.
	shutdown := make(chan struct{}, 4)
	signalShutdown := func() {
		select {
		case shutdown <- struct{}{}:
		default:
		}
	}

	// Clone the worker fakers here, sequentially: Clone draws from the
	// parent engine's RNG, which is not safe for concurrent use.
	upFake := p.fake.Clone()
	downFake := p.fake.Clone()

	go p.runDirection(ctx, "upstream", p.stdin, childStdin, upFake, signalShutdown)
	go p.runDirection(ctx, "downstream", childStdout, p.stdout, downFake, signalShutdown)
	go p.tapStderr(childStderr)

	select {
	case <-shutdown:
		p.log.Infof("proxy_shutdown", "worker signalled shutdown")
	case <-ctx.Done():
		p.log.Infof("proxy_shutdown", "context cancelled")
	}

	// Grace period so the other direction can drain in-flight responses
	// before the child is killed. Readers stuck on stdin are abandoned,
	// the process is exiting anyway.
	time.Sleep(100 * time.Millisecond)
	cancel()

	p.reportFinalStats()
	cmd.Wait() //nolint:errcheck // child was killed via context cancel
	return nil
}

// runDirection owns one direction of the duplex stream. Each direction
// gets its own store handle and faker clone.
func (p *Proxy) runDirection(ctx context.Context, name string, r io.Reader, w io.Writer, fake *faker.Engine, signalShutdown func()) {
	defer signalShutdown()
	if wc, ok := w.(io.WriteCloser); ok && name == "upstream" {
		// Closing child stdin on our EOF lets the child exit cleanly.
		defer wc.Close() //nolint:errcheck
	}

	store, err := mapping.Open(p.cfg.Mapping.DatabasePath, p.cfg.Mapping.RetentionDays, p.log)
	if err != nil {
		p.log.Errorf(name, "opening store: %v", err)
		return
	}
	defer store.Close() //nolint:errcheck

	pl := pipeline.New(p.cfg.Detection, p.detector, p.llm, store, fake, p.log).WithMetrics(p.met)

	reader := bufio.NewReader(r)
	writer := bufio.NewWriter(w)
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := reader.ReadString('\n')
		if line != "" {
			out := p.processLine(ctx, pl, line)
			if _, werr := writer.WriteString(out); werr != nil {
				p.log.Errorf(name, "write: %v", werr)
				return
			}
			if werr := writer.Flush(); werr != nil {
				p.log.Errorf(name, "flush: %v", werr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				p.log.Errorf(name, "read: %v", err)
			} else {
				p.log.Infof(name, "stream closed")
			}
			return
		}
	}
}

// processLine applies the per-line contract: unparseable and protocol
// lines pass through raw, payload lines go through the pipeline. The
// result always ends in exactly one newline.
func (p *Proxy) processLine(ctx context.Context, pl *pipeline.Pipeline, line string) string {
	p.met.LinesTotal.Add(1)
	raw := strings.TrimRight(line, "\n") + "\n"

	var parsed any
	if err := json.Unmarshal([]byte(strings.TrimRight(line, "\n")), &parsed); err != nil {
		p.met.LinesPassthrough.Add(1)
		return raw
	}

	if isProtocolMessage(parsed) {
		p.met.LinesPassthrough.Add(1)
		return raw
	}

	rewritten, changed, err := pl.WalkJSON(ctx, parsed)
	if err != nil {
		p.met.PipelineErrors.Add(1)
		p.log.Warnf("pipeline", "rewrite failed, forwarding original: %v", err)
		return raw
	}
	if !changed {
		p.met.LinesPassthrough.Add(1)
		return raw
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rewritten); err != nil {
		p.met.PipelineErrors.Add(1)
		p.log.Warnf("pipeline", "re-serialize failed, forwarding original: %v", err)
		return raw
	}
	p.met.LinesRewritten.Add(1)
	return buf.String() // Encode appends the newline
}

// tapStderr forwards child stderr lines to the log. EOF here does not end
// the proxy; the primary streams decide that.
func (p *Proxy) tapStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.log.Warnf("child_stderr", "%s", scanner.Text())
	}
}

// reportFinalStats logs counters and store totals at shutdown, using a
// fresh store handle because the worker handles are already closing.
func (p *Proxy) reportFinalStats() {
	s := p.met.Snapshot()
	p.log.Infof("proxy_stats", "lines=%d passthrough=%d rewritten=%d entities=%d errors=%d llm_calls=%d llm_errors=%d uptime=%s",
		s.LinesTotal, s.LinesPassthrough, s.LinesRewritten, s.EntitiesReplaced, s.PipelineErrors, s.LLMCalls, s.LLMErrors, s.Uptime.Round(time.Millisecond))

	// A :memory: store dies with its worker handle; reopening by path would
	// only ever show an empty database.
	if p.cfg.Mapping.DatabasePath == ":memory:" {
		return
	}

	store, err := mapping.Open(p.cfg.Mapping.DatabasePath, p.cfg.Mapping.RetentionDays, nil)
	if err != nil {
		p.log.Warnf("proxy_stats", "store stats unavailable: %v", err)
		return
	}
	defer store.Close() //nolint:errcheck

	st, err := store.Stats()
	if err != nil {
		p.log.Warnf("proxy_stats", "store stats failed: %v", err)
		return
	}
	p.log.Infof("proxy_stats", "mappings=%d cache_entries=%d by_type=%v",
		st.TotalMappings, st.TotalCacheEntries, st.ByType)
}
