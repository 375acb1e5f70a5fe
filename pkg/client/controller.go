package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	sse "github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/loop"
	"github.com/quarrylabs/quarry/pkg/store"
	"github.com/quarrylabs/quarry/pkg/tools"
)

// DataEngine executes dispatched tool calls against the local dataset.
// Transforms see the chosen step's rows as `source` and the full step history
// under the step keys.
type DataEngine interface {
	RunQuery(sql string) ([]map[string]any, error)
	RunTransform(code string, sourceRows []map[string]any, stepRows map[string][]map[string]any) ([]map[string]any, error)
}

// Events are the controller's callbacks. Nil callbacks are skipped. After
// Cancel no callback fires again, whatever the in-flight stream still
// delivers.
type Events struct {
	OnSession          func(sessionID string)
	OnThinking         func(text string)
	OnExtendedThinking func(text string)
	OnToolCall         func(name string, input map[string]any)
	OnAnswer           func(answer tools.Answer)
	OnError            func(message string)
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	BaseURL     string
	HTTPClient  *http.Client
	PointerPath string // empty disables the resumable pointer file
	Logger      zerolog.Logger
}

// Controller runs one analysis at a time against a remote analysis server:
// it opens the stream, executes each dispatched tool locally, posts the
// result back, and reopens the stream until a terminal event arrives.
type Controller struct {
	baseURL     string
	httpClient  *http.Client
	engine      DataEngine
	events      Events
	pointerPath string
	logger      zerolog.Logger

	cancelled atomic.Bool
	analysis  *Analysis
}

// NewController creates a controller over a data engine.
func NewController(options ControllerOptions, engine DataEngine, events Events) (*Controller, error) {
	if options.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("data engine is required")
	}
	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &Controller{
		baseURL:     strings.TrimRight(options.BaseURL, "/"),
		httpClient:  httpClient,
		engine:      engine,
		events:      events,
		pointerPath: options.PointerPath,
		logger:      options.Logger,
	}, nil
}

// Cancel stops the controller at the next boundary. The server session is
// simply abandoned; its idle sweep reclaims it.
func (c *Controller) Cancel() {
	c.cancelled.Store(true)
}

// Analysis returns the current analysis record, nil before Run.
func (c *Controller) Analysis() *Analysis {
	return c.analysis
}

// Run starts a new analysis and drives it to completion. It returns once a
// terminal event arrives, the context ends, or Cancel takes effect.
func (c *Controller) Run(ctx context.Context, query string, schema []store.Table, modelTier string, useThinking bool) error {
	c.cancelled.Store(false)
	c.analysis = newAnalysis(query)

	body := map[string]any{
		"query":       query,
		"schema":      schema,
		"modelTier":   modelTier,
		"useThinking": useThinking,
	}
	stream, err := c.openStream(ctx, "/api/analyze", body)
	if err != nil {
		return err
	}
	return c.driveStreams(ctx, stream)
}

// ResumePointer picks up a previously saved analysis, if the pointer file
// holds a fresh one. Returns false when there is nothing to resume.
func (c *Controller) ResumePointer(ctx context.Context) (bool, error) {
	if c.pointerPath == "" {
		return false, nil
	}
	ptr, ok, err := LoadPointer(c.pointerPath)
	if err != nil || !ok {
		return false, err
	}

	c.cancelled.Store(false)
	c.analysis = newAnalysis(ptr.Query)
	c.analysis.ID = ptr.AnalysisID
	c.analysis.SessionID = ptr.SessionID
	c.analysis.Steps = ptr.Steps

	stream, err := c.resumeStream(ctx, ptr.SessionID)
	if err != nil {
		return false, err
	}
	return true, c.driveStreams(ctx, stream)
}

// driveStreams consumes streams until one ends terminally. Each pause closes
// the current stream and opens a resume stream after the tool result posts.
func (c *Controller) driveStreams(ctx context.Context, stream io.ReadCloser) error {
	for {
		call, terminal, err := c.consumeStream(stream)
		stream.Close()
		if err != nil {
			return err
		}
		if terminal || c.cancelled.Load() {
			return nil
		}
		if call == nil {
			// Stream ended without a pause or a terminal event: the request
			// budget expired mid-call. Reopen and let the loop pick up.
			stream, err = c.resumeStream(ctx, c.analysis.SessionID)
			if err != nil {
				return err
			}
			continue
		}

		if err := c.executeAndReport(ctx, call); err != nil {
			return err
		}
		if c.cancelled.Load() {
			return nil
		}

		stream, err = c.resumeStream(ctx, c.analysis.SessionID)
		if err != nil {
			return err
		}
	}
}

// consumeStream reads one SSE stream to its end. It returns the pending tool
// call when the stream paused, or terminal=true when the analysis finished.
func (c *Controller) consumeStream(stream io.Reader) (*tools.ClientCall, bool, error) {
	reader := sse.NewEventStreamReader(stream, 1024*1024)

	for {
		frame, err := reader.ReadEvent()
		if err == io.EOF {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to read stream: %w", err)
		}
		if c.cancelled.Load() {
			return nil, true, nil
		}

		ev, err := decodeFrame(frame)
		if err != nil {
			return nil, false, err
		}
		if ev == nil {
			continue
		}

		switch ev.Type {
		case loop.EventSession:
			c.analysis.SessionID = ev.SessionID
			c.savePointer()
			c.emitSession(ev.SessionID)

		case loop.EventThinking:
			if c.events.OnThinking != nil {
				c.events.OnThinking(ev.Text)
			}

		case loop.EventExtendedThinking:
			if c.events.OnExtendedThinking != nil {
				c.events.OnExtendedThinking(ev.Text)
			}

		case loop.EventToolCall:
			return &tools.ClientCall{ToolID: ev.ID, Name: ev.Name, Input: ev.Input}, false, nil

		case loop.EventAnswer:
			if ev.Result != nil {
				c.analysis.Answer = ev.Result
				if c.events.OnAnswer != nil {
					c.events.OnAnswer(*ev.Result)
				}
			}
			c.clearPointer()

		case loop.EventError:
			if c.events.OnError != nil {
				c.events.OnError(ev.Message)
			}
			c.clearPointer()

		case loop.EventDone:
			return nil, true, nil
		}
	}
}

// executeAndReport runs one dispatched tool against the engine and posts the
// result back. Execution failures go back as tool errors, not local ones;
// the model decides what to do with them.
func (c *Controller) executeAndReport(ctx context.Context, call *tools.ClientCall) error {
	if c.events.OnToolCall != nil {
		c.events.OnToolCall(call.Name, call.Input)
	}

	stepKey := store.StepKey(len(c.analysis.Steps))
	rows, execErr := c.executeCall(call)

	var errMsg string
	if execErr != nil {
		errMsg = execErr.Error()
		c.logger.Warn().Err(execErr).Str("tool", call.Name).Msg("Tool execution failed")
	}
	c.analysis.recordStep(call.Name, call.Input, stepKey, rows, errMsg)
	c.savePointer()

	if c.cancelled.Load() {
		return nil
	}

	result := loop.ToolResult{
		SessionID: c.analysis.SessionID,
		ToolID:    call.ToolID,
		Rows:      rows,
		Error:     errMsg,
	}
	return c.postToolResult(ctx, result)
}

func (c *Controller) executeCall(call *tools.ClientCall) ([]map[string]any, error) {
	if call.Name == tools.ToolTransformData {
		code, _ := call.Input["code"].(string)
		sourceStep, _ := call.Input["source_step"].(string)
		source, ok := c.analysis.stepRows(sourceStep)
		if !ok {
			return nil, fmt.Errorf("unknown source step %q", sourceStep)
		}
		return c.engine.RunTransform(code, source, c.analysis.allStepRows())
	}

	sql, _ := call.Input["sql"].(string)
	if sql == "" {
		return nil, fmt.Errorf("tool %q carried no sql", call.Name)
	}
	return c.engine.RunQuery(sql)
}

func (c *Controller) openStream(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeHTTPError(resp)
	}
	return resp.Body, nil
}

func (c *Controller) resumeStream(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	return c.openStream(ctx, "/api/analyze/resume", map[string]any{"sessionId": sessionID})
}

func (c *Controller) postToolResult(ctx context.Context, result loop.ToolResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode tool result: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/analyze/tool-result", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tool result post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeHTTPError(resp)
	}
	return nil
}

func (c *Controller) emitSession(sessionID string) {
	c.logger.Debug().Str("session_id", sessionID).Msg("Analysis session opened")
	if c.events.OnSession != nil {
		c.events.OnSession(sessionID)
	}
}

func (c *Controller) savePointer() {
	if c.pointerPath == "" || c.analysis == nil || c.analysis.SessionID == "" {
		return
	}
	err := SavePointer(c.pointerPath, Pointer{
		SessionID:  c.analysis.SessionID,
		AnalysisID: c.analysis.ID,
		Query:      c.analysis.Query,
		Steps:      c.analysis.Steps,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to save resume pointer")
	}
}

func (c *Controller) clearPointer() {
	if c.pointerPath == "" {
		return
	}
	if err := ClearPointer(c.pointerPath); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to clear resume pointer")
	}
}

// decodeFrame parses one raw SSE frame into a loop event. Comment-only
// frames decode to nil.
func decodeFrame(frame []byte) (*loop.Event, error) {
	var data []byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = bytes.TrimSpace(rest)
		}
	}
	if len(data) == 0 {
		return nil, nil
	}

	var ev loop.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode stream event: %w", err)
	}
	return &ev, nil
}

func decodeHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("server rejected request: %s", payload.Error)
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}
