package loop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/internal/metrics"
	"github.com/quarrylabs/quarry/pkg/reason"
	"github.com/quarrylabs/quarry/pkg/store"
	"github.com/quarrylabs/quarry/pkg/tools"
)

// DefaultMaxIterations bounds reasoning-service calls per session across all
// loop invocations.
const DefaultMaxIterations = 15

// Terminal outcome labels used for metrics.
const (
	outcomeAnswered  = "answered"
	outcomeErrored   = "errored"
	outcomeExhausted = "exhausted"
)

// Orchestrator owns the conversation for every session. It is safe for
// concurrent use across sessions; within one session the protocol's
// single-flight discipline guarantees at most one in-progress invocation.
type Orchestrator struct {
	store    store.Store
	registry *reason.Registry
	logger   zerolog.Logger

	maxIterations int
	inFlight      sync.Map // session id -> struct{}
}

// Config holds orchestrator dependencies. Store and Registry are required;
// the reasoning client is always injected, never a package-level singleton.
type Config struct {
	Store         store.Store
	Registry      *reason.Registry
	Logger        zerolog.Logger
	MaxIterations int
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Orchestrator{
		store:         cfg.Store,
		registry:      cfg.Registry,
		logger:        cfg.Logger,
		maxIterations: cfg.MaxIterations,
	}, nil
}

// StartParams describes a new analysis request.
type StartParams struct {
	Query       string
	Schema      []store.Table
	ModelTier   string
	UseThinking bool
}

// Start creates a session, announces its id as the first stream event, and
// drives the loop until it pauses or terminates.
func (o *Orchestrator) Start(ctx context.Context, p StartParams, sink Sink) error {
	sess := &store.Session{
		ID:          uuid.NewString(),
		ModelTier:   p.ModelTier,
		Query:       p.Query,
		Schema:      p.Schema,
		UseThinking: p.UseThinking,
		Messages: []reason.Message{
			{Role: reason.RoleUser, Blocks: []reason.Block{reason.TextBlock(p.Query)}},
		},
	}

	if _, err := o.store.Create(sess); err != nil {
		o.sendAll(sink, ErrorEvent("failed to create session"), DoneEvent())
		return fmt.Errorf("failed to create session: %w", err)
	}

	if err := sink.Send(SessionEvent(sess.ID)); err != nil {
		// Client went away before the first byte; the sweep reclaims the
		// orphaned record.
		return err
	}

	return o.drive(ctx, sess.ID, sink)
}

// Resume continues the loop for an existing session on a fresh stream.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, sink Sink) error {
	return o.drive(ctx, sessionID, sink)
}

// drive is one loop invocation: it runs until the session pauses on a tool
// call, terminates, or the iteration ceiling is hit. Terminal outcomes
// always delete the session.
func (o *Orchestrator) drive(ctx context.Context, sessionID string, sink Sink) (err error) {
	logger := o.logger.With().Str("session_id", sessionID).Logger()

	// One invocation at a time per session. A stray concurrent resume gets a
	// terminal error on its own stream without touching the live one.
	if _, loaded := o.inFlight.LoadOrStore(sessionID, struct{}{}); loaded {
		o.sendAll(sink, ErrorEvent("analysis already in progress for this session"), DoneEvent())
		return nil
	}
	defer o.inFlight.Delete(sessionID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Loop panicked")
			o.terminate(sessionID, sink, fmt.Sprintf("internal error: %v", r))
			err = fmt.Errorf("loop panic: %v", r)
		}
	}()

	sess, ok := o.store.Get(sessionID)
	if !ok {
		o.sendAll(sink, ErrorEvent("session not found or expired"), DoneEvent())
		return nil
	}
	if sess.AwaitingToolResult {
		// Resuming before the tool result arrives would replay a transcript
		// that ends mid-tool-call. The session stays paused and resumable.
		o.sendAll(sink, ErrorEvent("session is waiting for a tool result"), DoneEvent())
		return nil
	}

	provider, params, err := o.registry.Resolve(sess.ModelTier, sess.UseThinking)
	if err != nil {
		o.terminate(sessionID, sink, err.Error())
		return nil
	}

	system := buildSystemPrompt(sess.Schema)
	catalogue := tools.Catalogue()

	for sess.Iteration < o.maxIterations {
		sess, err = o.store.Update(sessionID, func(s *store.Session) {
			s.Iteration++
		})
		if err != nil {
			o.sendAll(sink, ErrorEvent("session not found or expired"), DoneEvent())
			return nil
		}
		metrics.RecordLoopIteration(sess.ModelTier)

		start := time.Now()
		resp, err := provider.Complete(ctx, reason.Request{
			Model:          params.Model,
			System:         system,
			Messages:       sess.Messages,
			Tools:          catalogue,
			MaxTokens:      params.MaxTokens,
			ThinkingBudget: params.ThinkingBudget,
		})
		metrics.RecordReasonCall(provider.Name(), time.Since(start))
		if err != nil {
			logger.Error().Err(err).Int("iteration", sess.Iteration).Msg("Reasoning call failed")
			o.terminate(sessionID, sink, fmt.Sprintf("analysis failed: %v", err))
			return nil
		}

		done, err := o.processBlocks(sessionID, sess, resp, sink, logger)
		if done || err != nil {
			return err
		}

		// No terminal outcome and no pause (e.g. a truncated turn with no
		// tool call): keep the partial turn in the transcript and call the
		// service again.
		sess, err = o.store.Update(sessionID, func(s *store.Session) {
			s.Messages = append(s.Messages, reason.Message{Role: reason.RoleAssistant, Blocks: resp.Blocks})
		})
		if err != nil {
			o.sendAll(sink, ErrorEvent("session not found or expired"), DoneEvent())
			return nil
		}
	}

	logger.Warn().Int("iterations", sess.Iteration).Msg("Iteration ceiling reached")
	metrics.RecordLoopOutcome(outcomeExhausted)
	o.deleteAndEmit(sessionID, sink, ErrorEvent("Maximum analysis iterations reached"))
	return nil
}

// processBlocks walks the response content in order. Returns done=true when
// this invocation's work is finished, whether by pausing or terminating.
func (o *Orchestrator) processBlocks(sessionID string, sess *store.Session, resp *reason.Response, sink Sink, logger zerolog.Logger) (bool, error) {
	sawToolUse := false

	for _, block := range resp.Blocks {
		switch block.Type {
		case reason.BlockThinking:
			if err := sink.Send(ExtendedThinkingEvent(block.Text)); err != nil {
				return true, err
			}

		case reason.BlockText:
			if err := sink.Send(ThinkingEvent(block.Text)); err != nil {
				return true, err
			}

		case reason.BlockToolUse:
			sawToolUse = true

			if err := tools.ValidateInput(block.Name, block.Input); err != nil {
				logger.Warn().Err(err).Str("tool", block.Name).Msg("Rejected tool input")
				metrics.RecordLoopOutcome(outcomeErrored)
				o.deleteAndEmit(sessionID, sink, ErrorEvent(err.Error()))
				return true, nil
			}

			if tools.IsTerminal(block.Name) {
				answer := tools.BuildAnswer(block.Input, sess.LastStepRows())
				logger.Info().Int("iterations", sess.Iteration).Msg("Analysis answered")
				metrics.RecordLoopOutcome(outcomeAnswered)
				o.deleteAndEmit(sessionID, sink, AnswerEvent(answer))
				return true, nil
			}

			call, err := tools.PrepareClientCall(block.ID, block.Name, block.Input, sess.Schema)
			if err != nil {
				logger.Warn().Err(err).Str("tool", block.Name).Msg("Tool dispatch rejected")
				metrics.RecordLoopOutcome(outcomeErrored)
				o.deleteAndEmit(sessionID, sink, ErrorEvent(err.Error()))
				return true, nil
			}

			// Persist the paused state before the tool_call event reaches the
			// wire: a fast client may execute and post back before this
			// function returns, and the intake's precondition check must see
			// the pending fields.
			assistant := reason.Message{Role: reason.RoleAssistant, Blocks: resp.Blocks}
			if _, err := o.store.Update(sessionID, func(s *store.Session) {
				s.Messages = append(s.Messages, assistant)
				s.PendingToolID = call.ToolID
				s.AwaitingToolResult = true
			}); err != nil {
				o.sendAll(sink, ErrorEvent("failed to persist session"), DoneEvent())
				return true, nil
			}

			metrics.RecordToolDispatch(call.Name)
			logger.Debug().Str("tool", call.Name).Str("tool_id", call.ToolID).Msg("Paused for client tool execution")
			return true, sink.Send(ToolCallEvent(call))
		}
	}

	if !sawToolUse && resp.StopReason != reason.StopMaxTokens {
		// Normal completion with no tool invocation: trailing text becomes
		// the answer with a default presentation.
		answer := tools.DefaultAnswer(textOf(resp.Blocks), sess.LastStepRows())
		metrics.RecordLoopOutcome(outcomeAnswered)
		o.deleteAndEmit(sessionID, sink, AnswerEvent(answer))
		return true, nil
	}

	return false, nil
}

// terminate emits a terminal error and deletes the session.
func (o *Orchestrator) terminate(sessionID string, sink Sink, message string) {
	metrics.RecordLoopOutcome(outcomeErrored)
	o.deleteAndEmit(sessionID, sink, ErrorEvent(message))
}

// deleteAndEmit deletes the session, then emits the terminal event followed
// by done. Once a session reaches a terminal outcome it must never remain
// queryable.
func (o *Orchestrator) deleteAndEmit(sessionID string, sink Sink, terminal Event) {
	o.store.Delete(sessionID)
	o.sendAll(sink, terminal, DoneEvent())
}

func (o *Orchestrator) sendAll(sink Sink, events ...Event) {
	for _, ev := range events {
		if err := sink.Send(ev); err != nil {
			return
		}
	}
}

func textOf(blocks []reason.Block) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == reason.BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
