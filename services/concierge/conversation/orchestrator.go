// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation drives one visitor message to a reply.
//
// # Description
//
// The Orchestrator composes the rate limiter, session store, retrieval
// gateway, security filter and model client. Each turn walks an explicit
// state machine with a bounded tool-call loop, so termination does not
// depend on the model's behavior.
//
// # Thread Safety
//
// Orchestrator is safe for concurrent use. Turns on the same session
// serialize only at the store's Append.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/knowledge"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/llm"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/ratelimit"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/retrieval"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/security"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/sessions"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("concierge.conversation")

// Marker headers in the system prompt. The security filter treats them as
// leak indicators in replies.
const (
	resumeDataHeader = "[RESUME DATA]"
	summaryHeader    = "[CONVERSATION SUMMARY]"

	anonymousClient   = "anonymous"
	maxToolOutputRune = 4000
)

// =============================================================================
// Collaborators
// =============================================================================

// Limiter admits or denies a client.
type Limiter interface {
	Admit(key string) ratelimit.Decision
}

// Retriever resolves context for a message. It never fails.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) retrieval.Result
}

// Knowledge provides the current resume snapshot.
type Knowledge interface {
	Current() *knowledge.Snapshot
}

// Screener is the input/output filter.
type Screener interface {
	PreCheck(text string) security.Assessment
	PostCheck(reply string) (string, bool)
}

// Observer receives turn-level events. Implemented by the metrics layer.
type Observer interface {
	ObserveTurn(outcome string, elapsed time.Duration)
	ObserveToolCall(tool, status string)
	ObserveSecurityFlag(stage, category string)
}

// Deps are the Orchestrator's collaborators. Observer and Tools are
// optional; a nil Tools uses BuiltinTools.
type Deps struct {
	Limiter   Limiter
	Sessions  sessions.Store
	Retrieval Retriever
	Client    llm.Client
	Security  Screener
	Knowledge Knowledge
	Tools     *Registry
	Observer  Observer
}

// Config holds the turn guardrails.
type Config struct {
	// MaxMessageChars rejects longer messages. Default: 2000
	MaxMessageChars int

	// MaxSessionIDLength rejects longer session ids. Default: 128
	MaxSessionIDLength int

	// MaxIterations bounds tool rounds per turn. Default: 5
	MaxIterations int

	// CallTimeout bounds one provider round-trip. Default: 30s
	CallTimeout time.Duration

	// TurnTimeout bounds the whole turn. Default: 60s
	TurnTimeout time.Duration

	// ToolTimeout bounds one tool handler. Default: 5s
	ToolTimeout time.Duration

	// TopK is passed to retrieval. Default: 3
	TopK int

	// MaxTokens caps the model output. 0 uses the client default.
	MaxTokens int

	// ContactLine overrides the contact sentence derived from the resume.
	ContactLine string
}

// DefaultConfig returns the stock guardrails.
func DefaultConfig() Config {
	return Config{
		MaxMessageChars:    2000,
		MaxSessionIDLength: 128,
		MaxIterations:      5,
		CallTimeout:        30 * time.Second,
		TurnTimeout:        60 * time.Second,
		ToolTimeout:        5 * time.Second,
		TopK:               3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = d.MaxMessageChars
	}
	if c.MaxSessionIDLength <= 0 {
		c.MaxSessionIDLength = d.MaxSessionIDLength
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = d.TurnTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	return c
}

// =============================================================================
// Requests and results
// =============================================================================

// TurnRequest is one inbound message.
type TurnRequest struct {
	// ClientKey identifies the caller for rate limiting.
	ClientKey string

	// SessionID may be empty; a new id is generated.
	SessionID string

	Message string
}

// TurnResult describes a completed turn. Reply is always safe to show.
// State is the deciding state: FINAL, MAX_ITERATIONS, TIMEOUT or
// PROVIDER_ERROR, or RECEIVED when the turn was not admitted. Path is the
// full walk through the state machine.
type TurnResult struct {
	SessionID       string               `json:"session_id"`
	Reply           string               `json:"reply"`
	State           State                `json:"state"`
	Path            []State              `json:"path,omitempty"`
	ToolRounds      int                  `json:"tool_rounds"`
	ProviderCalls   int                  `json:"provider_calls"`
	Flagged         bool                 `json:"flagged"`
	Detections      []security.Detection `json:"detections,omitempty"`
	RetrievalSource retrieval.Source     `json:"retrieval_source,omitempty"`
	Degraded        bool                 `json:"degraded"`
	Sanitized       bool                 `json:"sanitized"`
	Turns           int                  `json:"turns"`
	Duration        time.Duration        `json:"duration"`
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs turns.
type Orchestrator struct {
	config  Config
	deps    Deps
	machine *StateMachine
	logger  *slog.Logger
}

// New validates deps and builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	var missing []string
	if deps.Limiter == nil {
		missing = append(missing, "Limiter")
	}
	if deps.Sessions == nil {
		missing = append(missing, "Sessions")
	}
	if deps.Retrieval == nil {
		missing = append(missing, "Retrieval")
	}
	if deps.Client == nil {
		missing = append(missing, "Client")
	}
	if deps.Security == nil {
		missing = append(missing, "Security")
	}
	if deps.Knowledge == nil {
		missing = append(missing, "Knowledge")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator missing dependencies: %s", strings.Join(missing, ", "))
	}
	if deps.Tools == nil {
		tools, err := NewRegistry(BuiltinTools()...)
		if err != nil {
			return nil, err
		}
		deps.Tools = tools
	}
	return &Orchestrator{
		config:  cfg.withDefaults(),
		deps:    deps,
		machine: NewStateMachine(),
		logger:  slog.With("component", "orchestrator"),
	}, nil
}

// Config returns the effective guardrails.
func (o *Orchestrator) Config() Config { return o.config }

// Tools returns the registry offered to the model.
func (o *Orchestrator) Tools() *Registry { return o.deps.Tools }

// Handle runs one turn to completion.
//
// # Description
//
// Order: validate, security pre-check, rate limit, session fetch,
// retrieval, model/tool loop, post-check, persist (with compaction).
// The loop runs on a context detached from ctx so a disconnecting client
// does not abort in-flight provider or tool calls; TurnTimeout still
// bounds it.
//
// # Outputs
//
//   - *TurnResult: Nil only for validation errors. For every other outcome
//     Reply holds the text to show.
//   - error: *ValidationError, *RateLimitError (matches
//     ErrRateLimitExceeded), *ProviderError, or a store failure. Nil for
//     FINAL and MAX_ITERATIONS.
//
// # Thread Safety
//
// Safe for concurrent use.
func (o *Orchestrator) Handle(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	start := time.Now()

	message, sessionID, err := o.validate(req)
	if err != nil {
		o.observeTurn("invalid", start)
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "conversation.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	result := &TurnResult{SessionID: sessionID, State: StateReceived}

	assessment := o.deps.Security.PreCheck(message)
	if assessment.Suspected() {
		result.Flagged = true
		result.Detections = assessment.Detections
		categories := make([]string, 0, len(assessment.Detections))
		for _, d := range assessment.Detections {
			categories = append(categories, d.Category)
			o.observeSecurity("pre", d.Category)
		}
		o.logger.Warn("Message flagged as injection-suspected",
			"session_id", sessionID, "categories", categories)
	}

	clientKey := req.ClientKey
	if clientKey == "" {
		clientKey = anonymousClient
	}
	decision := o.deps.Limiter.Admit(clientKey)
	if !decision.Allowed {
		o.logger.Info("Rate limit exceeded", "session_id", sessionID, "count", decision.Count, "limit", decision.Limit)
		result.Reply = RateLimitText
		result.Duration = time.Since(start)
		o.observeTurn("rate_limited", start)
		span.SetAttributes(attribute.Bool("rate_limited", true))
		return result, &RateLimitError{RetryAfter: decision.RetryAfter}
	}

	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.TurnTimeout)
	defer cancel()

	err = o.run(turnCtx, message, result)
	result.Duration = time.Since(start)
	o.observeTurn(strings.ToLower(string(result.State)), start)

	span.SetAttributes(
		attribute.String("turn.state", string(result.State)),
		attribute.Int("turn.tool_rounds", result.ToolRounds),
		attribute.Int("turn.provider_calls", result.ProviderCalls),
		attribute.Bool("turn.flagged", result.Flagged),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(result.State))
	}
	return result, err
}

func (o *Orchestrator) validate(req TurnRequest) (string, string, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return "", "", &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(message) > o.config.MaxMessageChars {
		return "", "", &ValidationError{Field: "message", Reason: fmt.Sprintf("exceeds %d characters", o.config.MaxMessageChars)}
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return message, uuid.NewString(), nil
	}
	if len(sessionID) > o.config.MaxSessionIDLength {
		return "", "", &ValidationError{Field: "session_id", Reason: fmt.Sprintf("exceeds %d bytes", o.config.MaxSessionIDLength)}
	}
	if strings.IndexFunc(sessionID, unicode.IsControl) >= 0 {
		return "", "", &ValidationError{Field: "session_id", Reason: "contains control characters"}
	}
	return message, sessionID, nil
}

// run executes the admitted part of a turn, filling result.
func (o *Orchestrator) run(ctx context.Context, message string, result *TurnResult) error {
	r := newRun(o.machine)
	defer func() {
		result.Path = r.Path()
		result.State = outcome(result.Path)
	}()

	session, err := o.deps.Sessions.GetOrCreate(ctx, result.SessionID)
	if err != nil {
		result.Reply = Apology(o.contactLine(nil))
		return fmt.Errorf("load session: %w", err)
	}
	snap := o.deps.Knowledge.Current()
	contact := o.contactLine(snap)

	if err := r.to(StateRetrieving); err != nil {
		return err
	}
	retrieved := o.deps.Retrieval.Retrieve(ctx, message, o.config.TopK)
	result.RetrievalSource = retrieved.Source
	result.Degraded = retrieved.Degraded

	system := BuildSystemPrompt(snapshotPrompt(snap), retrieved.Context, summaryOf(session.Turns), result.Flagged)
	messages := append(BuildHistory(session.Turns), llm.Message{Role: llm.RoleUser, Content: message})
	pending := []sessions.Turn{{Role: sessions.RoleUser, Content: message}}

	var toolOutputs []string
	var reply string

loop:
	for {
		if err := r.to(StateAwaitingModel); err != nil {
			return err
		}
		resp, err := o.complete(ctx, system, messages, result)
		if err != nil {
			if !errors.Is(err, llm.ErrEmptyResponse) {
				return o.providerFailure(ctx, r, err, contact, result)
			}
			resp = &llm.Response{}
		}

		if !resp.HasToolCalls() {
			if err := r.to(StateFinal); err != nil {
				return err
			}
			reply = strings.TrimSpace(resp.Content)
			if reply == "" {
				reply = EmptyReplyText
			}
			break loop
		}

		if err := r.to(StateToolCall); err != nil {
			return err
		}
		if result.ToolRounds >= o.config.MaxIterations {
			if err := r.to(StateMaxIterations); err != nil {
				return err
			}
			o.logger.Warn("Tool round limit reached, returning partial answer",
				"session_id", result.SessionID, "rounds", result.ToolRounds)
			reply = partialAnswer(resp.Content, toolOutputs, contact)
			break loop
		}
		result.ToolRounds++
		if err := r.to(StateExecutingTool); err != nil {
			return err
		}

		calls := normalizeCalls(resp.ToolCalls, result.ToolRounds)
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: calls})
		for i, call := range calls {
			content := ""
			if i == 0 {
				content = resp.Content
			}
			pending = append(pending, sessions.Turn{
				Role:     sessions.RoleAssistant,
				Content:  content,
				ToolCall: &sessions.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments},
			})
		}

		for _, call := range calls {
			output, isErr, err := o.executeTool(ctx, snap, call)
			if err != nil {
				return o.providerFailure(ctx, r, err, contact, result)
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    output,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				IsError:    isErr,
			})
			pending = append(pending, sessions.Turn{
				Role:     sessions.RoleTool,
				Content:  output,
				ToolCall: &sessions.ToolCall{ID: call.ID, Name: call.Name},
				IsError:  isErr,
			})
			if !isErr {
				toolOutputs = append(toolOutputs, output)
			}
		}
	}

	sanitized, replaced := o.deps.Security.PostCheck(reply)
	if replaced {
		result.Sanitized = true
		o.observeSecurity("post", "leak")
		o.logger.Warn("Reply contained internal markers, replaced with redirect", "session_id", result.SessionID)
	}
	result.Reply = sanitized
	pending = append(pending, sessions.Turn{Role: sessions.RoleAssistant, Content: sanitized})

	updated, err := o.deps.Sessions.Append(context.WithoutCancel(ctx), result.SessionID, pending...)
	if err != nil {
		o.logger.Error("Failed to persist turn", "session_id", result.SessionID, "error", err)
		result.Turns = len(session.Turns)
	} else {
		result.Turns = len(updated.Turns)
	}
	return r.to(StateDone)
}

func (o *Orchestrator) complete(ctx context.Context, system string, messages []llm.Message, result *TurnResult) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
	defer cancel()

	result.ProviderCalls++
	return o.deps.Client.Complete(callCtx, &llm.Request{
		SystemPrompt: system,
		Messages:     slices.Clone(messages),
		Tools:        o.deps.Tools.Definitions(),
		MaxTokens:    o.config.MaxTokens,
	})
}

// providerFailure moves the run to TIMEOUT or PROVIDER_ERROR. Nothing is
// persisted.
func (o *Orchestrator) providerFailure(ctx context.Context, r *run, err error, contact string, result *TurnResult) error {
	timeout := llm.IsTimeout(err) || ctx.Err() != nil
	state := StateProviderError
	if timeout {
		state = StateTimeout
	}
	if terr := r.to(state); terr != nil {
		return errors.Join(terr, err)
	}
	o.logger.Error("Turn failed",
		"session_id", result.SessionID,
		"state", state,
		"provider_calls", result.ProviderCalls,
		"error", err)
	result.Reply = Apology(contact)
	return &ProviderError{Timeout: timeout, Err: err}
}

// executeTool validates and runs one call.
//
// # Outputs
//
//   - string: Text fed back to the model.
//   - bool: True when the text describes a failure.
//   - error: Non-nil only when the tool exceeded its deadline, which ends
//     the turn.
func (o *Orchestrator) executeTool(ctx context.Context, snap *knowledge.Snapshot, call llm.ToolCall) (string, bool, error) {
	tool, args, err := o.deps.Tools.Validate(call)
	if err != nil {
		name := call.Name
		if tool.Name == "" {
			name = "unknown"
		}
		o.observeTool(name, "invalid")
		o.logger.Warn("Rejected tool call", "tool", call.Name, "error", err)
		return err.Error(), true, nil
	}
	if snap == nil || snap.Resume == nil {
		o.observeTool(tool.Name, "error")
		return "Profile data is not available right now.", true, nil
	}

	toolCtx, cancel := context.WithTimeout(ctx, o.config.ToolTimeout)
	defer cancel()

	type toolOutcome struct {
		output string
		err    error
	}
	done := make(chan toolOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- toolOutcome{err: fmt.Errorf("tool %s panicked: %v", tool.Name, p)}
			}
		}()
		out, err := tool.Handler(toolCtx, snap, args)
		done <- toolOutcome{output: out, err: err}
	}()

	select {
	case oc := <-done:
		if oc.err != nil {
			o.observeTool(tool.Name, "error")
			o.logger.Warn("Tool failed", "tool", tool.Name, "error", oc.err)
			return fmt.Sprintf("%s failed: %v", tool.Name, oc.err), true, nil
		}
		o.observeTool(tool.Name, "ok")
		return truncate(oc.output, maxToolOutputRune), false, nil
	case <-toolCtx.Done():
		o.observeTool(tool.Name, "timeout")
		return "", true, fmt.Errorf("tool %s: %w", tool.Name, toolCtx.Err())
	}
}

// outcome is the state that decided the turn: the one before DONE, or the
// last state for error exits.
func outcome(path []State) State {
	n := len(path)
	if n >= 2 && path[n-1] == StateDone {
		return path[n-2]
	}
	return path[n-1]
}

// normalizeCalls gives every call a non-empty, turn-unique id.
func normalizeCalls(calls []llm.ToolCall, round int) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_r%d_%d", round, i+1)
		}
		out[i] = c
	}
	return out
}

func (o *Orchestrator) contactLine(snap *knowledge.Snapshot) string {
	if o.config.ContactLine != "" {
		return o.config.ContactLine
	}
	return snap.ContactLine()
}

func snapshotPrompt(snap *knowledge.Snapshot) string {
	if snap == nil || snap.SystemPrompt == "" {
		return knowledge.DefaultSystemPrompt
	}
	return snap.SystemPrompt
}

func (o *Orchestrator) observeTurn(outcome string, start time.Time) {
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveTurn(outcome, time.Since(start))
	}
}

func (o *Orchestrator) observeTool(tool, status string) {
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveToolCall(tool, status)
	}
}

func (o *Orchestrator) observeSecurity(stage, category string) {
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveSecurityFlag(stage, category)
	}
}

// =============================================================================
// Request assembly
// =============================================================================

// BuildSystemPrompt joins the base prompt, the resume context, an optional
// conversation summary and, for flagged input, the security notice.
func BuildSystemPrompt(base, resumeContext, summary string, flagged bool) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))
	if resumeContext != "" {
		b.WriteString("\n\n" + resumeDataHeader + "\n")
		b.WriteString(resumeContext)
	}
	if summary != "" {
		b.WriteString("\n\n" + summaryHeader + "\n")
		b.WriteString(summary)
	}
	if flagged {
		b.WriteString("\n\n")
		b.WriteString(security.Notice)
	}
	return b.String()
}

func summaryOf(turns []sessions.Turn) string {
	for _, t := range turns {
		if t.Role == sessions.RoleSummary {
			return t.Content
		}
	}
	return ""
}

// BuildHistory converts stored turns to model messages.
//
// # Description
//
// Summary turns are skipped (they go into the system prompt). Consecutive
// assistant tool-call turns merge into one message. Tool results whose
// call is not in the history, which happens after compaction cuts between
// a call and its result, are dropped. Leading non-user messages are
// dropped so the history starts with the visitor.
func BuildHistory(turns []sessions.Turn) []llm.Message {
	declared := make(map[string]bool)
	msgs := make([]llm.Message, 0, len(turns))

	for _, t := range turns {
		switch t.Role {
		case sessions.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Content})

		case sessions.RoleAssistant:
			if t.ToolCall == nil {
				msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Content})
				continue
			}
			call := llm.ToolCall{ID: t.ToolCall.ID, Name: t.ToolCall.Name, Arguments: t.ToolCall.Arguments}
			declared[call.ID] = true
			if n := len(msgs); n > 0 && msgs[n-1].Role == llm.RoleAssistant && len(msgs[n-1].ToolCalls) > 0 {
				msgs[n-1].ToolCalls = append(msgs[n-1].ToolCalls, call)
				if msgs[n-1].Content == "" {
					msgs[n-1].Content = t.Content
				}
				continue
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Content, ToolCalls: []llm.ToolCall{call}})

		case sessions.RoleTool:
			if t.ToolCall == nil || !declared[t.ToolCall.ID] {
				continue
			}
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				Content:    t.Content,
				ToolCallID: t.ToolCall.ID,
				ToolName:   t.ToolCall.Name,
				IsError:    t.IsError,
			})
		}
	}

	for len(msgs) > 0 && msgs[0].Role != llm.RoleUser {
		msgs = msgs[1:]
	}
	return msgs
}
