// Package coordinator implements C8, AICoordinator: one method per request
// kind, each opening a RequestContext, populating its resource bag, running
// PromptBuilder then LLMLoop, and sending any unsent final content. Adapted
// from the teacher's pkg/agent/llmagent's outer Run wrapper, which likewise
// owns context setup/teardown around a reusable inner flow.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nyxbot/fabric/internal/chatproto"
	"github.com/nyxbot/fabric/internal/llmloop"
	"github.com/nyxbot/fabric/internal/modelio"
	"github.com/nyxbot/fabric/internal/promptbuilder"
	"github.com/nyxbot/fabric/internal/reqctx"
	"github.com/nyxbot/fabric/internal/sender"
	"github.com/nyxbot/fabric/internal/skills"
	"github.com/nyxbot/fabric/internal/storage"
	"github.com/nyxbot/fabric/internal/toolmanager"
	"github.com/nyxbot/fabric/pkg/observability"
)

// Deps are the collaborators AICoordinator wires into every RequestContext
// it opens, per §4.8 step 2 ("populate resources with the callbacks and
// collaborators needed by skills").
type Deps struct {
	Requester   modelio.Requester
	Tools       *toolmanager.Manager
	ToolRuntime *skills.Registry // resolves/executes by internal name for LLMLoop
	Sender      *sender.Sender
	History     *storage.HistoryStore
	ChatClient  chatproto.Client
	Scheduler   any // internal/scheduler.Scheduler; any to avoid an import cycle

	// DefaultConfig/DefaultPersona/DefaultMaxTokens back self-originated
	// work that has no per-request override to draw on: scheduled
	// self_call tasks (§4.11). A self_call has no inbound chat turn to
	// size a provider config from, so it borrows the bot's standing
	// defaults instead.
	DefaultConfig    modelio.ModelConfig
	DefaultPersona   string
	DefaultMaxTokens int

	// Tracer/Metrics are nil-safe observability sinks, attached to every
	// Loop this Coordinator builds and to the agent-run span wrapping
	// execute itself.
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

// Coordinator is C8.
type Coordinator struct {
	deps Deps
}

func New(deps Deps) *Coordinator {
	return &Coordinator{deps: deps}
}

// Job is one admitted unit of work: everything AICoordinator needs to build
// a prompt and run the loop, regardless of request kind.
type Job struct {
	Identity   reqctx.Identity
	CallType   string
	Config     modelio.ModelConfig
	MaxTokens  int
	Persona    string
	PersonaVar map[string]string
	History    promptbuilder.HistoryFetcher
	Cognitive  *promptbuilder.CognitiveBlock
	EndSummary []string
	Turn       promptbuilder.Turn

	// DestGroupID/DestUserID name where a final unsent reply goes; exactly
	// one should be set depending on Identity.RequestType.
	DestGroupID string
	DestUserID  string
}

// ExecuteAutoReply handles an inbound group message the bot decided (or was
// addressed) to answer.
func (c *Coordinator) ExecuteAutoReply(ctx context.Context, job Job) error {
	return c.execute(ctx, job)
}

// ExecutePrivateReply handles an inbound private message.
func (c *Coordinator) ExecutePrivateReply(ctx context.Context, job Job) error {
	return c.execute(ctx, job)
}

// ExecuteStatsAnalysis drives a scheduled/self-call style analytical reply
// (e.g. a stats digest), sharing the same inner flow.
func (c *Coordinator) ExecuteStatsAnalysis(ctx context.Context, job Job) error {
	return c.execute(ctx, job)
}

// ExecuteAgentIntroGeneration drives a one-shot agent self-introduction
// generation (call_type "agent:<name>"), sharing the same inner flow.
func (c *Coordinator) ExecuteAgentIntroGeneration(ctx context.Context, job Job) error {
	return c.execute(ctx, job)
}

func (c *Coordinator) execute(ctx context.Context, job Job) (err error) {
	// 1. Open the agent-run span first so the RequestContext it wraps
	// carries trace context too, then open a RequestContext with the
	// request identity.
	agentCtx, span := c.deps.Tracer.StartAgentRun(ctx, job.CallType, job.Identity.RequestID, string(job.Identity.RequestType), job.Identity.GroupID+job.Identity.UserID)
	rc := reqctx.Enter(agentCtx, job.Identity)

	c.deps.Metrics.IncAgentActiveRuns(job.CallType)
	defer func() {
		c.deps.Metrics.DecAgentActiveRuns(job.CallType)
		if err != nil {
			c.deps.Tracer.RecordError(span, err)
			c.deps.Metrics.RecordAgentError(job.CallType, string(job.Identity.RequestType), "execute")
		}
		span.End()
	}()
	defer func() {
		// 5. Always release the context on exit (success or failure). There
		// is no explicit handle to release beyond letting rc fall out of
		// scope; this defer exists so future resource types with an explicit
		// Close can be added here without touching every call site.
		if r := recover(); r != nil {
			err = fmt.Errorf("coordinator: panic in request %s: %v", job.Identity.RequestID, r)
			slog.Error("coordinator: recovered panic", "request_id", job.Identity.RequestID, "panic", r)
		}
	}()

	// 2. Populate resources with the callbacks and collaborators needed by
	// skills.
	if c.deps.Sender != nil {
		rc.SetResource(reqctx.ResSender, c.deps.Sender)
	}
	if c.deps.History != nil {
		rc.SetResource(reqctx.ResHistoryManager, c.deps.History)
	}
	if c.deps.ChatClient != nil {
		rc.SetResource(reqctx.ResOnebotClient, c.deps.ChatClient)
	}
	if c.deps.Scheduler != nil {
		rc.SetResource(reqctx.ResScheduler, c.deps.Scheduler)
	}
	rc.SetResource(reqctx.ResMessageSentThisTurn, false)

	// 3. PromptBuilder then LLMLoop.
	system, user, err := promptbuilder.Build(
		mustRender(job.Persona, job.PersonaVar),
		job.History,
		job.Cognitive,
		job.EndSummary,
		job.Turn,
	)
	if err != nil {
		return fmt.Errorf("coordinator: build prompt: %w", err)
	}

	messages := []modelio.Message{
		{Role: modelio.RoleSystem, Content: system},
		{Role: modelio.RoleUser, Content: user},
	}

	tools := c.deps.Tools.GetOpenAITools()
	toolDefs := make([]modelio.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		toolDefs = append(toolDefs, modelio.ToolDefinition{
			Type: t.Type,
			Function: modelio.ToolDefFunc{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}

	loop := llmloop.New(c.deps.Requester, c.deps.ToolRuntime, c.deps.ToolRuntime.ApiToInternal()).
		WithObservability(c.deps.Tracer, c.deps.Metrics)
	result, _, err := loop.Run(rc, llmloop.Request{
		Config:     job.Config,
		CallType:   job.CallType,
		MaxTokens:  job.MaxTokens,
		ToolDefs:   toolDefs,
		ToolChoice: modelio.ToolChoiceAuto,
	}, messages)
	if err != nil {
		return fmt.Errorf("coordinator: llm loop: %w", err)
	}

	// 4. If the loop returned a non-empty string without the model having
	// called send_message, send it as one final message.
	alreadySent, _ := rc.GetResource(reqctx.ResMessageSentThisTurn, false).(bool)
	if !alreadySent && result.Content != "" && c.deps.Sender != nil {
		if err := c.sendFinal(rc, job, result.Content); err != nil {
			return fmt.Errorf("coordinator: send final reply: %w", err)
		}
	}

	return nil
}

// RunSelfCall satisfies internal/scheduler.SelfCallRunner: a self_call task
// fires this as if the bot had received a system-authored user message
// addressed to targetID, per §4.11. The loop runs the same execute path as
// any other reply; a send_message call inside it (or an unsent final
// string) reaches targetID exactly as an inbound reply would reach its
// sender.
func (c *Coordinator) RunSelfCall(ctx context.Context, targetID, targetType string, prompt string) error {
	job := Job{
		Identity: reqctx.Identity{
			RequestType: reqctx.Scheduled,
		},
		CallType:  "scheduler:self_call",
		Config:    c.deps.DefaultConfig,
		MaxTokens: c.deps.DefaultMaxTokens,
		Persona:   c.deps.DefaultPersona,
		Turn: promptbuilder.Turn{
			Sender: "scheduler",
			Role:   "system",
			Body:   prompt,
		},
	}

	switch targetType {
	case "group":
		job.Identity.GroupID = targetID
		job.DestGroupID = targetID
	default:
		job.Identity.UserID = targetID
		job.DestUserID = targetID
	}

	return c.execute(ctx, job)
}

func (c *Coordinator) sendFinal(rc reqctx.Context, job Job, content string) error {
	opts := sender.DefaultOptions()
	if job.DestGroupID != "" {
		_, err := c.deps.Sender.SendGroup(rc, job.DestGroupID, content, opts)
		return err
	}
	if job.DestUserID != "" {
		_, err := c.deps.Sender.SendPrivate(rc, job.DestUserID, content, opts)
		return err
	}
	return nil
}

func mustRender(template string, vars map[string]string) string {
	out, err := promptbuilder.RenderPersona(template, vars)
	if err != nil {
		slog.Warn("coordinator: persona render error, falling back to raw template", "error", err)
		return template
	}
	return out
}
