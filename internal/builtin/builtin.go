// Package builtin registers the handful of skills the core itself depends
// on for correctness — "end" (P4/P5 loop termination), "send_message" (the
// side-effecting reply path Sender wraps), and "get_time" (a minimal
// always-available tool). Go cannot hot-swap compiled handler
// code the way the source language reloads a Python module, so — per
// internal/skills' package doc and DESIGN.md's C3 entry — each skill here
// is a Go type registered by name at init() via skills.RegisterFactory;
// config.json on disk still supplies the advertised schema, description,
// permission, and rate limit, exactly as for any other discovered skill.
// The shared collaborators a closure needs (the cognitive job queue, the
// end-summary ring, …) are wired once at boot via Configure, the same
// "assign the process-global once, never mutate after" discipline
// DESIGN.md documents for SkillRegistry/ConfigManager/TokenUsageStore.
package builtin

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nyxbot/fabric/internal/cogqueue"
	"github.com/nyxbot/fabric/internal/llmloop"
	"github.com/nyxbot/fabric/internal/reqctx"
	"github.com/nyxbot/fabric/internal/sender"
	"github.com/nyxbot/fabric/internal/skills"
	"github.com/nyxbot/fabric/internal/storage"
)

// Deps bundles the collaborators the builtin skills need once they are
// executing inside a request; everything here is injected, never imported
// by package-global lookup (per SPEC_FULL.md's "Cyclic collaborators"
// design note).
type Deps struct {
	Sender       *sender.Sender
	CogQueue     *cogqueue.Queue
	EndSummaries *storage.EndSummaryStore
	EndSummaryMax int
}

var deps Deps

// Configure wires the shared collaborators. Call once at boot, before the
// registry starts serving requests.
func Configure(d Deps) {
	deps = d
}

func init() {
	skills.RegisterFactory("builtin.end", func(*skills.Descriptor) (skills.Handler, error) {
		return skills.HandlerFunc(endHandler), nil
	})
	skills.RegisterFactory("builtin.send_message", func(*skills.Descriptor) (skills.Handler, error) {
		return skills.HandlerFunc(sendMessageHandler), nil
	})
	skills.RegisterFactory("builtin.get_time", func(*skills.Descriptor) (skills.Handler, error) {
		return skills.HandlerFunc(getTimeHandler), nil
	})
}

// endDedupKey is the per-RequestContext resource key the "lightweight
// dedup" design note (spec §9, open question 4) describes: best-effort,
// in-memory only, does not survive a process restart.
const endDedupKey = "builtin.end.dedup"

func endHandler(ctx context.Context, args map[string]any) (string, error) {
	rc, ok := reqctx.Current(ctx)
	if !ok {
		return "", fmt.Errorf("builtin: end called outside an admitted request")
	}

	memo, _ := args["memo"].(string)
	if memo == "" {
		memo, _ = args["action_summary"].(string) // legacy field name
	}
	force, _ := args["force"].(bool)

	sentThisTurn, _ := rc.GetResource(reqctx.ResMessageSentThisTurn, false).(bool)
	if memo != "" && !force && !sentThisTurn {
		return "refusal: action_summary was non-empty but no message was sent this turn; " +
			"call send_message first, or pass force=true to end without sending.", nil
	}

	if alreadyHandled(rc, args) {
		if sig := llmloop.EndSignalFrom(ctx); sig != nil {
			sig.Set()
		}
		return "", nil
	}

	identity := rc.Identity()
	if memo != "" {
		if err := enqueueCognitiveJob(identity, memo, args); err != nil {
			return "", fmt.Errorf("builtin: end: enqueue cognitive job: %w", err)
		}
		if err := appendEndSummary(ctx, identity, memo); err != nil {
			return "", fmt.Errorf("builtin: end: append end summary: %w", err)
		}
	}

	if sig := llmloop.EndSignalFrom(ctx); sig != nil {
		sig.Set()
	}
	return "", nil
}

func alreadyHandled(rc reqctx.Context, args map[string]any) bool {
	key := dedupKey(args)
	prev, _ := rc.GetResource(endDedupKey, "").(string)
	if prev == key {
		return true
	}
	rc.SetResource(endDedupKey, key)
	return false
}

func dedupKey(args map[string]any) string {
	memo, _ := args["memo"].(string)
	if memo == "" {
		memo, _ = args["action_summary"].(string)
	}
	return memo
}

func enqueueCognitiveJob(identity reqctx.Identity, memo string, args map[string]any) error {
	if deps.CogQueue == nil {
		return nil
	}

	observations := stringSlice(args["observations"])
	if len(observations) == 0 {
		observations = stringSlice(args["new_info"]) // legacy field name
	}

	var targets []cogqueue.ProfileTarget
	if raw, ok := args["profile_targets"].([]any); ok {
		for _, t := range raw {
			m, ok := t.(map[string]any)
			if !ok {
				continue
			}
			entityType, _ := m["entity_type"].(string)
			entityID, _ := m["entity_id"].(string)
			if entityType == "" || entityID == "" {
				continue
			}
			perspective, _ := m["perspective"].(string)
			preferredName, _ := m["preferred_name"].(string)
			targets = append(targets, cogqueue.ProfileTarget{
				EntityType:    entityType,
				EntityID:      entityID,
				Perspective:   perspective,
				PreferredName: preferredName,
			})
		}
	}

	perspective, _ := args["perspective"].(string)

	job := &cogqueue.Job{
		RequestID:      identity.RequestID,
		TimestampEpoch: time.Now().Unix(),
		Memo:           memo,
		Observations:   observations,
		ProfileTargets: targets,
		Perspective:    perspective,
		Force:          false,
	}
	if f, ok := args["force"].(bool); ok {
		job.Force = f
	}

	_, err := deps.CogQueue.Enqueue(job)
	return err
}

func appendEndSummary(ctx context.Context, identity reqctx.Identity, memo string) error {
	if deps.EndSummaries == nil {
		return nil
	}
	kind, chatID := sessionKey(identity)
	if chatID == "" {
		return nil
	}
	max := deps.EndSummaryMax
	if max <= 0 {
		max = 20
	}
	return deps.EndSummaries.Append(ctx, kind, chatID, memo, max)
}

func sessionKey(identity reqctx.Identity) (storage.ChatKind, string) {
	if identity.GroupID != "" {
		return storage.ChatGroup, identity.GroupID
	}
	if identity.UserID != "" {
		return storage.ChatPrivate, identity.UserID
	}
	return storage.ChatGroup, ""
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func sendMessageHandler(ctx context.Context, args map[string]any) (string, error) {
	rc, ok := reqctx.Current(ctx)
	if !ok {
		return "", fmt.Errorf("builtin: send_message called outside an admitted request")
	}
	if deps.Sender == nil {
		return "", fmt.Errorf("builtin: send_message: no Sender configured")
	}

	text, _ := args["text"].(string)
	if text == "" {
		text, _ = args["content"].(string)
	}
	if text == "" {
		return "error: send_message requires non-empty text", nil
	}

	identity := rc.Identity()
	opts := sender.DefaultOptions()
	if groupID, ok := args["group_id"].(string); ok && groupID != "" {
		identity.GroupID = groupID
	}
	if userID, ok := args["user_id"].(string); ok && userID != "" {
		identity.UserID = userID
	}

	if identity.GroupID != "" {
		if _, err := deps.Sender.SendGroup(rc, identity.GroupID, text, opts); err != nil {
			return "", err
		}
		return "sent", nil
	}
	if identity.UserID != "" {
		if _, err := deps.Sender.SendPrivate(rc, identity.UserID, text, opts); err != nil {
			return "", err
		}
		return "sent", nil
	}
	return "error: send_message has no destination (no group_id/user_id on this request)", nil
}

func getTimeHandler(ctx context.Context, args map[string]any) (string, error) {
	loc := time.Local
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("builtin: get_time: unknown timezone %q: %w", tz, err)
		}
		loc = l
	}
	now := time.Now().In(loc)
	return fmt.Sprintf("%s (%s, unix=%s)", now.Format("2006-01-02 15:04:05"), loc.String(), strconv.FormatInt(now.Unix(), 10)), nil
}
