// Package dispatch is the inbound-event admission glue: it is not one of
// the spec's named components, but every inbound chatproto.Event has to
// become a queue.Item with a lane (§3's QueueItem) and eventually a
// coordinator.Job before C8-C17 have anything to do. It appends history,
// runs SecurityService's injection check, classifies the sender's role
// and "addressed" status, and hands the result to QueueManager, which
// drains it back through Run on the single worker goroutine.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nyxbot/fabric/internal/chatproto"
	"github.com/nyxbot/fabric/internal/coordinator"
	"github.com/nyxbot/fabric/internal/modelio"
	"github.com/nyxbot/fabric/internal/modelpool"
	"github.com/nyxbot/fabric/internal/promptbuilder"
	"github.com/nyxbot/fabric/internal/queue"
	"github.com/nyxbot/fabric/internal/reqctx"
	"github.com/nyxbot/fabric/internal/security"
	"github.com/nyxbot/fabric/internal/skills"
	"github.com/nyxbot/fabric/internal/storage"
)

// Deps are the collaborators the admission path needs.
type Deps struct {
	Queue       *queue.Manager
	Coordinator *coordinator.Coordinator
	Security    *security.Service
	History     *storage.HistoryStore
	Pool        *modelpool.Selector
	Primary     modelpool.Entry
	PoolEnabled bool

	Persona   string
	MaxTokens int

	// SelfID is the bot's own chatproto sender ID, used to detect an "at"
	// segment addressed to it.
	SelfID string
}

// Dispatcher turns inbound events into admitted queue work.
type Dispatcher struct {
	deps Deps
}

func New(deps Deps) *Dispatcher {
	return &Dispatcher{deps: deps}
}

// HandleEvent is the webhook callback: it must return quickly, so all it
// does is history bookkeeping, the cheap injection-detection call, and an
// Enqueue. The LLM turn itself runs later on the queue's worker goroutine.
func (d *Dispatcher) HandleEvent(ctx context.Context, evt chatproto.Event) {
	if evt.PostType != "message" {
		return
	}
	text := evt.Text()
	if text == "" {
		return
	}

	isGroup := evt.MessageType == "group"
	chatID := evt.UserID
	kind := storage.ChatPrivate
	if isGroup {
		chatID = evt.GroupID
		kind = storage.ChatGroup
	}

	if d.deps.History != nil {
		if err := d.deps.History.Append(ctx, kind, chatID, "user", text); err != nil {
			slog.Error("dispatch: append history", "error", err)
		}
	}

	addressed := !isGroup || addressedTo(evt, d.deps.SelfID)
	superadmin := d.deps.Security != nil && d.deps.Security.IsSuperadmin(evt.UserID)

	if d.deps.Security != nil {
		hit, err := d.deps.Security.DetectInjection(ctx, text, "", superadmin)
		if err != nil {
			slog.Error("dispatch: detect injection", "error", err)
		} else if hit {
			destGroup, destUser := "", ""
			if isGroup {
				destGroup = evt.GroupID
			} else {
				destUser = evt.UserID
			}
			if err := d.deps.Security.HandleDetected(ctx, kind, chatID, addressed, destGroup, destUser); err != nil {
				slog.Error("dispatch: handle detected injection", "error", err)
			}
			return
		}
	}

	if isGroup && !addressed {
		d.enqueue(queue.LaneGroupNormal, evt, addressed)
		return
	}

	lane := queue.LanePrivate
	switch {
	case superadmin:
		lane = queue.LaneSuperadmin
	case isGroup:
		lane = queue.LaneGroupMention
	}
	d.enqueue(lane, evt, addressed)
}

func (d *Dispatcher) enqueue(lane queue.Lane, evt chatproto.Event, addressed bool) {
	d.deps.Queue.Enqueue(queue.Item{Lane: lane, Payload: eventJob{Event: evt, Addressed: addressed}})
}

// eventJob is the opaque queue.Item payload for one admitted chat turn.
type eventJob struct {
	Event     chatproto.Event
	Addressed bool
}

// Handle is the queue.Handler the QueueManager drains items through.
func (d *Dispatcher) Handle(ctx context.Context, item queue.Item) {
	ej, ok := item.Payload.(eventJob)
	if !ok {
		slog.Error("dispatch: unexpected queue payload", "type", fmt.Sprintf("%T", item.Payload))
		return
	}
	evt := ej.Event

	isGroup := evt.MessageType == "group"
	chatID := evt.UserID
	if isGroup {
		chatID = evt.GroupID
	}

	cfg, err := d.chatConfig(chatID, evt.UserID)
	if err != nil {
		slog.Error("dispatch: select chat config", "error", err)
		return
	}

	job := coordinator.Job{
		Identity: reqctx.Identity{
			UserID:   evt.UserID,
			SenderID: evt.UserID,
		},
		Config:    cfg,
		MaxTokens: d.deps.MaxTokens,
		Persona:   d.deps.Persona,
		Turn: promptbuilder.Turn{
			Sender:   evt.Sender.Nickname,
			SenderID: evt.UserID,
			Location: "private",
			Time:     fmt.Sprintf("%d", evt.Time),
			Body:     evt.Text(),
		},
	}

	if isGroup {
		job.Identity.RequestType = reqctx.Group
		job.Identity.GroupID = evt.GroupID
		job.DestGroupID = evt.GroupID
		job.Turn.GroupID = evt.GroupID
		job.Turn.Location = "group"
		job.CallType = "chat"
		if err := d.deps.Coordinator.ExecuteAutoReply(ctx, job); err != nil {
			slog.Error("dispatch: execute auto reply", "error", err)
		}
		return
	}

	job.Identity.RequestType = reqctx.Private
	job.DestUserID = evt.UserID
	job.CallType = "chat"
	if err := d.deps.Coordinator.ExecutePrivateReply(ctx, job); err != nil {
		slog.Error("dispatch: execute private reply", "error", err)
	}
}

func (d *Dispatcher) chatConfig(groupID, userID string) (modelio.ModelConfig, error) {
	if d.deps.Pool == nil {
		return d.deps.Primary.Config, nil
	}
	return d.deps.Pool.SelectChatConfig(d.deps.Primary, groupID, userID, d.deps.PoolEnabled)
}

// addressedTo reports whether evt carries an "at" segment naming selfID.
func addressedTo(evt chatproto.Event, selfID string) bool {
	if selfID == "" {
		return false
	}
	for _, seg := range evt.Message {
		if seg.Type != chatproto.SegAt {
			continue
		}
		if qq, ok := seg.Data["qq"].(string); ok && qq == selfID {
			return true
		}
	}
	return false
}

// RoleResolver satisfies skills.RoleResolver directly from SecurityService,
// for callers that want it without importing security themselves.
func RoleResolver(s *security.Service) skills.RoleResolver {
	return s.RoleResolver
}
