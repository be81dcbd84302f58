// Package chatproto defines the narrow wire-level contract between the
// orchestration fabric and a OneBot-style chat transport. The transport
// itself (WebSocket framing, reconnection, CQ-code parsing) is explicitly
// out of scope; this package only fixes the event and segment shapes and
// the outbound call surface so Sender and AICoordinator can compile against
// a stable interface and tests can fake it.
package chatproto

import "context"

// SegmentType enumerates the message segment kinds the core must be able to
// read or emit.
type SegmentType string

const (
	SegText    SegmentType = "text"
	SegAt      SegmentType = "at"
	SegImage   SegmentType = "image"
	SegRecord  SegmentType = "record"
	SegVideo   SegmentType = "video"
	SegReply   SegmentType = "reply"
	SegForward SegmentType = "forward"
	SegFace    SegmentType = "face"
)

// Segment is one typed piece of a chat message.
type Segment struct {
	Type SegmentType    `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Sender describes who sent an inbound event.
type Sender struct {
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
}

// Event is an inbound OneBot-style event.
type Event struct {
	PostType    string    `json:"post_type"`
	MessageType string    `json:"message_type"`
	UserID      string    `json:"user_id"`
	GroupID     string    `json:"group_id,omitempty"`
	Sender      Sender    `json:"sender"`
	Message     []Segment `json:"message"`
	Time        int64     `json:"time"`
}

// Text concatenates all text segments of the event, in order.
func (e Event) Text() string {
	var out string
	for _, seg := range e.Message {
		if seg.Type == SegText {
			if t, ok := seg.Data["text"].(string); ok {
				out += t
			}
		}
	}
	return out
}

// Client is the narrow outbound surface the core depends on. A
// WebSocket-framed, CQ-code-parsing OneBot transport is out of scope and
// lives outside this module; internal/onebothttp provides a narrower
// concrete Client for OneBot's plain-HTTP communication mode, which needs
// neither.
type Client interface {
	SendGroupMessage(ctx context.Context, groupID string, segs []Segment) (msgID string, err error)
	SendPrivateMessage(ctx context.Context, userID string, segs []Segment) (msgID string, err error)
	SendForwardMsg(ctx context.Context, targetID string, nodes []Segment) (msgID string, err error)
	SendLike(ctx context.Context, userID string, times int) error
	GetGroupMsgHistory(ctx context.Context, groupID string, messageSeq int64, count int) ([]Event, error)
	GetImage(ctx context.Context, fileID string) ([]byte, error)
	GetMsg(ctx context.Context, msgID string) (*Event, error)
	GetForwardMsg(ctx context.Context, forwardID string) ([]Event, error)
	SendGroupPoke(ctx context.Context, groupID, userID string) error
	SendPrivatePoke(ctx context.Context, userID string) error
	SetMsgEmojiLike(ctx context.Context, msgID, emojiID string) error
}

// Text builds a single text segment, a convenience for skills emitting
// plain replies.
func Text(s string) Segment {
	return Segment{Type: SegText, Data: map[string]any{"text": s}}
}
