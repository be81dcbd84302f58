package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxbot/fabric/internal/chatproto"
	"github.com/nyxbot/fabric/internal/cogqueue"
	"github.com/nyxbot/fabric/internal/llmloop"
	"github.com/nyxbot/fabric/internal/reqctx"
	"github.com/nyxbot/fabric/internal/sender"
)

type fakeClient struct {
	chatproto.Client
	groupSends []string
}

func (f *fakeClient) SendGroupMessage(ctx context.Context, groupID string, segs []chatproto.Segment) (string, error) {
	for _, s := range segs {
		if t, ok := s.Data["text"].(string); ok {
			f.groupSends = append(f.groupSends, t)
		}
	}
	return "msg-1", nil
}

func newCtx(t *testing.T, identity reqctx.Identity) (reqctx.Context, *llmloop.EndSignal) {
	t.Helper()
	sig := llmloop.NewEndSignal()
	ctx := llmloop.WithEndSignal(context.Background(), sig)
	rc := reqctx.Enter(ctx, identity)
	return rc, sig
}

func TestEndRefusesWithoutPriorSend(t *testing.T) {
	deps = Deps{}
	rc, sig := newCtx(t, reqctx.Identity{RequestType: reqctx.Group, GroupID: "10001"})

	out, err := endHandler(rc, map[string]any{"memo": "did something", "force": false})
	require.NoError(t, err)
	assert.Contains(t, out, "refusal")
	assert.False(t, sig.Get(), "end must not terminate the loop on refusal")
}

func TestEndSucceedsAfterSend(t *testing.T) {
	q, err := cogqueue.New(t.TempDir())
	require.NoError(t, err)
	Configure(Deps{CogQueue: q})
	defer Configure(Deps{})

	rc, sig := newCtx(t, reqctx.Identity{RequestType: reqctx.Group, GroupID: "10001"})
	rc.SetResource(reqctx.ResMessageSentThisTurn, true)

	out, err := endHandler(rc, map[string]any{
		"memo":         "told the user hello",
		"observations": []any{"user said hello"},
	})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.True(t, sig.Get())

	_, job, ok, err := q.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "told the user hello", job.Memo)
	assert.Equal(t, []string{"user said hello"}, job.Observations)
}

func TestEndWithForceSkipsSendCheck(t *testing.T) {
	Configure(Deps{})
	defer Configure(Deps{})

	rc, sig := newCtx(t, reqctx.Identity{RequestType: reqctx.Group, GroupID: "10001"})

	out, err := endHandler(rc, map[string]any{"memo": "quiet exit", "force": true})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.True(t, sig.Get())
}

func TestSendMessageWritesToGroup(t *testing.T) {
	client := &fakeClient{}
	Configure(Deps{Sender: sender.New(client, nil)})
	defer Configure(Deps{})

	rc, _ := newCtx(t, reqctx.Identity{RequestType: reqctx.Group, GroupID: "10001"})

	out, err := sendMessageHandler(rc, map[string]any{"text": "hello there"})
	require.NoError(t, err)
	assert.Equal(t, "sent", out)
	assert.Equal(t, []string{"hello there"}, client.groupSends)

	sent, _ := rc.GetResource(reqctx.ResMessageSentThisTurn, false).(bool)
	assert.True(t, sent)
}

func TestSendMessageRequiresText(t *testing.T) {
	Configure(Deps{Sender: sender.New(&fakeClient{}, nil)})
	defer Configure(Deps{})

	rc, _ := newCtx(t, reqctx.Identity{RequestType: reqctx.Group, GroupID: "10001"})
	out, err := sendMessageHandler(rc, map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, out, "error")
}

func TestGetTimeDefaultsToLocal(t *testing.T) {
	out, err := getTimeHandler(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestGetTimeRejectsUnknownTimezone(t *testing.T) {
	_, err := getTimeHandler(context.Background(), map[string]any{"timezone": "Nowhere/Fake"})
	assert.Error(t, err)
}
