// Package onebothttp implements a chatproto.Client over OneBot v11's
// "HTTP" communication mode: plain HTTP POST for outbound actions and an
// HTTP POST webhook for inbound events. It deliberately does not speak the
// WebSocket-framed mode or parse CQ-code strings — both are out of scope
// per spec — so it only has a home for deployments that configure their
// OneBot implementation (e.g. go-cqhttp, NapCat) in "http" mode with a JSON
// array-of-segments message format, which is what chatproto.Segment
// already models. Grounded on pkg/httpclient's retrying Do for the
// outbound leg and the go-chi router already vendored for the inbound one.
package onebothttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nyxbot/fabric/internal/chatproto"
	"github.com/nyxbot/fabric/pkg/httpclient"
)

// Client is a OneBot v11 HTTP-mode action client and event webhook.
type Client struct {
	http        *httpclient.Client
	actionBase  string
	accessToken string
}

// New builds a Client. actionBase is the OneBot implementation's HTTP
// action server, e.g. "http://127.0.0.1:5700". accessToken, if non-empty,
// is sent as a bearer token on every outbound action call and required
// (as "Authorization: Bearer <token>" or "?access_token=") on inbound
// webhook requests.
func New(actionBase, accessToken string) *Client {
	return &Client{
		http: httpclient.New(
			httpclient.WithRetryStrategy(httpclient.DefaultStrategy),
		),
		actionBase:  actionBase,
		accessToken: accessToken,
	}
}

// actionEnvelope is OneBot v11's uniform action response shape.
type actionEnvelope struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

func (c *Client) call(ctx context.Context, action string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("onebothttp: encode %s params: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.actionBase+"/"+action, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("onebothttp: build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("onebothttp: call %s: %w", action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("onebothttp: read %s response: %w", action, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("onebothttp: %s returned HTTP %d: %s", action, resp.StatusCode, string(raw))
	}

	var env actionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("onebothttp: decode %s envelope: %w", action, err)
	}
	if env.Status == "failed" || env.RetCode != 0 {
		return nil, fmt.Errorf("onebothttp: %s failed: retcode=%d message=%q", action, env.RetCode, env.Message)
	}
	return env.Data, nil
}

type messageIDData struct {
	MessageID int64 `json:"message_id"`
}

func (c *Client) SendGroupMessage(ctx context.Context, groupID string, segs []chatproto.Segment) (string, error) {
	data, err := c.call(ctx, "send_group_message", map[string]any{"group_id": groupID, "message": segs})
	if err != nil {
		return "", err
	}
	var out messageIDData
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("onebothttp: decode send_group_message data: %w", err)
	}
	return strconv.FormatInt(out.MessageID, 10), nil
}

func (c *Client) SendPrivateMessage(ctx context.Context, userID string, segs []chatproto.Segment) (string, error) {
	data, err := c.call(ctx, "send_private_message", map[string]any{"user_id": userID, "message": segs})
	if err != nil {
		return "", err
	}
	var out messageIDData
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("onebothttp: decode send_private_message data: %w", err)
	}
	return strconv.FormatInt(out.MessageID, 10), nil
}

func (c *Client) SendForwardMsg(ctx context.Context, targetID string, nodes []chatproto.Segment) (string, error) {
	data, err := c.call(ctx, "send_group_forward_msg", map[string]any{"group_id": targetID, "messages": nodes})
	if err != nil {
		return "", err
	}
	var out messageIDData
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("onebothttp: decode send_group_forward_msg data: %w", err)
	}
	return strconv.FormatInt(out.MessageID, 10), nil
}

func (c *Client) SendLike(ctx context.Context, userID string, times int) error {
	_, err := c.call(ctx, "send_like", map[string]any{"user_id": userID, "times": times})
	return err
}

func (c *Client) GetGroupMsgHistory(ctx context.Context, groupID string, messageSeq int64, count int) ([]chatproto.Event, error) {
	data, err := c.call(ctx, "get_group_msg_history", map[string]any{
		"group_id": groupID, "message_seq": messageSeq, "count": count,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []chatproto.Event `json:"messages"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("onebothttp: decode get_group_msg_history data: %w", err)
	}
	return out.Messages, nil
}

func (c *Client) GetImage(ctx context.Context, fileID string) ([]byte, error) {
	data, err := c.call(ctx, "get_image", map[string]any{"file": fileID})
	if err != nil {
		return nil, err
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("onebothttp: decode get_image data: %w", err)
	}
	if out.URL == "" {
		return nil, fmt.Errorf("onebothttp: get_image returned no url for file %q", fileID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, out.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("onebothttp: build image download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("onebothttp: download image: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) GetMsg(ctx context.Context, msgID string) (*chatproto.Event, error) {
	data, err := c.call(ctx, "get_msg", map[string]any{"message_id": msgID})
	if err != nil {
		return nil, err
	}
	var out chatproto.Event
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("onebothttp: decode get_msg data: %w", err)
	}
	return &out, nil
}

func (c *Client) GetForwardMsg(ctx context.Context, forwardID string) ([]chatproto.Event, error) {
	data, err := c.call(ctx, "get_forward_msg", map[string]any{"id": forwardID})
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []chatproto.Event `json:"messages"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("onebothttp: decode get_forward_msg data: %w", err)
	}
	return out.Messages, nil
}

func (c *Client) SendGroupPoke(ctx context.Context, groupID, userID string) error {
	_, err := c.call(ctx, "group_poke", map[string]any{"group_id": groupID, "user_id": userID})
	return err
}

func (c *Client) SendPrivatePoke(ctx context.Context, userID string) error {
	_, err := c.call(ctx, "friend_poke", map[string]any{"user_id": userID})
	return err
}

func (c *Client) SetMsgEmojiLike(ctx context.Context, msgID, emojiID string) error {
	_, err := c.call(ctx, "set_msg_emoji_like", map[string]any{"message_id": msgID, "emoji_id": emojiID})
	return err
}

// WebhookRouter mounts the inbound event-push endpoint OneBot's HTTP mode
// posts to. onEvent is invoked once per decoded event; it should enqueue
// and return quickly since the handler acks with 204 immediately after.
func (c *Client) WebhookRouter(onEvent func(chatproto.Event)) http.Handler {
	r := chi.NewRouter()
	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		if c.accessToken != "" && !c.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var evt chatproto.Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			http.Error(w, fmt.Sprintf("onebothttp: decode event: %v", err), http.StatusBadRequest)
			return
		}
		onEvent(evt)
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (c *Client) authorized(r *http.Request) bool {
	if tok := r.Header.Get("Authorization"); tok == "Bearer "+c.accessToken {
		return true
	}
	return r.URL.Query().Get("access_token") == c.accessToken
}

var _ chatproto.Client = (*Client)(nil)
