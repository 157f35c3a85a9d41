// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_ari is the Asterisk REST Interface client: REST commands
// for channel control and a websocket for Stasis events. Only the slice of
// ARI the engine drives is implemented.
package internal_ari

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/voice-engine/pkg/commons"
)

// Config carries the ARI connection settings.
type Config struct {
	// BaseURL is the HTTP root, e.g. http://127.0.0.1:8088/ari.
	BaseURL  string `mapstructure:"base_url" validate:"required,url"`
	Username string `mapstructure:"username" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	// Application is the Stasis application name channels land in.
	Application string `mapstructure:"application" validate:"required"`
}

// CallerID is the caller identification on a channel.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Dialplan is a channel's current dialplan position.
type Dialplan struct {
	Context  string `json:"context"`
	Exten    string `json:"exten"`
	Priority int64  `json:"priority"`
}

// Channel is the ARI channel resource.
type Channel struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	State    string   `json:"state"`
	Caller   CallerID `json:"caller"`
	Dialplan Dialplan `json:"dialplan"`
}

// Playback is the ARI playback resource.
type Playback struct {
	ID       string `json:"id"`
	MediaURI string `json:"media_uri"`
	State    string `json:"state"`
}

// Event is one Stasis event. Fields are populated per event type.
type Event struct {
	Type        string    `json:"type"`
	Application string    `json:"application"`
	Timestamp   string    `json:"timestamp"`
	Channel     *Channel  `json:"channel,omitempty"`
	Playback    *Playback `json:"playback,omitempty"`
	// Args carries the dialplan arguments on StasisStart.
	Args []string `json:"args,omitempty"`
	// Digit is set on ChannelDtmfReceived.
	Digit string `json:"digit,omitempty"`
	// Cause is set on ChannelDestroyed.
	Cause int `json:"cause,omitempty"`
}

// Stasis event type names the engine reacts to.
const (
	EventStasisStart         = "StasisStart"
	EventStasisEnd           = "StasisEnd"
	EventChannelDestroyed    = "ChannelDestroyed"
	EventChannelStateChange  = "ChannelStateChange"
	EventChannelDtmfReceived = "ChannelDtmfReceived"
	EventPlaybackFinished    = "PlaybackFinished"
)

// Client drives one ARI connection.
type Client struct {
	logger commons.Logger
	cfg    Config
	http   *resty.Client

	events chan Event
}

// NewClient creates an ARI client. ListenEvents must be running for Events
// to deliver anything.
func NewClient(logger commons.Logger, cfg Config) *Client {
	http := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetBasicAuth(cfg.Username, cfg.Password).
		SetTimeout(10 * time.Second)
	return &Client{
		logger: logger,
		cfg:    cfg,
		http:   http,
		events: make(chan Event, 128),
	}
}

// Events delivers Stasis events while ListenEvents runs.
func (c *Client) Events() <-chan Event { return c.events }

// ListenEvents connects the event websocket and pumps events until ctx ends,
// reconnecting with backoff on failure. Events during a reconnect window are
// lost; the engine treats missing hangup events via media-side teardown too.
func (c *Client) ListenEvents(ctx context.Context) error {
	defer close(c.events)

	backoff := time.Second
	for {
		if err := c.pumpOnce(ctx); err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			c.logger.Warnw("ari event socket dropped, reconnecting",
				"err", err, "backoff", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (c *Client) wsURL() string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	q := url.Values{}
	q.Set("app", c.cfg.Application)
	q.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	q.Set("subscribeAll", "false")
	return base + "/events?" + q.Encode()
}

func (c *Client) pumpOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("ari events dial: %w", err)
	}
	defer ws.Close()
	c.logger.Infof("ari event stream connected for app %s", c.cfg.Application)

	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("ari events read: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.logger.Debugf("ari: undecodable event: %v", err)
			continue
		}
		select {
		case c.events <- ev:
		default:
			c.logger.Warnf("ari event buffer full, dropping %s", ev.Type)
		}
	}
}

// ==== channel commands ====

// Answer answers a ringing channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.post(ctx, fmt.Sprintf("/channels/%s/answer", url.PathEscape(channelID)), nil)
}

// Hangup ends a channel with the given cause, "normal" by default.
func (c *Client) Hangup(ctx context.Context, channelID, reason string) error {
	q := url.Values{}
	if reason != "" {
		q.Set("reason", reason)
	}
	return c.delete(ctx, fmt.Sprintf("/channels/%s", url.PathEscape(channelID)), q)
}

// ContinueInDialplan returns a channel to the dialplan at the given location.
func (c *Client) ContinueInDialplan(ctx context.Context, channelID, dialCtx, exten string, priority int) error {
	q := url.Values{}
	if dialCtx != "" {
		q.Set("context", dialCtx)
	}
	if exten != "" {
		q.Set("extension", exten)
	}
	if priority > 0 {
		q.Set("priority", strconv.Itoa(priority))
	}
	return c.post(ctx, fmt.Sprintf("/channels/%s/continue", url.PathEscape(channelID)), q)
}

// Redirect performs a blind transfer of the channel to the endpoint. This
// moves the caller's own channel; no intermediate leg is created.
func (c *Client) Redirect(ctx context.Context, channelID, endpoint string) error {
	q := url.Values{}
	q.Set("endpoint", endpoint)
	return c.post(ctx, fmt.Sprintf("/channels/%s/redirect", url.PathEscape(channelID)), q)
}

// OriginateParams describe an outbound call leg.
type OriginateParams struct {
	Endpoint string
	// Extension/Context route the leg into the dialplan when it answers;
	// App routes it into Stasis instead.
	Extension string
	Context   string
	App       string
	AppArgs   string
	CallerID  string
	TimeoutS  int
	Variables map[string]string
	ChannelID string
}

// Originate creates an outbound channel.
func (c *Client) Originate(ctx context.Context, p OriginateParams) (*Channel, error) {
	q := url.Values{}
	q.Set("endpoint", p.Endpoint)
	if p.App != "" {
		q.Set("app", p.App)
		if p.AppArgs != "" {
			q.Set("appArgs", p.AppArgs)
		}
	} else {
		q.Set("extension", p.Extension)
		q.Set("context", p.Context)
	}
	if p.CallerID != "" {
		q.Set("callerId", p.CallerID)
	}
	if p.TimeoutS > 0 {
		q.Set("timeout", strconv.Itoa(p.TimeoutS))
	}
	if p.ChannelID != "" {
		q.Set("channelId", p.ChannelID)
	}

	body := map[string]interface{}{}
	if len(p.Variables) > 0 {
		body["variables"] = p.Variables
	}

	var ch Channel
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(q).
		SetBody(body).
		SetResult(&ch).
		Post("/channels")
	if err != nil {
		return nil, fmt.Errorf("ari originate %s: %w", p.Endpoint, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ari originate %s: status %d: %s", p.Endpoint, resp.StatusCode(), resp.String())
	}
	return &ch, nil
}

// Play starts playback of a media URI on a channel under a caller-chosen
// playback ID. Choosing the ID client-side lets callers subscribe for the
// PlaybackFinished event before the play request is issued.
func (c *Client) Play(ctx context.Context, channelID, playbackID, mediaURI string) error {
	q := url.Values{}
	q.Set("media", mediaURI)

	var pb Playback
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(q).
		SetResult(&pb).
		Post(fmt.Sprintf("/channels/%s/play/%s", url.PathEscape(channelID), url.PathEscape(playbackID)))
	if err != nil {
		return fmt.Errorf("ari play on %s: %w", channelID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("ari play on %s: status %d", channelID, resp.StatusCode())
	}
	return nil
}

// StopPlayback cancels an in-progress playback.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	return c.delete(ctx, fmt.Sprintf("/playbacks/%s", url.PathEscape(playbackID)), nil)
}

// GetVariable reads a channel variable.
func (c *Client) GetVariable(ctx context.Context, channelID, name string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("variable", name).
		SetResult(&out).
		Get(fmt.Sprintf("/channels/%s/variable", url.PathEscape(channelID)))
	if err != nil {
		return "", fmt.Errorf("ari get variable %s: %w", name, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("ari get variable %s: status %d", name, resp.StatusCode())
	}
	return out.Value, nil
}

// SetVariable writes a channel variable.
func (c *Client) SetVariable(ctx context.Context, channelID, name, value string) error {
	q := url.Values{}
	q.Set("variable", name)
	q.Set("value", value)
	return c.post(ctx, fmt.Sprintf("/channels/%s/variable", url.PathEscape(channelID)), q)
}

// ==== bridge commands ====

// CreateBridge creates a mixing bridge.
func (c *Client) CreateBridge(ctx context.Context, bridgeID string) error {
	q := url.Values{}
	q.Set("type", "mixing")
	if bridgeID != "" {
		q.Set("bridgeId", bridgeID)
	}
	return c.post(ctx, "/bridges", q)
}

// AddChannelToBridge joins a channel into a bridge.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{}
	q.Set("channel", channelID)
	return c.post(ctx, fmt.Sprintf("/bridges/%s/addChannel", url.PathEscape(bridgeID)), q)
}

// DestroyBridge tears a bridge down.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.delete(ctx, fmt.Sprintf("/bridges/%s", url.PathEscape(bridgeID)), nil)
}

// ==== helpers ====

func (c *Client) post(ctx context.Context, path string, q url.Values) error {
	req := c.http.R().SetContext(ctx)
	if q != nil {
		req.SetQueryParamsFromValues(q)
	}
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("ari POST %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("ari POST %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

func (c *Client) delete(ctx context.Context, path string, q url.Values) error {
	req := c.http.R().SetContext(ctx)
	if q != nil {
		req.SetQueryParamsFromValues(q)
	}
	resp, err := req.Delete(path)
	if err != nil {
		return fmt.Errorf("ari DELETE %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("ari DELETE %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}
