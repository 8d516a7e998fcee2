package media

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// apiResponse 流媒体管理 API 响应包络
type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client talks to a media node's management API. The node itself is an
// external collaborator; the registry only needs to fetch node config when
// a node first reports in and to create/tear down pull proxies when an
// admin mutates a stream-proxy record.
type Client struct {
	httpClient *resty.Client
	secret     string
	logger     *zap.Logger
}

func NewClient(baseURL, secret string, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: client,
		secret:     secret,
		logger:     logger,
	}
}

// GetServerConfig fetches the node's flat config map. Called when a node
// reports in so its record carries the ports/versions an operator needs.
func (c *Client) GetServerConfig(ctx context.Context) (map[string]string, error) {
	var out apiResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("secret", c.secret).
		SetResult(&out).
		Get("/index/api/getServerConfig")
	if err != nil {
		return nil, fmt.Errorf("getServerConfig: %w", err)
	}
	if resp.IsError() || out.Code != 0 {
		return nil, fmt.Errorf("getServerConfig: status=%s code=%d msg=%s", resp.Status(), out.Code, out.Msg)
	}

	// the API returns an array with one config object per process
	var configs []map[string]any
	if err := json.Unmarshal(out.Data, &configs); err != nil || len(configs) == 0 {
		return nil, fmt.Errorf("getServerConfig: unexpected payload")
	}
	flat := make(map[string]string, len(configs[0]))
	for k, v := range configs[0] {
		flat[k] = fmt.Sprintf("%v", v)
	}
	return flat, nil
}

// AddStreamProxy asks the node to start pulling url as app/stream and
// returns the proxy key the node issues. The key is the stream record's
// secondary key: it rotates whenever the proxy is recreated.
func (c *Client) AddStreamProxy(ctx context.Context, app, stream, url, rtpType string) (string, error) {
	var out apiResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"secret":   c.secret,
			"app":      app,
			"stream":   stream,
			"url":      url,
			"rtp_type": rtpType,
		}).
		SetResult(&out).
		Get("/index/api/addStreamProxy")
	if err != nil {
		return "", fmt.Errorf("addStreamProxy: %w", err)
	}
	if resp.IsError() || out.Code != 0 {
		return "", fmt.Errorf("addStreamProxy: status=%s code=%d msg=%s", resp.Status(), out.Code, out.Msg)
	}

	var data struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(out.Data, &data); err != nil || data.Key == "" {
		return "", fmt.Errorf("addStreamProxy: missing proxy key in response")
	}

	c.logger.Debug("stream proxy created",
		zap.String("app", app),
		zap.String("stream", stream),
		zap.String("key", data.Key),
	)
	return data.Key, nil
}

// DelStreamProxy tears down a pull proxy by its key. A key the node no
// longer knows is not an error; admin deletes must stay idempotent.
func (c *Client) DelStreamProxy(ctx context.Context, key string) error {
	var out apiResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"secret": c.secret,
			"key":    key,
		}).
		SetResult(&out).
		Get("/index/api/delStreamProxy")
	if err != nil {
		return fmt.Errorf("delStreamProxy: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("delStreamProxy: status=%s", resp.Status())
	}
	if out.Code != 0 {
		c.logger.Debug("delStreamProxy returned non-zero code",
			zap.String("key", key),
			zap.Int("code", out.Code),
			zap.String("msg", out.Msg),
		)
	}
	return nil
}
