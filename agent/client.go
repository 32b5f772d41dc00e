package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/calehh/council-relay/discussion"
)

// APIError is a non-2xx answer from the relay.
type APIError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("relay returned %d: %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("relay returned %d %s: %s", e.Status, e.Code, e.Msg)
}

// Client talks to a running relay's query service.
type Client struct {
	Url  string
	http *http.Client
}

func NewClient(relayUrl string) (*Client, error) {
	if _, err := url.Parse(relayUrl); err != nil {
		return nil, err
	}
	return &Client{
		Url:  relayUrl,
		http: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *Client) do(ctx context.Context, method string, body interface{}, out interface{}, elem ...string) error {
	reqUrl, err := url.JoinPath(c.Url, elem...)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		dat, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(dat)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqUrl, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	buf, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode/100 != 2 {
		apiErr := &APIError{Status: res.StatusCode}
		if err := json.Unmarshal(buf, apiErr); err != nil {
			apiErr.Msg = string(buf)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(buf, out)
}

func (c *Client) Tasks(ctx context.Context) (*GetTasksResponse, error) {
	var res GetTasksResponse
	if err := c.do(ctx, http.MethodGet, nil, &res, "tasks"); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Task(ctx context.Context, id uint64) (*TaskDetail, error) {
	var res TaskDetail
	if err := c.do(ctx, http.MethodGet, nil, &res, "tasks", strconv.FormatUint(id, 10)); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) PostMessage(ctx context.Context, id uint64, sender, content, signature string) (*discussion.Message, error) {
	req := PostMessageReq{Content: content, Signature: signature, Sender: sender}
	var msg discussion.Message
	if err := c.do(ctx, http.MethodPost, req, &msg, "tasks", strconv.FormatUint(id, 10), "messages"); err != nil {
		return nil, err
	}
	return &msg, nil
}
