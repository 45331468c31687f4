// Package api is the HTTP interface of the diffusion server: request and
// response types plus a Go client.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"

	"github.com/jmorganca/diffusion/envconfig"
	"github.com/jmorganca/diffusion/version"
)

type Client struct {
	base *url.URL
	http *http.Client
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{base: base, http: http}
}

// ClientFromEnvironment connects to the server at DIFFUSION_HOST.
func ClientFromEnvironment() (*Client, error) {
	h, err := envconfig.GetHost()
	if err != nil {
		return nil, err
	}

	return NewClient(&url.URL{Scheme: h.Scheme, Host: h.String()}, http.DefaultClient), nil
}

type options struct {
	requestBody io.Reader
	eventFunc   func(event string, data []byte) error
}

func OptionRequestBody(data any) func(*options) {
	bts, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}

	return func(opts *options) {
		opts.requestBody = bytes.NewReader(bts)
	}
}

func OptionEventFunc(fn func(event string, data []byte) error) func(*options) {
	return func(opts *options) {
		opts.eventFunc = fn
	}
}

func (c *Client) do(ctx context.Context, method, path string, fns ...func(*options)) (*http.Response, error) {
	var opts options
	for _, fn := range fns {
		fn(&opts)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), opts.requestBody)
	if err != nil {
		return nil, err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json, text/event-stream")
	request.Header.Set("User-Agent", fmt.Sprintf("diffusion/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))

	response, err := c.http.Do(request)
	if err != nil {
		return nil, err
	}

	if response.StatusCode >= http.StatusBadRequest {
		defer response.Body.Close()
		bts, _ := io.ReadAll(response.Body)

		var errorResponse ErrorResponse
		if err := json.Unmarshal(bts, &errorResponse); err != nil || errorResponse.Message == "" {
			errorResponse.Message = strings.TrimSpace(string(bts))
		}

		return nil, StatusError{StatusCode: response.StatusCode, Status: response.Status, ErrorMessage: errorResponse.Message}
	}

	return response, nil
}

func (c *Client) stream(ctx context.Context, method, path string, fns ...func(*options)) error {
	var opts options
	for _, fn := range fns {
		fn(&opts)
	}

	response, err := c.do(ctx, method, path, fns...)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 512*1024), 64*1024*1024)

	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 && opts.eventFunc != nil {
				if err := opts.eventFunc(event, data.Bytes()); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	// flush an event not terminated by a blank line
	if data.Len() > 0 && opts.eventFunc != nil {
		return opts.eventFunc(event, data.Bytes())
	}
	return nil
}

func eventError(data []byte) error {
	var e ErrorResponse
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	return e
}

type ProgressFunc func(ProgressResponse) error

// Generate runs one generation. With a nil fn the server answers with a
// single JSON document; otherwise fn receives every step.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest, fn ProgressFunc) (*GenerateResponse, error) {
	stream := fn != nil
	r := *req
	r.Stream = &stream

	if !stream {
		response, err := c.do(ctx, http.MethodPost, "/api/generate", OptionRequestBody(r))
		if err != nil {
			return nil, err
		}
		defer response.Body.Close()

		var resp GenerateResponse
		if err := json.NewDecoder(response.Body).Decode(&resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}

	var resp *GenerateResponse
	err := c.stream(ctx, http.MethodPost, "/api/generate",
		OptionRequestBody(r),
		OptionEventFunc(func(event string, data []byte) error {
			switch event {
			case EventProgress:
				var p ProgressResponse
				if err := json.Unmarshal(data, &p); err != nil {
					return err
				}
				return fn(p)
			case EventResult:
				resp = &GenerateResponse{}
				return json.Unmarshal(data, resp)
			case EventError:
				return eventError(data)
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	if resp == nil {
		return nil, fmt.Errorf("generate: stream ended without a result")
	}
	return resp, nil
}

type BatchResponseFunc func(BatchResponse) error

// Batch runs a sweep. Results arrive in combination order; a failed
// combination is reported through BatchResponse.Error. progress may be nil.
func (c *Client) Batch(ctx context.Context, req *BatchRequest, fn BatchResponseFunc, progress ProgressFunc) error {
	return c.stream(ctx, http.MethodPost, "/api/batch",
		OptionRequestBody(req),
		OptionEventFunc(func(event string, data []byte) error {
			switch event {
			case EventProgress:
				if progress == nil {
					return nil
				}

				var p ProgressResponse
				if err := json.Unmarshal(data, &p); err != nil {
					return err
				}
				return progress(p)
			case EventResult:
				var resp BatchResponse
				if err := json.Unmarshal(data, &resp); err != nil {
					return err
				}
				return fn(resp)
			case EventError:
				return eventError(data)
			}
			return nil
		}),
	)
}

func (c *Client) Schedulers(ctx context.Context) (*SchedulersResponse, error) {
	response, err := c.do(ctx, http.MethodGet, "/api/schedulers")
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	var resp SchedulersResponse
	if err := json.NewDecoder(response.Body).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat checks that the server is reachable.
func (c *Client) Heartbeat(ctx context.Context) error {
	response, err := c.do(ctx, http.MethodHead, "/")
	if err != nil {
		return err
	}
	return response.Body.Close()
}
