// Package remote implements [inference.Engine] and [prompt.Provider] against
// an inference server speaking CBOR tensor envelopes over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"

	"github.com/jmorganca/diffusion/inference"
	"github.com/jmorganca/diffusion/prompt"
	"github.com/jmorganca/diffusion/tensor"
	"github.com/jmorganca/diffusion/version"
)

const (
	contentTypeCBOR = "application/cbor"
	contentTypeJSON = "application/json"

	PromptEmbeds       = "prompt_embeds"
	PooledPromptEmbeds = "pooled_prompt_embeds"
)

type Client struct {
	base *url.URL
	http *http.Client
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{
		base: base,
		http: http,
	}
}

// errorResponse is the body the server returns on failure. Tensor names the
// input or output the failure is attributed to, when known.
type errorResponse struct {
	Error  string `json:"error"`
	Tensor string `json:"tensor,omitempty"`
}

func checkError(model inference.ModelType, resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		e.Error = string(bytes.TrimSpace(body))
		if e.Error == "" {
			e.Error = resp.Status
		}
	}

	return &inference.Error{
		Model:  model,
		Tensor: e.Tensor,
		Err:    fmt.Errorf("%s: %s", resp.Status, e.Error),
	}
}

func (c *Client) do(ctx context.Context, model inference.ModelType, path, contentType string, body []byte) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(path).String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	request.Header.Set("Content-Type", contentType)
	request.Header.Set("Accept", contentTypeCBOR)
	request.Header.Set("User-Agent", fmt.Sprintf("diffusion/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))

	response, err := c.http.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	respBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	if err := checkError(model, response, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// Run sends inputs to the server's run endpoint for model and decodes the
// returned tensors.
func (c *Client) Run(ctx context.Context, model inference.ModelType, inputs inference.Tensors) (inference.Tensors, error) {
	body, err := tensor.Marshal(inputs, tensor.F32)
	if err != nil {
		return nil, &inference.Error{Model: model, Err: err}
	}

	respBody, err := c.do(ctx, model, "/v1/run/"+model.String(), contentTypeCBOR, body)
	if err != nil {
		return nil, err
	}

	outputs, err := tensor.Unmarshal(respBody)
	if err != nil {
		return nil, &inference.Error{Model: model, Err: err}
	}

	return outputs, nil
}

// Embeddings asks the server to encode a prompt.
func (c *Client) Embeddings(ctx context.Context, req prompt.Request) (*prompt.Embeddings, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	respBody, err := c.do(ctx, inference.TextEncoder, "/v1/embed", contentTypeJSON, body)
	if err != nil {
		return nil, err
	}

	ts, err := tensor.Unmarshal(respBody)
	if err != nil {
		return nil, &inference.Error{Model: inference.TextEncoder, Err: err}
	}

	e := &prompt.Embeddings{Prompt: ts[PromptEmbeds], Pooled: ts[PooledPromptEmbeds]}
	if e.Prompt == nil {
		return nil, &inference.Error{Model: inference.TextEncoder, Tensor: PromptEmbeds, Err: inference.ErrMissingTensor}
	}

	if err := e.Validate(req); err != nil {
		return nil, &inference.Error{Model: inference.TextEncoder, Err: err}
	}

	return e, nil
}
