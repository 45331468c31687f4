package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	base, err := url.Parse(ts.URL)
	require.NoError(t, err)
	return NewClient(base, ts.Client())
}

func TestClientFromEnvironment(t *testing.T) {
	type testCase struct {
		value  string
		expect string
	}

	testCases := map[string]*testCase{
		"empty":                     {value: "", expect: "http://127.0.0.1:7860"},
		"only address":              {value: "1.2.3.4", expect: "http://1.2.3.4:7860"},
		"address and port":          {value: "1.2.3.4:1234", expect: "http://1.2.3.4:1234"},
		"scheme, address, and port": {value: "https://1.2.3.4:1234", expect: "https://1.2.3.4:1234"},
		"hostname":                  {value: "example.com", expect: "http://example.com:7860"},
	}

	for k, v := range testCases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("DIFFUSION_HOST", v.value)

			client, err := ClientFromEnvironment()
			require.NoError(t, err)
			assert.Equal(t, v.expect, client.base.String())
		})
	}
}

func TestClientStream(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.True(t, strings.HasPrefix(r.UserAgent(), "diffusion/"))

		var req GenerateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream != nil && *req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event:progress\ndata:{\"step\":1,\"total\":2,\"timestep\":999}\n\n")
		fmt.Fprint(w, ": comment\n\n")
		fmt.Fprint(w, "event: progress\ndata: {\"step\":2,\n")
		fmt.Fprint(w, "data: \"total\":2}\n\n")
		fmt.Fprint(w, "event:result\ndata:{\"session\":\"abc\",\"steps\":2,\"image\":\"iVBORw==\"}")
	})

	var steps []int
	resp, err := client.Generate(context.Background(), &GenerateRequest{Model: "sd", Prompt: "cat"}, func(p ProgressResponse) error {
		steps = append(steps, p.Step)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, steps)
	assert.Equal(t, "abc", resp.Session)
	assert.Equal(t, ImageData{0x89, 'P', 'N', 'G'}, resp.Image)
}

func TestClientStreamStop(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		for i := range 5 {
			fmt.Fprintf(w, "event:progress\ndata:{\"step\":%d}\n\n", i+1)
		}
	})

	errStop := fmt.Errorf("stop")
	var n int
	_, err := client.Generate(context.Background(), &GenerateRequest{}, func(ProgressResponse) error {
		n++
		if n == 2 {
			return errStop
		}
		return nil
	})
	require.ErrorIs(t, err, errStop)
	assert.Equal(t, 2, n)
}

func TestClientStreamWithoutResult(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event:progress\ndata:{\"step\":1}\n\n")
	})

	_, err := client.Generate(context.Background(), &GenerateRequest{}, func(ProgressResponse) error { return nil })
	require.ErrorContains(t, err, "without a result")
}

func TestClientErrors(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		body   string
		want   StatusError
	}{
		{
			name:   "json error",
			status: http.StatusNotFound,
			body:   `{"error":"model not found: sd"}`,
			want:   StatusError{StatusCode: http.StatusNotFound, Status: "404 Not Found", ErrorMessage: "model not found: sd"},
		},
		{
			name:   "plain text",
			status: http.StatusBadGateway,
			body:   "upstream unavailable\n",
			want:   StatusError{StatusCode: http.StatusBadGateway, Status: "502 Bad Gateway", ErrorMessage: "upstream unavailable"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			})

			_, err := client.Generate(context.Background(), &GenerateRequest{}, nil)
			var se StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.want, se)
			assert.Equal(t, tc.want.Status+": "+tc.want.ErrorMessage, err.Error())
		})
	}
}

func TestBatchEvents(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/batch", r.URL.Path)
		fmt.Fprint(w, "event:progress\ndata:{\"index\":0,\"step\":1}\n\n")
		fmt.Fprint(w, "event:result\ndata:{\"index\":0,\"error\":\"boom\"}\n\n")
		fmt.Fprint(w, "event:error\ndata:{\"error\":\"engine unavailable\"}\n\n")
	})

	var results []BatchResponse
	err := client.Batch(context.Background(), &BatchRequest{Policy: "continue"}, func(r BatchResponse) error {
		results = append(results, r)
		return nil
	}, nil)

	require.EqualError(t, err, "engine unavailable")
	require.Len(t, results, 1)
	assert.Equal(t, "boom", results[0].Error)
}

func TestStatusErrorFallback(t *testing.T) {
	assert.Equal(t, "500 internal server error", StatusError{StatusCode: 500}.Error())
}
