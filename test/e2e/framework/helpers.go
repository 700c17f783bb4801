/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package framework

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIClient is a thin JSON client for the service under test.
type APIClient struct {
	base  string
	httpc *http.Client
}

// NewAPIClient builds a client against the service's base URL.
func NewAPIClient(base string) *APIClient {
	return &APIClient{
		base:  strings.TrimRight(base, "/"),
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

// Response is one API exchange: the status code and the raw body.
type Response struct {
	Status int
	Body   []byte
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("decode response body %q: %w", string(r.Body), err)
	}
	return nil
}

// Get issues a GET request.
func (c *APIClient) Get(path string) (*Response, error) {
	return c.do(http.MethodGet, path, nil)
}

// Post issues a POST request with an optional JSON body.
func (c *APIClient) Post(path string, body any) (*Response, error) {
	return c.do(http.MethodPost, path, body)
}

// Put issues a PUT request with a JSON body.
func (c *APIClient) Put(path string, body any) (*Response, error) {
	return c.do(http.MethodPut, path, body)
}

// Delete issues a DELETE request.
func (c *APIClient) Delete(path string) (*Response, error) {
	return c.do(http.MethodDelete, path, nil)
}

func (c *APIClient) do(method, path string, body any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{Status: resp.StatusCode, Body: data}, nil
}

// LinesMatching filters lines to those containing substr.
func LinesMatching(lines []string, substr string) []string {
	var out []string
	for _, line := range lines {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return out
}
