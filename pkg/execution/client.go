// Package execution sends a tab's source to a remote code execution service
// speaking the piston API and reports what came back.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/astromechza/snowcode/pkg/lang"
)

// DefaultBaseURL is the public piston deployment.
const DefaultBaseURL = "https://emkc.org/api/v2/piston"

// ErrNoRuntime is returned when no runtime matches the requested language.
var ErrNoRuntime = errors.New("no runtime found")

type Runtime struct {
	Language string   `json:"language"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases,omitempty"`
}

type File struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type Request struct {
	Language string `json:"language"`
	Version  string `json:"version"`
	Files    []File `json:"files"`
}

type Output struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Code   *int   `json:"code"`
	Output string `json:"output"`
}

// Result is either a run or an error envelope, never both.
type Result struct {
	Run     *Output `json:"run,omitempty"`
	Error   bool    `json:"error,omitempty"`
	Message string  `json:"message,omitempty"`
}

func errorResult(err error) Result {
	return Result{Error: true, Message: err.Error()}
}

type Client struct {
	base *url.URL
	hc   *http.Client
	log  *slog.Logger
}

// NewClient builds a client for the service at base. A nil hc uses
// http.DefaultClient.
func NewClient(base string, hc *http.Client, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{base: u, hc: hc, log: logger}, nil
}

// gatewayError carries the service's own message when it sent one.
type gatewayError struct {
	status  int
	message string
}

func (e *gatewayError) Error() string {
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("unexpected status code: %d", e.status)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &envelope)
		return &gatewayError{status: resp.StatusCode, message: envelope.Message}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Runtimes lists what the service can run.
func (c *Client) Runtimes(ctx context.Context) ([]Runtime, error) {
	var out []Runtime
	if err := c.do(ctx, http.MethodGet, "runtimes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Execute posts one execution request.
func (c *Client) Execute(ctx context.Context, req Request) (Result, error) {
	var out Result
	if err := c.do(ctx, http.MethodPost, "execute", req, &out); err != nil {
		return Result{}, err
	}
	if out.Run == nil && out.Message != "" {
		out.Error = true
	}
	return out, nil
}

// Resolve finds the runtime whose language or aliases match language.
func Resolve(runtimes []Runtime, language string) (Runtime, error) {
	for _, rt := range runtimes {
		if rt.Language == language {
			return rt, nil
		}
		for _, alias := range rt.Aliases {
			if alias == language {
				return rt, nil
			}
		}
	}
	return Runtime{}, fmt.Errorf("%w for language: %s", ErrNoRuntime, language)
}

// Run resolves language and executes source as a single file. Failures are
// reported inside the result and never retried.
func (c *Client) Run(ctx context.Context, language, source string) Result {
	runtimes, err := c.Runtimes(ctx)
	if err != nil {
		c.log.Warn("failed to list runtimes", "err", err)
		return errorResult(err)
	}
	rt, err := Resolve(runtimes, language)
	if err != nil {
		return errorResult(err)
	}
	res, err := c.Execute(ctx, Request{
		Language: rt.Language,
		Version:  rt.Version,
		Files:    []File{{Name: "main." + lang.Extension(language), Content: source}},
	})
	if err != nil {
		c.log.Warn("failed to execute", "language", rt.Language, "err", err)
		return errorResult(err)
	}
	return res
}
