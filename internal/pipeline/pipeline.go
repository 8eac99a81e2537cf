// Package pipeline runs an ordered chain of request interceptors where
// control flow is a returned value, not an implicit callback. A stage
// returns Continue to pass the request on, Terminate to answer immediately,
// or Fail to hand the error to the chain's error boundary. Forgetting to
// advance the chain is therefore unrepresentable.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Identity is populated by an authentication stage once a bearer token has
// been verified. Later stages read it; nothing else writes it.
type Identity struct {
	Subject string
	Role    string
	TokenID string
}

// Request is the per-request state shared by stages of one chain run.
// It is owned by that single run and never crosses requests.
type Request struct {
	HTTP     *http.Request
	Identity *Identity

	terminated bool
}

// Terminated reports whether a response has already been decided.
func (r *Request) Terminated() bool { return r.terminated }

// Response is what a chain run produces.
type Response struct {
	Status  int
	Body    any
	Cookies []*http.Cookie
}

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeTerminate
	outcomeFail
)

// Outcome is the value a stage returns to steer the chain.
type Outcome struct {
	kind outcomeKind
	resp Response
	err  error
}

func Continue() Outcome { return Outcome{kind: outcomeContinue} }

func Terminate(status int, body any) Outcome {
	return Outcome{kind: outcomeTerminate, resp: Response{Status: status, Body: body}}
}

// TerminateWith answers with a full response, cookies included.
func TerminateWith(resp Response) Outcome {
	return Outcome{kind: outcomeTerminate, resp: resp}
}

func Fail(err error) Outcome {
	if err == nil {
		err = errors.New("pipeline: stage failed without error")
	}
	return Outcome{kind: outcomeFail, err: err}
}

// StageFunc observes and may mutate the shared Request, then reports how the
// chain proceeds. Blocking work must respect ctx.
type StageFunc func(ctx context.Context, req *Request) Outcome

// Kind classifies stages so the builder can enforce ordering contracts.
type Kind int

const (
	KindGeneric Kind = iota
	KindAuthenticate
	KindAuthorize
	KindHandler
)

type Stage struct {
	Name string
	Kind Kind
	Run  StageFunc
}

// ErrorHandler is the chain's error boundary. It runs exactly once per
// failed request, last, and turns the error into a response.
type ErrorHandler func(ctx context.Context, req *Request, err error) Response

// Builder assembles a Chain. Stages execute in the order they were added;
// the handler added via Handle is always last.
type Builder struct {
	stages   []Stage
	handler  *Stage
	boundary ErrorHandler
}

func New() *Builder { return &Builder{} }

func (b *Builder) Use(s Stage) *Builder {
	b.stages = append(b.stages, s)
	return b
}

// Handle sets the terminal route handler stage.
func (b *Builder) Handle(name string, fn StageFunc) *Builder {
	b.handler = &Stage{Name: name, Kind: KindHandler, Run: fn}
	return b
}

// OnError installs the error boundary. Without one, failures collapse to a
// generic 500.
func (b *Builder) OnError(h ErrorHandler) *Builder {
	b.boundary = h
	return b
}

// Build validates the registration order. An authorization stage without a
// preceding authentication stage is a wiring bug, caught here instead of in
// production traffic.
func (b *Builder) Build() (*Chain, error) {
	if b.handler == nil {
		return nil, errors.New("pipeline: chain has no handler stage")
	}
	authenticated := false
	for _, s := range b.stages {
		switch s.Kind {
		case KindAuthenticate:
			authenticated = true
		case KindAuthorize:
			if !authenticated {
				return nil, fmt.Errorf("pipeline: authorization stage %q registered before any authentication stage", s.Name)
			}
		case KindHandler:
			return nil, fmt.Errorf("pipeline: handler stage %q must be set via Handle", s.Name)
		}
	}
	boundary := b.boundary
	if boundary == nil {
		boundary = defaultBoundary
	}
	stages := make([]Stage, 0, len(b.stages)+1)
	stages = append(stages, b.stages...)
	stages = append(stages, *b.handler)
	return &Chain{stages: stages, boundary: boundary}, nil
}

// Chain is an immutable, reusable stage sequence. Run may be invoked for any
// number of requests; each run gets its own Request.
type Chain struct {
	stages   []Stage
	boundary ErrorHandler
}

// Run executes the stages in order and returns the response to write.
// Cancellation is checked between stages: a dead client stops the chain
// before the next side effect, not after.
func (c *Chain) Run(ctx context.Context, req *Request) Response {
	for _, s := range c.stages {
		if err := ctx.Err(); err != nil {
			return c.fail(ctx, req, err)
		}
		out := s.Run(ctx, req)
		switch out.kind {
		case outcomeContinue:
			continue
		case outcomeTerminate:
			req.terminated = true
			return out.resp
		case outcomeFail:
			return c.fail(ctx, req, out.err)
		}
	}
	// The handler stage returned Continue; there is nothing left to run.
	return c.fail(ctx, req, errors.New("pipeline: handler produced no response"))
}

func (c *Chain) fail(ctx context.Context, req *Request, err error) Response {
	resp := c.boundary(ctx, req, err)
	req.terminated = true
	return resp
}

func defaultBoundary(_ context.Context, _ *Request, _ error) Response {
	return Response{Status: http.StatusInternalServerError, Body: map[string]string{"error": "internal"}}
}
