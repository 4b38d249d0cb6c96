// Package handlers holds the specialist handlers the orchestrator routes
// requests to, and the worker loop that serves them over a transport.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/refset/aegis/internal/actions"
	"github.com/refset/aegis/internal/customer"
	"github.com/refset/aegis/internal/transport"
)

// Endpoint names of the specialist handlers.
const (
	OnboardingEndpoint      = "onboarding"
	QueryResolutionEndpoint = "query_resolution"
	FeedbackEndpoint        = "feedback"
	BillingEndpoint         = "billing"
	GrowthEndpoint          = "growth"
)

// Turn is one entry of a conversation history.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Task is the payload of a task message.
type Task struct {
	CustomerID     string `json:"customer_id"`
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id"`
	History        []Turn `json:"history,omitempty"`
}

type Reply struct {
	Text         string            `json:"text"`
	ActionsTaken []actions.Result  `json:"actions_taken"`
	Attachments  []map[string]any  `json:"attachments"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (r *Reply) record(res actions.Result) {
	r.ActionsTaken = append(r.ActionsTaken, res)
}

func (r *Reply) attach(a map[string]any) {
	r.Attachments = append(r.Attachments, a)
}

// Response is the payload of a response message. InReplyTo carries the id
// of the task message it answers.
type Response struct {
	InReplyTo string `json:"in_reply_to"`
	Handler   string `json:"handler"`
	Reply     Reply  `json:"reply"`
	Error     string `json:"error,omitempty"`
}

// Handler serves one kind of customer request.
type Handler interface {
	Name() string
	Handle(ctx context.Context, task Task) (Reply, error)
}

// Executor runs actions on behalf of a handler.
type Executor interface {
	Start(ctx context.Context, action actions.Action, customerID string) (actions.Result, error)
}

// Profiles reads customer state.
type Profiles interface {
	Get(ctx context.Context, customerID string) (customer.Profile, error)
}

// Serve subscribes h on its endpoint and answers every task message with a
// response message to the sender until ctx is done. Each task runs under
// its own timeout so an abandoned request cannot keep a handler busy.
func Serve(ctx context.Context, tr transport.Transport, h Handler, timeout time.Duration, logger *zap.Logger) error {
	log := logger.Named("handler").With(zap.String("handler", h.Name()))

	sub, err := tr.Subscribe(h.Name(), func(_ context.Context, msg transport.Message) error {
		if msg.Type != transport.TypeTask {
			log.Debug("Ignoring non-task message", zap.String("id", msg.ID), zap.String("type", string(msg.Type)))
			return nil
		}
		return handleTask(ctx, tr, h, timeout, log, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", h.Name(), err)
	}
	log.Info("Handler serving")

	<-ctx.Done()
	return sub.Unsubscribe()
}

func handleTask(ctx context.Context, tr transport.Transport, h Handler, timeout time.Duration, log *zap.Logger, msg transport.Message) error {
	resp := Response{InReplyTo: msg.ID, Handler: h.Name()}

	var task Task
	if err := msg.Decode(&task); err != nil {
		resp.Error = err.Error()
	} else {
		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		reply, err := h.Handle(taskCtx, task)
		cancel()
		if err != nil {
			log.Warn("Task failed",
				zap.String("id", msg.ID),
				zap.String("customer_id", task.CustomerID),
				zap.Error(err))
			resp.Error = err.Error()
		} else {
			resp.Reply = reply
		}
		log.Debug("Task handled",
			zap.String("id", msg.ID),
			zap.String("customer_id", task.CustomerID),
			zap.Duration("took", time.Since(start)))
	}

	out, err := transport.NewMessage(h.Name(), msg.Sender, transport.TypeResponse, resp)
	if err != nil {
		return err
	}
	if err := tr.Send(ctx, out); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("reply to %s: %w", msg.ID, err)
	}
	return nil
}

// contains reports whether text contains any of the phrases.
func contains(text string, phrases ...string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// run starts action and records its result on r. It returns false when the
// action did not take effect.
func run(ctx context.Context, ex Executor, r *Reply, customerID string, action actions.Action) (actions.Result, bool, error) {
	res, err := ex.Start(ctx, action, customerID)
	if err != nil {
		return actions.Result{}, false, err
	}
	r.record(res)
	return res, res.OK(), nil
}
