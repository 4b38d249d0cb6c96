// Package orchestrator is the front door for customer requests. It routes
// each request to one specialist handler over the transport, waits for the
// correlated reply and keeps per-conversation history.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/refset/aegis/internal/actions"
	"github.com/refset/aegis/internal/handlers"
	"github.com/refset/aegis/internal/transport"
)

// ErrInvalidRequest is returned for requests without a customer id.
var ErrInvalidRequest = errors.New("invalid request")

type Request struct {
	CustomerID     string `json:"customer_id"`
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id"`
}

type Response struct {
	Text           string            `json:"text"`
	ActionsTaken   []actions.Result  `json:"actions_taken"`
	Attachments    []map[string]any  `json:"attachments"`
	Metadata       map[string]string `json:"metadata"`
	ConversationID string            `json:"conversation_id"`
}

type Options struct {
	// Endpoint receives handler replies.
	Endpoint      string
	Timeout       time.Duration
	SendAttempts  int
	RetryDelay    time.Duration
	HistoryLength int
	// MaxConversations caps how many conversations keep history.
	MaxConversations int
}

type Profiles = handlers.Profiles

type Orchestrator struct {
	tr       transport.Transport
	profiles Profiles
	table    *RoutingTable
	convs    *Conversations
	opts     Options
	logger   *zap.Logger
	sub      transport.Subscription

	mu      sync.Mutex
	pending map[string]chan handlers.Response
}

// New subscribes the orchestrator's reply endpoint. Close releases it.
func New(tr transport.Transport, profiles Profiles, table *RoutingTable, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = "orchestrator"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	o := &Orchestrator{
		tr:       tr,
		profiles: profiles,
		table:    table,
		convs:    NewConversations(opts.HistoryLength, opts.MaxConversations),
		opts:     opts,
		logger:   logger.Named("orchestrator"),
		pending:  make(map[string]chan handlers.Response),
	}
	sub, err := tr.Subscribe(opts.Endpoint, o.onReply)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", opts.Endpoint, err)
	}
	o.sub = sub
	return o, nil
}

func (o *Orchestrator) Close() error {
	return o.sub.Unsubscribe()
}

// Conversations exposes conversation history.
func (o *Orchestrator) Conversations() *Conversations {
	return o.convs
}

func (o *Orchestrator) onReply(_ context.Context, msg transport.Message) error {
	if msg.Type != transport.TypeResponse {
		return nil
	}
	var resp handlers.Response
	if err := msg.Decode(&resp); err != nil {
		return err
	}

	o.mu.Lock()
	ch, ok := o.pending[resp.InReplyTo]
	delete(o.pending, resp.InReplyTo)
	o.mu.Unlock()

	if !ok {
		o.logger.Debug("Dropping late or duplicate reply",
			zap.String("in_reply_to", resp.InReplyTo),
			zap.String("handler", resp.Handler))
		return nil
	}
	ch <- resp
	return nil
}

func (o *Orchestrator) await(id string) chan handlers.Response {
	ch := make(chan handlers.Response, 1)
	o.mu.Lock()
	o.pending[id] = ch
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.pending, id)
	o.mu.Unlock()
}

// Handle serves one inbound request. Routing failures, transport outages and
// handler timeouts produce a degraded response rather than an error; the
// returned error is reserved for invalid requests, store failures and ctx.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Response, error) {
	if req.CustomerID == "" {
		return Response{}, fmt.Errorf("%w: customer_id is required", ErrInvalidRequest)
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	p, err := o.profiles.Get(ctx, req.CustomerID)
	if err != nil {
		return Response{}, fmt.Errorf("load %s: %w", req.CustomerID, err)
	}

	decision, err := o.table.Route(req.Text, p)
	if errors.Is(err, ErrRoutingUnresolved) {
		decision = Decision{Handler: o.table.Fallback(), Rule: "", Reason: "fallback"}
	}
	log := o.logger.With(
		zap.String("customer_id", req.CustomerID),
		zap.String("conversation_id", req.ConversationID),
		zap.String("handler", decision.Handler))
	log.Info("Routed request", zap.String("rule", decision.Rule), zap.String("reason", decision.Reason))

	task := handlers.Task{
		CustomerID:     req.CustomerID,
		Text:           req.Text,
		ConversationID: req.ConversationID,
		History:        o.convs.History(req.ConversationID),
	}
	msg, err := transport.NewMessage(o.opts.Endpoint, decision.Handler, transport.TypeTask, task)
	if err != nil {
		return Response{}, err
	}

	resp := Response{
		ConversationID: req.ConversationID,
		ActionsTaken:   []actions.Result{},
		Attachments:    []map[string]any{},
		Metadata: map[string]string{
			"handler":        decision.Handler,
			"routing_reason": decision.Reason,
			"rule":           decision.Rule,
			"degraded":       "false",
		},
	}

	reply, degraded, err := o.roundTrip(ctx, msg)
	if err != nil {
		return Response{}, err
	}
	if degraded != "" {
		log.Warn("Degraded response", zap.String("cause", degraded))
		resp.Text = "The " + decision.Handler + " specialist is unavailable right now. Please try again in a few minutes."
		resp.Metadata["degraded"] = strconv.FormatBool(true)
		resp.Metadata["degraded_cause"] = degraded
	} else {
		resp.Text = reply.Text
		if reply.ActionsTaken != nil {
			resp.ActionsTaken = reply.ActionsTaken
		}
		if reply.Attachments != nil {
			resp.Attachments = reply.Attachments
		}
		for k, v := range reply.Metadata {
			if _, reserved := resp.Metadata[k]; !reserved {
				resp.Metadata[k] = v
			}
		}
	}

	now := time.Now().UTC()
	o.convs.Append(req.ConversationID,
		handlers.Turn{Role: "customer", Text: req.Text, At: msg.Timestamp},
		handlers.Turn{Role: decision.Handler, Text: resp.Text, At: now})
	return resp, nil
}

// roundTrip sends msg and waits for its reply. A non-empty degraded cause
// means no usable reply arrived. Timeout bounds the send and the wait
// together.
func (o *Orchestrator) roundTrip(ctx context.Context, msg transport.Message) (handlers.Reply, string, error) {
	ch := o.await(msg.ID)
	defer o.forget(msg.ID)

	tctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	if err := o.send(tctx, msg); err != nil {
		if ctx.Err() != nil {
			return handlers.Reply{}, "", ctx.Err()
		}
		if tctx.Err() != nil {
			return handlers.Reply{}, "timeout", nil
		}
		return handlers.Reply{}, "unavailable", nil
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			o.logger.Warn("Handler failed", zap.String("handler", resp.Handler), zap.String("error", resp.Error))
			return handlers.Reply{}, "handler_error", nil
		}
		return resp.Reply, "", nil
	case <-tctx.Done():
		if ctx.Err() != nil {
			return handlers.Reply{}, "", ctx.Err()
		}
		return handlers.Reply{}, "timeout", nil
	}
}

// send retries ErrUnavailable with exponential backoff.
func (o *Orchestrator) send(ctx context.Context, msg transport.Message) error {
	attempts := max(o.opts.SendAttempts, 1)
	delay := o.opts.RetryDelay
	var err error
	for i := 0; i < attempts; i++ {
		if err = o.tr.Send(ctx, msg); err == nil || !errors.Is(err, transport.ErrUnavailable) {
			return err
		}
		o.logger.Warn("Send failed", zap.String("recipient", msg.Recipient), zap.Int("attempt", i+1), zap.Error(err))
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
	return err
}
