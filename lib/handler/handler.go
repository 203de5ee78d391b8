// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sealbus-foundation/sealbus/lib/clock"
	"github.com/sealbus-foundation/sealbus/lib/envelope"
	"github.com/sealbus-foundation/sealbus/lib/fsm"
	"github.com/sealbus-foundation/sealbus/lib/scriptgate"
	"github.com/sealbus-foundation/sealbus/messaging"
)

const busyError = "System busy"

// EventSink receives handler lifecycle and state-change events.
// *service.Registry satisfies it.
type EventSink interface {
	Emit(ctx context.Context, eventType string, data map[string]any) int
}

// Config assembles a Handler. Name, Bus, and Gate are required.
type Config struct {
	// Name identifies the handler as both a service name and the
	// Source field of every envelope it publishes.
	Name string

	Bus  messaging.Bus
	Gate *scriptgate.Gate

	// Queue is the broker queue the handler consumes, bound to
	// Pattern on the topic exchange.
	Queue   string
	Pattern string

	// ResultKey and ErrorKey are the routing keys for success and
	// failure responses.
	ResultKey string
	ErrorKey  string

	// Events, when set, receives "state_change" events for every
	// state machine transition.
	Events EventSink

	// BlockingConsume makes Start run the bus delivery loop on the
	// calling goroutine instead of a background one.
	BlockingConsume bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Handler executes commands arriving on its queue through the script
// gate, one at a time. It implements service.Service.
type Handler struct {
	name      string
	bus       messaging.Bus
	gate      *scriptgate.Gate
	queue     string
	pattern   string
	resultKey string
	errorKey  string
	events    EventSink
	blocking  bool
	clock     clock.Clock
	logger    *slog.Logger

	// mu guards the state machine against broker over-delivery and
	// the last-response snapshots.
	mu           sync.Mutex
	machine      *fsm.Machine
	lastResponse *envelope.Response
	lastError    *envelope.Response
}

// New builds a Handler from config, applying queue and routing
// defaults.
func New(config Config) (*Handler, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("handler requires a name")
	}
	if config.Bus == nil {
		return nil, fmt.Errorf("handler %q requires a bus", config.Name)
	}
	if config.Gate == nil {
		return nil, fmt.Errorf("handler %q requires a script gate", config.Name)
	}
	if config.Queue == "" {
		config.Queue = "tpm_worker"
	}
	if config.Pattern == "" {
		config.Pattern = "tpm.command.#"
	}
	if config.ResultKey == "" {
		config.ResultKey = "tpm.result"
	}
	if config.ErrorKey == "" {
		config.ErrorKey = "tpm.error"
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Handler{
		name:      config.Name,
		bus:       config.Bus,
		gate:      config.Gate,
		queue:     config.Queue,
		pattern:   config.Pattern,
		resultKey: config.ResultKey,
		errorKey:  config.ErrorKey,
		events:    config.Events,
		blocking:  config.BlockingConsume,
		clock:     config.Clock,
		logger:    config.Logger.With("handler", config.Name),
	}, nil
}

// Name implements service.Service.
func (h *Handler) Name() string { return h.name }

// Start subscribes the handler's queue and begins consuming. With
// BlockingConsume set it runs the delivery loop on the calling
// goroutine and returns when the loop ends.
func (h *Handler) Start(ctx context.Context) error {
	if err := h.bus.Subscribe(h.queue, h.Handle, h.pattern); err != nil {
		return fmt.Errorf("subscribing %s to %s: %w", h.queue, h.pattern, err)
	}
	h.logger.Info("handler started",
		"queue", h.queue,
		"pattern", h.pattern)
	if h.blocking {
		return h.bus.Consume(ctx)
	}
	h.bus.Start(ctx)
	return nil
}

// Stop halts future deliveries. A command already in flight runs to
// completion and its response is still published.
func (h *Handler) Stop(ctx context.Context) error {
	h.bus.Stop()
	h.logger.Info("handler stopped")
	return nil
}

// State returns the current state machine state.
func (h *Handler) State() fsm.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.machineLocked().State()
}

// LastResponse returns the most recent successful response, if any.
func (h *Handler) LastResponse() *envelope.Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastResponse
}

// LastError returns the most recent error response, if any.
func (h *Handler) LastError() *envelope.Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

func (h *Handler) machineLocked() *fsm.Machine {
	if h.machine == nil {
		h.machine = fsm.New()
	}
	return h.machine
}

// Handle processes one verified delivery. It is the bus callback: a
// non-nil return rejects the message without requeue, which is
// reserved for bodies that cannot possibly be processed. Everything
// else, including execution failure, is answered with a response
// envelope and acknowledged.
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	message, err := envelope.Decode(body)
	if err != nil {
		return fmt.Errorf("handler %s: %w", h.name, err)
	}
	command, ok := message.(*envelope.Command)
	if !ok {
		return fmt.Errorf("handler %s: %s envelope on command queue",
			h.name, message.EnvelopeHeader().Kind)
	}
	if command.Target != "" && command.Target != h.name {
		h.logger.Debug("ignoring command for another target",
			"command", command.Command,
			"target", command.Target)
		return nil
	}

	if !h.begin(command) {
		h.logger.Warn("rejecting overlapping command",
			"command", command.Command,
			"id", command.ID)
		h.respond(ctx, command, h.errorKey, &envelope.Response{
			Error: busyError,
		})
		return nil
	}
	defer h.finish()

	// Panics below this point, from the gate, serialization, or an
	// event listener, become error envelopes. Letting one propagate
	// would nack the delivery and invite a redelivery storm.
	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Error("command execution panicked",
				"command", command.Command,
				"panic", fmt.Sprint(recovered))
			h.respond(ctx, command, h.errorKey, &envelope.Response{
				Error: fmt.Sprintf("internal error: %v", recovered),
			})
		}
	}()
	h.execute(ctx, command)
	return nil
}

// begin attempts the idle to processing transition. False means the
// handler is busy and the command must be refused without touching
// state.
func (h *Handler) begin(command *envelope.Command) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	machine := h.machineLocked()
	previous := machine.State()
	if !machine.Transition(fsm.Processing, map[string]any{
		"command": command.Command,
		"id":      command.ID,
	}) {
		return false
	}
	h.emitStateChange(previous, fsm.Processing)
	return true
}

// finish unconditionally resets the state machine to idle.
func (h *Handler) finish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	previous := h.machineLocked().State()
	h.machineLocked().Reset()
	h.emitStateChange(previous, fsm.Idle)
}

// execute runs the gate and publishes the outcome.
func (h *Handler) execute(ctx context.Context, command *envelope.Command) {
	h.logger.Info("executing command",
		"command", command.Command,
		"args", len(command.Args),
		"id", command.ID)

	result := h.gate.Execute(ctx, command.Command, command.Args)
	if result.Success {
		h.transition(fsm.Completed, result.Fields())
		h.respond(ctx, command, h.resultKey, &envelope.Response{
			Success: true,
			Result:  result.Fields(),
		})
		return
	}
	h.transition(fsm.Failed, result.Fields())
	h.respond(ctx, command, h.errorKey, &envelope.Response{
		Result: result.Fields(),
		Error:  result.Error,
	})
}

func (h *Handler) transition(next fsm.State, metadata map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	previous := h.machineLocked().State()
	if h.machineLocked().Transition(next, metadata) {
		h.emitStateChange(previous, next)
	}
}

// emitStateChange notifies the event sink. Callers hold h.mu; the sink
// must not call back into the handler.
func (h *Handler) emitStateChange(from, to fsm.State) {
	if h.events == nil {
		return
	}
	h.events.Emit(context.Background(), "state_change", map[string]any{
		"service":   h.name,
		"old_state": string(from),
		"new_state": string(to),
	})
}

// respond fills in the response header, records the snapshot, and
// publishes on the given routing key. Publish failures are logged, not
// returned: the command was handled, only the notification was lost.
func (h *Handler) respond(ctx context.Context, command *envelope.Command, routingKey string, response *envelope.Response) {
	response.Header = envelope.NewHeader(envelope.KindResponse, h.name, h.clock)
	response.CorrelationID = command.CorrelationID
	if response.CorrelationID == "" {
		response.CorrelationID = command.ID
	}

	h.mu.Lock()
	if response.Success {
		h.lastResponse = response
	} else {
		h.lastError = response
	}
	h.mu.Unlock()

	if err := h.bus.Publish(ctx, routingKey, response); err != nil {
		h.logger.Error("publishing response failed",
			"routing_key", routingKey,
			"correlation_id", response.CorrelationID,
			"error", err)
	}
}
