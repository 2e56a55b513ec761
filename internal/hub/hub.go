// Package hub broadcasts tool lifecycle events to attached observer
// connections (the village visualization front-end).
//
// A single loop goroutine owns the connection set and the in-flight call
// index. Every entry point hands an operation to that loop over a channel,
// so callers on arbitrary goroutines never touch shared state directly.
//
// Operations travel on two lanes. Registry membership, agent identity,
// queries and the delivery-awaiting notify calls go over a control lane that
// never sheds load: those callers block until the loop accepts the op. The
// fire-and-forget notify calls go over a bounded queue with a drop-oldest
// policy: when the loop falls behind, the oldest queued record is discarded
// to make room, and the drop is logged. Only telemetry is ever lost this way.
// Telemetry loss is acceptable; blocking a tool caller is not.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by delivery-awaiting calls after Close.
var ErrClosed = errors.New("hub closed")

// Conn is an attached observer. The hub only ever calls Send; the transport
// owns the socket and is expected to tear it down when Send fails or the
// context deadline expires.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
}

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 5 * time.Second
	defaultAgentID     = "CLAUDE"
	systemAgentID      = "SYSTEM"
)

type Options struct {
	Logger *slog.Logger
	Zones  *ZoneTable

	// DefaultAgent is the agent attributed to notify calls that omit one,
	// until SetCurrentAgent replaces it.
	DefaultAgent string

	// QueueSize bounds each op lane. The fire-and-forget telemetry lane
	// drops its oldest record when full; the control lane applies
	// backpressure instead.
	QueueSize int

	// SendTimeout bounds each per-connection send. A connection that cannot
	// accept a payload within it is pruned like any failed connection, so one
	// slow observer cannot stall the rest.
	SendTimeout time.Duration
}

type Hub struct {
	log    *slog.Logger
	zones  *ZoneTable
	sendTO time.Duration

	// ctl carries ops that must not be lost to queue pressure; ops is the
	// droppable telemetry queue. Only enqueue ever evicts, and it evicts
	// from ops alone.
	ctl  chan op
	ops  chan op
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

type opKind int

const (
	opAttach opKind = iota
	opDetach
	opSetAgent
	opQuery
	opToolStart
	opToolComplete
	opToolError
	opAgentThinking
	opAgentIdle
)

type op struct {
	kind opKind

	conn   Conn
	connID string

	agentID string
	tool    string
	args    map[string]any
	result  any
	success bool
	errMsg  string

	reply chan Stats
	done  chan struct{}
}

// Stats is a point-in-time view of hub state, for logging and diagnostics.
type Stats struct {
	Connections   int    `json:"connections"`
	InflightCalls int    `json:"inflight_calls"`
	CurrentAgent  string `json:"current_agent"`
}

func New(opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	zones := opts.Zones
	if zones == nil {
		zones = DefaultZoneTable()
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	sendTO := opts.SendTimeout
	if sendTO <= 0 {
		sendTO = defaultSendTimeout
	}
	agent := opts.DefaultAgent
	if agent == "" {
		agent = defaultAgentID
	}

	h := &Hub{
		log:    log,
		zones:  zones,
		sendTO: sendTO,
		ctl:    make(chan op, queue),
		ops:    make(chan op, queue),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.run(agent)
	return h
}

// Close stops the loop. Pending queued events are discarded; notify calls
// made after Close return promptly without delivering anything.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
	<-h.done
}

// Attach registers an observer and sends it (and only it) one connection
// event. The returned ID is the handle for Detach.
func (h *Hub) Attach(c Conn) string {
	if h == nil || c == nil {
		return ""
	}
	id := uuid.NewString()
	h.send(op{kind: opAttach, conn: c, connID: id})
	return id
}

// Detach removes an observer. Detaching an unknown or already-removed ID is
// a no-op.
func (h *Hub) Detach(id string) {
	if h == nil || id == "" {
		return
	}
	h.send(op{kind: opDetach, connID: id})
}

// SetCurrentAgent replaces the default agent for subsequent notify calls
// that omit an explicit one. Not retroactive.
func (h *Hub) SetCurrentAgent(agentID string) {
	if h == nil {
		return
	}
	h.send(op{kind: opSetAgent, agentID: agentID})
}

// Snapshot reports current hub state.
func (h *Hub) Snapshot(ctx context.Context) (Stats, error) {
	if h == nil {
		return Stats{}, ErrClosed
	}
	reply := make(chan Stats, 1)
	select {
	case h.ctl <- op{kind: opQuery, reply: reply}:
	case <-h.stop:
		return Stats{}, ErrClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-h.stop:
		return Stats{}, ErrClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// NotifyToolStart records the invocation start time and broadcasts a
// tool_start event. It returns once delivery to the current connection set
// has been attempted.
func (h *Hub) NotifyToolStart(ctx context.Context, tool string, args map[string]any, agentID string) error {
	return h.sendWait(ctx, op{kind: opToolStart, tool: tool, args: args, agentID: agentID})
}

// NotifyToolComplete broadcasts a tool_complete event, consuming the oldest
// matching start record (if any) to compute the duration.
func (h *Hub) NotifyToolComplete(ctx context.Context, tool string, result any, success bool, agentID string) error {
	return h.sendWait(ctx, op{kind: opToolComplete, tool: tool, result: result, success: success, agentID: agentID})
}

// NotifyToolError broadcasts a tool_error event and discards any pending
// start record for the pair.
func (h *Hub) NotifyToolError(ctx context.Context, tool string, errMsg string, agentID string) error {
	return h.sendWait(ctx, op{kind: opToolError, tool: tool, errMsg: errMsg, agentID: agentID})
}

// NotifyAgentThinking broadcasts an agent_thinking event.
func (h *Hub) NotifyAgentThinking(ctx context.Context, agentID string) error {
	return h.sendWait(ctx, op{kind: opAgentThinking, agentID: agentID})
}

// NotifyAgentIdle broadcasts an agent_idle event.
func (h *Hub) NotifyAgentIdle(ctx context.Context, agentID string) error {
	return h.sendWait(ctx, op{kind: opAgentIdle, agentID: agentID})
}

// QueueToolStart is the non-blocking form of NotifyToolStart for callers
// with no request context of their own (worker goroutines running tools).
// It returns as soon as the record is handed off.
func (h *Hub) QueueToolStart(tool string, args map[string]any, agentID string) {
	h.enqueue(op{kind: opToolStart, tool: tool, args: args, agentID: agentID})
}

// QueueToolComplete is the non-blocking form of NotifyToolComplete.
func (h *Hub) QueueToolComplete(tool string, result any, success bool, agentID string) {
	h.enqueue(op{kind: opToolComplete, tool: tool, result: result, success: success, agentID: agentID})
}

// QueueToolError is the non-blocking form of NotifyToolError.
func (h *Hub) QueueToolError(tool string, errMsg string, agentID string) {
	h.enqueue(op{kind: opToolError, tool: tool, errMsg: errMsg, agentID: agentID})
}

// QueueAgentThinking is the non-blocking form of NotifyAgentThinking.
func (h *Hub) QueueAgentThinking(agentID string) {
	h.enqueue(op{kind: opAgentThinking, agentID: agentID})
}

// QueueAgentIdle is the non-blocking form of NotifyAgentIdle.
func (h *Hub) QueueAgentIdle(agentID string) {
	h.enqueue(op{kind: opAgentIdle, agentID: agentID})
}

// send blocks until the loop accepts the op or the hub is closed. Used for
// registry membership and agent identity, which must not be lost to queue
// pressure: the control lane is never evicted from, so an accepted op is
// guaranteed to reach the loop.
func (h *Hub) send(o op) {
	select {
	case h.ctl <- o:
	case <-h.stop:
	}
}

// sendWait enqueues on the control lane and then waits until the loop has
// processed the op (delivery to the snapshot attempted). Errors only surface
// scheduling problems, never per-connection send failures.
func (h *Hub) sendWait(ctx context.Context, o op) error {
	if h == nil {
		return ErrClosed
	}
	o.done = make(chan struct{})
	select {
	case h.ctl <- o:
	case <-h.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-o.done:
		return nil
	case <-h.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue hands the op off without blocking. When the queue is full the
// oldest queued op is dropped to make room. Only the fire-and-forget notify
// ops travel this lane, so an eviction can never lose an attach, a detach,
// an agent change or a waiting caller.
func (h *Hub) enqueue(o op) {
	if h == nil {
		return
	}
	for {
		select {
		case h.ops <- o:
			return
		case <-h.stop:
			return
		default:
		}
		select {
		case dropped := <-h.ops:
			h.log.Debug("hub queue full, dropped oldest event", "kind", dropped.kind)
		case h.ops <- o:
			return
		case <-h.stop:
			return
		}
	}
}

type inflightKey struct {
	agentID string
	tool    string
}

type inflightStart struct {
	invocationID string
	startedAt    time.Time
}

type loopState struct {
	conns    map[string]Conn
	inflight map[inflightKey][]inflightStart
	agent    string
}

func (h *Hub) run(agent string) {
	defer close(h.done)
	st := &loopState{
		conns:    make(map[string]Conn),
		inflight: make(map[inflightKey][]inflightStart),
		agent:    agent,
	}
	for {
		select {
		case <-h.stop:
			return
		case o := <-h.ctl:
			h.apply(st, o)
			if o.done != nil {
				close(o.done)
			}
		case o := <-h.ops:
			h.apply(st, o)
		}
	}
}

func (h *Hub) apply(st *loopState, o op) {
	switch o.kind {
	case opAttach:
		h.attach(st, o.connID, o.conn)
	case opDetach:
		delete(st.conns, o.connID)
	case opSetAgent:
		if a := o.agentID; a != "" {
			st.agent = a
		}
	case opQuery:
		n := 0
		for _, entries := range st.inflight {
			n += len(entries)
		}
		o.reply <- Stats{Connections: len(st.conns), InflightCalls: n, CurrentAgent: st.agent}
	case opToolStart:
		h.toolStart(st, o)
	case opToolComplete:
		h.toolComplete(st, o)
	case opToolError:
		h.toolError(st, o)
	case opAgentThinking:
		h.broadcast(st, &Event{Type: EventTypeAgentThinking, AgentID: resolveAgent(st, o.agentID), Zone: h.zones.ZoneFor("")})
	case opAgentIdle:
		h.broadcast(st, &Event{Type: EventTypeAgentIdle, AgentID: resolveAgent(st, o.agentID), Zone: h.zones.ZoneFor("")})
	}
}

func resolveAgent(st *loopState, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return st.agent
}

func (h *Hub) attach(st *loopState, id string, c Conn) {
	st.conns[id] = c
	h.log.Info("observer connected", "conn_id", id, "connections", len(st.conns))

	// Welcome event, addressed to the new connection only.
	ev := &Event{Type: EventTypeConnection, AgentID: systemAgentID, Zone: h.zones.ZoneFor("")}
	payload, err := ev.encode()
	if err != nil {
		h.log.Warn("encode connection event", "err", err)
		return
	}
	if err := h.sendTo(c, payload); err != nil {
		// Same treatment as a failed broadcast send.
		delete(st.conns, id)
		h.log.Warn("observer dropped on welcome send", "conn_id", id, "err", err)
	}
}

func (h *Hub) toolStart(st *loopState, o op) {
	agent := resolveAgent(st, o.agentID)
	key := inflightKey{agentID: agent, tool: o.tool}
	start := inflightStart{invocationID: uuid.NewString(), startedAt: time.Now()}
	st.inflight[key] = append(st.inflight[key], start)

	h.broadcast(st, &Event{
		Type:      EventTypeToolStart,
		AgentID:   agent,
		Tool:      o.tool,
		Zone:      h.zones.ZoneFor(o.tool),
		Arguments: o.args,
	})
	h.log.Debug("tool start", "agent", agent, "tool", o.tool, "invocation_id", start.invocationID)
}

func (h *Hub) toolComplete(st *loopState, o op) {
	agent := resolveAgent(st, o.agentID)
	ev := &Event{
		Type:          EventTypeToolComplete,
		AgentID:       agent,
		Tool:          o.tool,
		Zone:          h.zones.ZoneFor(o.tool),
		ResultPreview: previewString(o.result),
		Success:       &o.success,
	}
	if start, ok := popInflight(st, agent, o.tool); ok {
		ms := time.Since(start.startedAt).Milliseconds()
		ev.DurationMs = &ms
	}
	h.broadcast(st, ev)
}

func (h *Hub) toolError(st *loopState, o op) {
	agent := resolveAgent(st, o.agentID)
	popInflight(st, agent, o.tool) // pending start is of no use after a failure
	success := false
	h.broadcast(st, &Event{
		Type:    EventTypeToolError,
		AgentID: agent,
		Tool:    o.tool,
		Zone:    h.zones.ZoneFor(o.tool),
		Error:   truncateRunes(o.errMsg, errorMaxRunes, ""),
		Success: &success,
	})
}

// popInflight consumes the oldest start record for (agent, tool). Each start
// appends its own entry, so concurrent invocations of the same tool by the
// same agent each keep their own start time.
func popInflight(st *loopState, agent string, tool string) (inflightStart, bool) {
	key := inflightKey{agentID: agent, tool: tool}
	entries := st.inflight[key]
	if len(entries) == 0 {
		return inflightStart{}, false
	}
	start := entries[0]
	if len(entries) == 1 {
		delete(st.inflight, key)
	} else {
		st.inflight[key] = entries[1:]
	}
	return start, true
}

// broadcast serializes once and attempts delivery to every connection.
// Failed connections are pruned after the pass; a failure never aborts
// delivery to the rest.
func (h *Hub) broadcast(st *loopState, ev *Event) {
	if len(st.conns) == 0 {
		return
	}
	payload, err := ev.encode()
	if err != nil {
		h.log.Warn("encode event", "type", ev.Type, "err", err)
		return
	}
	var failed []string
	for id, c := range st.conns {
		if err := h.sendTo(c, payload); err != nil {
			h.log.Warn("observer send failed", "conn_id", id, "err", err)
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		delete(st.conns, id)
	}
	if len(failed) > 0 {
		h.log.Info("pruned observers", "removed", len(failed), "connections", len(st.conns))
	}
}

func (h *Hub) sendTo(c Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.sendTO)
	defer cancel()
	return c.Send(ctx, payload)
}
