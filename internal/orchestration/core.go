package orchestration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devit-sh/devitd/internal/apierrors"
	"github.com/devit-sh/devitd/internal/journal"
	"github.com/devit-sh/devitd/internal/telemetry"
)

// Dispatcher forwards a frame to a connected bus identity without the
// orchestration core needing to know anything about wire format, HMAC
// signing, or transport — mirroring the "Orchestration backends share
// {delegate, notify, status, cleanup, get_task}" polymorphism note.
type Dispatcher interface {
	Dispatch(identity string, msgType string, payload any) error
	Connected(identity string) bool

	// DispatchRole pushes to a connected identity carrying the given
	// role prefix (e.g. "approver:reviewer-1" for role "approver"), or to
	// any connected identity when none of that role is present — per the
	// approval-routing contract, which never targets a single fixed name.
	DispatchRole(role, msgType string, payload any) error
}

// Journaler is the subset of *journal.Journal the core appends audit
// entries through.
type Journaler interface {
	Append(event journal.Event, msgID, from, to string, meta map[string]any) (string, error)
}

// Config configures the writer actor's limits and timeouts.
type Config struct {
	MaxConcurrent      int
	CompletedTaskTTL   time.Duration
	CleanupInterval    time.Duration
	ApprovalTimeout    time.Duration
	DefaultTimeout     time.Duration
	DefaultWatch       []string
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    5,
		CompletedTaskTTL: 2 * time.Hour,
		CleanupInterval:  30 * time.Second,
		ApprovalTimeout:  15 * time.Minute,
		DefaultTimeout:   30 * time.Minute,
		DefaultWatch:     []string{"*.go"},
	}
}

// command is one message on the writer actor's FIFO. Every operation is
// represented as a command so the writer goroutine is the sole mutator of
// state; this makes every transition totally ordered, per §5.
type command struct {
	kind    string
	reply   chan any
	ctx     context.Context
	payload any
}

// Core is the orchestration writer actor: active/completed task maps owned
// exclusively by one goroutine (run), read only through immutable snapshots
// returned over the command channel.
type Core struct {
	cfg        Config
	dispatcher Dispatcher
	journal    Journaler
	log        telemetry.Logger

	cmds chan command
	quit chan struct{}
	wg   sync.WaitGroup

	active    map[string]Task
	completed map[string]Task
	tickets   map[string]pendingApproval

	mu      sync.Mutex
	waiters map[string]chan ApprovalDecision
}

type pendingApproval struct {
	ticket ApprovalTicket
}

// New builds a Core and starts its writer goroutine.
func New(cfg Config, dispatcher Dispatcher, j Journaler, log telemetry.Logger) *Core {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	c := &Core{
		cfg:        cfg,
		dispatcher: dispatcher,
		journal:    j,
		log:        log,
		cmds:       make(chan command, 256),
		quit:       make(chan struct{}),
		active:     make(map[string]Task),
		completed:  make(map[string]Task),
		tickets:    make(map[string]pendingApproval),
		waiters:    make(map[string]chan ApprovalDecision),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Stop halts the writer goroutine. Outstanding commands already enqueued are
// still drained before the goroutine exits.
func (c *Core) Stop() {
	close(c.quit)
	c.wg.Wait()
}

func (c *Core) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	lastCleanup := time.Time{}

	for {
		select {
		case <-c.quit:
			for {
				select {
				case cmd := <-c.cmds:
					c.dispatch(cmd)
				default:
					return
				}
			}
		case cmd := <-c.cmds:
			c.dispatch(cmd)
		case <-ticker.C:
			c.tickExpirations(time.Now())
			if time.Since(lastCleanup) >= c.cfg.CleanupInterval {
				c.pruneCompleted(time.Now())
				lastCleanup = time.Now()
			}
		}
	}
}

func (c *Core) dispatch(cmd command) {
	switch cmd.kind {
	case "delegate":
		cmd.reply <- c.handleDelegate(cmd.payload.(DelegateRequest))
	case "notify":
		cmd.reply <- c.handleNotify(cmd.payload.(NotifyRequest))
	case "status":
		cmd.reply <- c.handleStatus(cmd.payload.(StatusFilter))
	case "getTask":
		cmd.reply <- c.handleGetTask(cmd.payload.(string))
	case "cleanup":
		c.pruneCompleted(time.Now())
		cmd.reply <- struct{}{}
	case "requestApproval":
		cmd.reply <- c.handleRequestApproval(cmd.payload.(requestApprovalArgs))
	case "resolveApproval":
		cmd.reply <- c.handleResolveApproval(cmd.payload.(ApprovalDecision))
	}
}

// send enqueues cmd and blocks for its reply. The writer goroutine is always
// the one to read cmds, so this is the only synchronisation point callers
// need.
func (c *Core) send(kind string, payload any) any {
	reply := make(chan any, 1)
	c.cmds <- command{kind: kind, reply: reply, payload: payload}
	return <-reply
}

type delegateResult struct {
	taskID string
	err    error
}

// Delegate creates a new Pending task and, if the target identity is
// connected, forwards a DELEGATE frame to it.
func (c *Core) Delegate(req DelegateRequest) (string, error) {
	r := c.send("delegate", req).(delegateResult)
	return r.taskID, r.err
}

func (c *Core) handleDelegate(req DelegateRequest) delegateResult {
	if len(c.active) >= c.cfg.MaxConcurrent {
		return delegateResult{err: apierrors.New(apierrors.CodeSaturation, "maximum concurrent delegated tasks reached")}
	}

	now := time.Now()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	watch := req.Watch
	if len(watch) == 0 {
		watch = c.cfg.DefaultWatch
	}

	task := Task{
		ID:             uuid.NewString(),
		Goal:           req.Goal,
		Issuer:         req.Issuer,
		DelegatedTo:    req.To,
		CreatedAt:      now,
		Deadline:       now.Add(timeout),
		Status:         StatusPending,
		LastActivity:   now,
		Context:        req.Context,
		WatchPatterns:  watch,
		Notifications:  nil,
		WorkingDir:     req.WorkingDir,
		RequestedModel: req.Model,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
		Tags:           req.Tags,
	}
	c.active[task.ID] = task

	if c.dispatcher != nil && c.dispatcher.Connected(req.To) {
		c.dispatcher.Dispatch(req.To, "DELEGATE", task)
	}

	if c.journal != nil {
		meta := map[string]any{"goal": task.Goal, "to": task.DelegatedTo, "tags": task.Tags}
		if _, err := c.journal.Append(journal.EventDelegate, task.ID, task.Issuer, task.DelegatedTo, meta); err != nil {
			c.log.Error(context.Background(), "orchestration: journal append failed", "op", "delegate", "error", err.Error())
		}
	}

	return delegateResult{taskID: task.ID}
}

// Notify applies a status transition to an existing task. An "ack" status is
// a pure handshake and never mutates task state, per §3.
func (c *Core) Notify(req NotifyRequest) error {
	err, _ := c.send("notify", req).(error)
	return err
}

func (c *Core) handleNotify(req NotifyRequest) error {
	if req.Status == "ack" {
		if c.journal != nil {
			c.journal.Append(journal.EventAck, req.TaskID, "", "", nil)
		}
		return nil
	}

	task, ok := c.active[req.TaskID]
	if !ok {
		return apierrors.New(apierrors.CodeInternal, "unknown task: "+req.TaskID)
	}

	now := time.Now()
	notification := Notification{
		ReceivedAt: now,
		Status:     req.Status,
		Summary:    req.Summary,
		Details:    req.Details,
		Evidence:   req.Evidence,
	}
	task.Notifications = append(task.Notifications, notification)
	task.LastActivity = now

	switch req.Status {
	case "completed":
		task.Status = StatusCompleted
	case "failed":
		task.Status = StatusFailed
	case "cancelled":
		task.Status = StatusCancelled
	default:
		task.Status = StatusInProgress
	}

	if task.Status.terminal() {
		delete(c.active, task.ID)
		c.completed[task.ID] = task
	} else {
		c.active[task.ID] = task
	}

	if c.journal != nil {
		meta := map[string]any{"status": req.Status, "summary": req.Summary}
		c.journal.Append(journal.EventNotify, task.ID, task.DelegatedTo, task.Issuer, meta)
	}
	return nil
}

// Status returns an immutable snapshot of tasks matching filter.
func (c *Core) Status(filter StatusFilter) Snapshot {
	return c.send("status", filter).(Snapshot)
}

func (c *Core) handleStatus(filter StatusFilter) Snapshot {
	var snap Snapshot
	switch filter {
	case FilterActive:
		snap.Active = cloneValues(c.active)
	case FilterCompleted:
		snap.Completed = filterByStatus(c.completed, StatusCompleted)
	case FilterFailed:
		snap.Completed = filterByStatus(c.completed, StatusFailed)
	default:
		snap.Active = cloneValues(c.active)
		snap.Completed = cloneValues(c.completed)
	}
	sortByCreatedAt(snap.Active)
	sortByCreatedAt(snap.Completed)
	return snap
}

// GetTask looks up a single task by id, in either map.
func (c *Core) GetTask(taskID string) (Task, bool) {
	r := c.send("getTask", taskID).(getTaskResult)
	return r.task, r.ok
}

type getTaskResult struct {
	task Task
	ok   bool
}

func (c *Core) handleGetTask(taskID string) getTaskResult {
	if t, ok := c.active[taskID]; ok {
		return getTaskResult{task: t.clone(), ok: true}
	}
	if t, ok := c.completed[taskID]; ok {
		return getTaskResult{task: t.clone(), ok: true}
	}
	return getTaskResult{}
}

// CleanupExpired removes completed tasks older than the configured TTL.
// Rate-limiting to once per 30s is handled by the writer's own tick loop;
// this method forces an immediate pass for callers (e.g. tests) that need
// deterministic timing.
func (c *Core) CleanupExpired() {
	c.send("cleanup", nil)
}

func (c *Core) pruneCompleted(now time.Time) {
	cutoff := now.Add(-c.cfg.CompletedTaskTTL)
	for id, t := range c.completed {
		if t.LastActivity.Before(cutoff) {
			delete(c.completed, id)
		}
	}
}

func (c *Core) tickExpirations(now time.Time) {
	for id, t := range c.active {
		if !t.Deadline.IsZero() && now.After(t.Deadline) {
			t.Status = StatusFailed
			t.LastActivity = now
			t.Notifications = append(t.Notifications, Notification{
				ReceivedAt:    now,
				Status:        "failed",
				Summary:       "Timeout",
				AutoGenerated: true,
			})
			delete(c.active, id)
			c.completed[id] = t
			if c.journal != nil {
				c.journal.Append(journal.EventNotify, id, t.DelegatedTo, t.Issuer, map[string]any{"status": "failed", "reason": "Timeout"})
			}
		}
	}
}

func cloneValues(m map[string]Task) []Task {
	out := make([]Task, 0, len(m))
	for _, t := range m {
		out = append(out, t.clone())
	}
	return out
}

func filterByStatus(m map[string]Task, status Status) []Task {
	out := make([]Task, 0)
	for _, t := range m {
		if t.Status == status {
			out = append(out, t.clone())
		}
	}
	return out
}

func sortByCreatedAt(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
}

// requestApprovalArgs is the internal payload for the "requestApproval"
// command. It carries only the ticket fields; the reply channel the blocked
// RequestApproval caller waits on is registered separately in Core.waiters,
// where handleResolveApproval looks it up.
type requestApprovalArgs struct {
	toolName string
	taskID   string
	msgID    string
	risk     RiskLevel
	details  []byte
}

type requestApprovalResult struct {
	ticket ApprovalTicket
	err    error
}

// RequestApproval opens a ticket for a policy-gated action and blocks until
// an ApprovalDecision arrives on the bus or the approval timeout elapses, in
// which case the ticket resolves as denied.
func (c *Core) RequestApproval(toolName, taskID, msgID string, risk RiskLevel, details []byte) (ApprovalDecision, error) {
	r := c.send("requestApproval", requestApprovalArgs{
		toolName: toolName, taskID: taskID, msgID: msgID, risk: risk, details: details,
	}).(requestApprovalResult)
	if r.err != nil {
		return ApprovalDecision{}, r.err
	}

	reply := make(chan ApprovalDecision, 1)
	c.mu.Lock()
	c.waiters[r.ticket.ID] = reply
	c.mu.Unlock()

	timeout := c.cfg.ApprovalTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	select {
	case d := <-reply:
		return d, nil
	case <-time.After(timeout):
		c.send("resolveApproval", ApprovalDecision{TicketID: r.ticket.ID, Allow: false, Notes: "approval timed out"})
		return ApprovalDecision{TicketID: r.ticket.ID, Allow: false, Notes: "approval timed out"}, nil
	}
}

func (c *Core) handleRequestApproval(args requestApprovalArgs) requestApprovalResult {
	ticket := ApprovalTicket{
		ID:        uuid.NewString(),
		ToolName:  args.toolName,
		TaskID:    args.taskID,
		MsgID:     args.msgID,
		Risk:      args.risk,
		Details:   args.details,
		CreatedAt: time.Now(),
	}
	c.tickets[ticket.ID] = pendingApproval{ticket: ticket}

	if c.dispatcher != nil {
		c.dispatcher.DispatchRole("approver", "APPROVAL_REQUEST", ticket)
	}
	return requestApprovalResult{ticket: ticket}
}

// ResolveApproval is called by the bus handler when an APPROVAL_DECISION
// frame arrives. A decision naming an unknown or already-resolved ticket is
// ignored, per the approval worker's contract.
func (c *Core) ResolveApproval(decision ApprovalDecision) {
	c.send("resolveApproval", decision)
}

func (c *Core) handleResolveApproval(decision ApprovalDecision) struct{} {
	if _, ok := c.tickets[decision.TicketID]; !ok {
		return struct{}{}
	}
	delete(c.tickets, decision.TicketID)

	c.mu.Lock()
	waiter, ok := c.waiters[decision.TicketID]
	if ok {
		delete(c.waiters, decision.TicketID)
	}
	c.mu.Unlock()

	if ok {
		waiter <- decision
	}
	return struct{}{}
}
