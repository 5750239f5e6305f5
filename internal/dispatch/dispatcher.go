package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/metrics"
	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
	"github.com/MaxBauer1337/VirtualACPNet/internal/repository"
	"github.com/MaxBauer1337/VirtualACPNet/internal/socket"
)

// Kind is the role handler an event is routed to.
type Kind string

const (
	KindNewTask  Kind = "new_task"
	KindEvaluate Kind = "evaluate"
)

var ErrMalformed = errors.New("malformed event payload")

// Notification is a normalized push event: a job snapshot plus the memo the
// channel flagged for this wallet's signature, if any.
type Notification struct {
	Kind       Kind
	Job        *models.Job
	MemoToSign *models.Memo
}

// Handler reacts to one notification. It must tolerate the same job arriving
// more than once and out of order.
type Handler func(ctx context.Context, n Notification) error

type Option func(*Dispatcher)

func OnNewTask(h Handler) Option {
	return func(d *Dispatcher) { d.handlers[KindNewTask] = h }
}

func OnEvaluate(h Handler) Option {
	return func(d *Dispatcher) { d.handlers[KindEvaluate] = h }
}

// WithHandlerTimeout bounds a single handler invocation.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// Dispatcher turns push events into handler calls, each on its own goroutine
// under a concurrency cap, at most once per distinct event.
type Dispatcher struct {
	wallet    string
	dedupe    repository.Deduper
	metrics   *metrics.Metrics
	handlers  map[Kind]Handler
	timeout   time.Duration
	semaphore chan struct{}
	wg        sync.WaitGroup
}

func NewDispatcher(wallet string, dedupe repository.Deduper, m *metrics.Metrics, maxConcurrency int, opts ...Option) *Dispatcher {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	d := &Dispatcher{
		wallet:    wallet,
		dedupe:    dedupe,
		metrics:   m,
		handlers:  make(map[Kind]Handler),
		timeout:   10 * time.Minute,
		semaphore: make(chan struct{}, maxConcurrency),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SocketHandler adapts the dispatcher to the push channel's read loop.
func (d *Dispatcher) SocketHandler(ctx context.Context) socket.Handler {
	return func(ev socket.Event) {
		d.HandleEvent(ctx, ev.Name, ev.Data)
	}
}

// HandleEvent normalizes one raw event and schedules its handler. It never
// blocks on the handler and never fails: bad input is logged and dropped.
func (d *Dispatcher) HandleEvent(ctx context.Context, name string, data json.RawMessage) {
	var kind Kind
	switch name {
	case socket.EventNewTask:
		kind = KindNewTask
	case socket.EventEvaluate:
		kind = KindEvaluate
	case socket.EventRoomJoined:
		log.Printf("push channel room joined")
		return
	default:
		log.Printf("ignoring unknown event %q", name)
		return
	}

	n, err := Normalize(kind, data)
	if err != nil {
		d.metrics.IncrementEventsDropped(string(kind))
		log.Printf("dropping %s event: %v", kind, err)
		return
	}
	d.submit(ctx, n)
}

// Redeliver feeds a job found by polling back through the same path as a
// pushed one. The evaluator role gets it as an evaluation.
func (d *Dispatcher) Redeliver(ctx context.Context, job *models.Job) {
	kind := KindNewTask
	if job.Phase == models.PhaseEvaluation && job.RoleOf(d.wallet) == models.RoleEvaluator {
		kind = KindEvaluate
	}
	d.submit(ctx, Notification{Kind: kind, Job: job})
}

func (d *Dispatcher) submit(ctx context.Context, n Notification) {
	d.metrics.IncrementEventsReceived(string(n.Kind))
	d.wg.Add(1)
	go d.run(ctx, n)
}

// run records the event only once it holds a slot, so an event abandoned
// while queued is still new when it is delivered again.
func (d *Dispatcher) run(ctx context.Context, n Notification) {
	defer d.wg.Done()

	select {
	case d.semaphore <- struct{}{}:
	case <-ctx.Done():
		log.Printf("job_id=%d: %s event abandoned: %v", n.Job.ID, n.Kind, ctx.Err())
		return
	}
	defer func() { <-d.semaphore }()
	if err := ctx.Err(); err != nil {
		log.Printf("job_id=%d: %s event abandoned: %v", n.Job.ID, n.Kind, err)
		return
	}

	kind := string(n.Kind)
	fresh, err := d.dedupe.RecordEvent(ctx, Fingerprint(n), kind, n.Job.ID)
	if err != nil {
		// The action journal still stops a second write.
		log.Printf("job_id=%d: error recording %s event, handling anyway: %v", n.Job.ID, kind, err)
		fresh = true
	}
	if !fresh {
		d.metrics.IncrementEventsDuplicate(kind)
		log.Printf("job_id=%d: phase=%s: duplicate %s event ignored", n.Job.ID, n.Job.Phase, kind)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("job_id=%d: %s handler panicked: %v\n%s", n.Job.ID, n.Kind, r, debug.Stack())
		}
	}()

	h, ok := d.handlers[n.Kind]
	if !ok {
		log.Printf("job_id=%d: no handler registered for %s", n.Job.ID, n.Kind)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	memoID := int64(0)
	if n.MemoToSign != nil {
		memoID = n.MemoToSign.ID
	}
	log.Printf("job_id=%d: memo_id=%d: phase=%s: handling %s event", n.Job.ID, memoID, n.Job.Phase, n.Kind)
	if err := h(hctx, n); err != nil {
		log.Printf("job_id=%d: memo_id=%d: %s handler failed: %v", n.Job.ID, memoID, n.Kind, err)
	}
}

// Wait blocks until every scheduled handler has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Normalize decodes a pushed job and resolves its memo-to-sign hint against
// the job's own memos. A hint naming an unknown memo is dropped.
func Normalize(kind Kind, data json.RawMessage) (Notification, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return Notification{}, fmt.Errorf("%w: empty", ErrMalformed)
	}

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if job.ID <= 0 {
		return Notification{}, fmt.Errorf("%w: missing job id", ErrMalformed)
	}
	if !job.Phase.Valid() {
		return Notification{}, fmt.Errorf("%w: job %d has invalid phase %d", ErrMalformed, job.ID, int(job.Phase))
	}

	n := Notification{Kind: kind, Job: &job}

	var extra struct {
		MemoToSign json.RawMessage `json:"memoToSign"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	raw := strings.Trim(string(extra.MemoToSign), `"`)
	if raw == "" || raw == "null" {
		return n, nil
	}
	memoID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("job_id=%d: ignoring unreadable memoToSign %s", job.ID, raw)
		return n, nil
	}
	if memo := job.MemoByID(memoID); memo != nil {
		n.MemoToSign = memo
	} else {
		log.Printf("job_id=%d: memo_id=%d: memoToSign not among job memos", job.ID, memoID)
	}
	return n, nil
}

// Fingerprint identifies a logical event by the state it carries rather than
// its bytes, so a polled snapshot and a pushed one of the same state collide.
// The memo-to-sign hint is left out since polling never carries one.
func Fingerprint(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%d", n.Kind, n.Job.ID, n.Job.Phase)
	for _, m := range n.Job.Memos {
		fmt.Fprintf(&b, "|%d:%s:%d", m.ID, m.Status, m.NextPhase)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
