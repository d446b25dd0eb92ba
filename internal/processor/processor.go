// Package processor runs account delete passes: dequeue a batch, enrich it,
// write it to the command feed and complete it.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nuetzliches/accountdelete/internal/accountdelete"
	"github.com/nuetzliches/accountdelete/internal/adapters"
	"github.com/nuetzliches/accountdelete/internal/queue"
	"github.com/nuetzliches/accountdelete/internal/telemetry"
)

const (
	// RequestCount is the number of messages a pass asks the queue set for.
	RequestCount = 100

	// DequeueCountErrorThreshold is the delivery count above which a message
	// is reported as stuck. Processing is unaffected.
	DequeueCountErrorThreshold = 5

	// EnrichFailureLease keeps a batch hidden after a xuid or verifier failure.
	EnrichFailureLease = 15 * time.Minute
	// WriteFailureLease keeps a batch hidden after the command feed rejected it.
	WriteFailureLease = 30 * time.Minute
)

const (
	eventName  = "AccountDeleteQueueProcessor"
	callerName = "Worker"

	errorCodeProcessor      = "AccountDeleteQueueProcessorError"
	errorCodeComplete       = "CompleteQueueProcessingError"
	errorCodeDequeueAnomaly = "DequeueCountErrorThresholdReached"

	requestStatusServiceError = "ServiceError"
)

// Event extra data keys.
const (
	extraGetMessagesCount     = "GetMessagesCount"
	extraDequeueCounts        = "DequeueCounts"
	extraDequeueCountExceeded = "DequeueCountExceeded"
	extraCommandIDs           = "CommandIds"
	extraBuildErrorCode       = "Request_Builder_Error_Code"
	extraBuildErrorMessage    = "Request_Builder_Error_Message"
	extraWriteErrorCode       = "PCF_Failure_Error_Code"
	extraWriteErrorMessage    = "PCF_Failure_Error_Message"
	extraDoWorkStatus         = "DoWorkStatus"
)

// Enricher fills xuids and verifiers into a batch in place.
type Enricher interface {
	Run(ctx context.Context, infos []*accountdelete.Info) adapters.Response
}

type Config struct {
	Queues   *queue.Set[accountdelete.Info]
	Enricher Enricher
	Writer   adapters.DeleteWriter
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

func (c Config) validate() error {
	switch {
	case c.Queues == nil:
		return errors.New("processor: queue set is required")
	case c.Enricher == nil:
		return errors.New("processor: enricher is required")
	case c.Writer == nil:
		return errors.New("processor: delete writer is required")
	}
	return nil
}

// Processor runs one pass per DoWork call. A Processor holds no state
// between passes, so several may share a queue set; leasing keeps them from
// handling the same message.
type Processor struct {
	queues   *queue.Set[accountdelete.Info]
	enricher Enricher
	writer   adapters.DeleteWriter
	tracer   trace.Tracer
	logger   *slog.Logger
}

func New(cfg Config) (*Processor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		queues:   cfg.Queues,
		enricher: cfg.Enricher,
		writer:   cfg.Writer,
		tracer:   cfg.Tracer,
		logger:   logger,
	}, nil
}

// DoWork runs one pass and reports whether a batch was processed end to
// end. False means either no work or a failure; the caller should back off
// in both cases. Errors and panics never escape and the pass event is always
// finished.
func (p *Processor) DoWork(ctx context.Context) (ok bool) {
	ctx, ev := telemetry.StartEvent(ctx, p.tracer, p.logger, eventName)
	ev.CallerName = callerName
	defer ev.Finish()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("processor_pass_panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			p.abort(ev, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()

	ok = p.pass(ctx, ev)
	ev.Set(extraDoWorkStatus, formatBool(ok))
	return ok
}

// abort records a recovered panic on the pass event.
func (p *Processor) abort(ev *telemetry.Event, err error) {
	ev.Success = false
	ev.ErrorMessage = err.Error()
	ev.RequestStatus = requestStatusServiceError
	ev.Set(extraDoWorkStatus, formatBool(false))
}

func (p *Processor) pass(ctx context.Context, ev *telemetry.Event) bool {
	if ctx.Err() != nil {
		return p.stopping(ev)
	}
	items, err := p.queues.GetMessages(ctx, RequestCount)
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return p.stopping(ev)
	}
	if err != nil {
		msg := fmt.Sprintf("Failed to read from queue: %v", err)
		p.logger.Error("queue_read_failed", slog.Any("err", err))
		ev.Fail(errorCodeProcessor, msg)
		return false
	}
	ev.Success = true
	ev.Set(extraGetMessagesCount, strconv.Itoa(len(items)))
	p.logger.Debug("queue_messages_found", slog.Int("count", len(items)))
	if len(items) == 0 {
		return false
	}

	ev.Set(extraDequeueCounts, joinDequeueCounts(items))
	p.reportDequeueAnomalies(ev, items)

	commandIDs := joinCommandIDs(items)
	ev.Set(extraCommandIDs, commandIDs)

	// A dequeued batch runs to completion or failure even when the worker is
	// stopping, so its leases are always settled.
	resp := p.buildWriteComplete(context.WithoutCancel(ctx), ev, items, commandIDs)
	if !resp.IsSuccess() {
		p.logger.Error("processor_pass_failed",
			slog.String("error_code", string(resp.Err.Code)),
			slog.String("message", resp.Err.Message),
		)
		ev.Fail(errorCodeProcessor, resp.Err.Message)
		return false
	}
	return true
}

// stopping records a pass cut short by shutdown before anything was leased.
func (p *Processor) stopping(ev *telemetry.Event) bool {
	p.logger.Debug("processor_stopping")
	ev.Success = true
	ev.Set(extraGetMessagesCount, "0")
	return false
}

func (p *Processor) buildWriteComplete(ctx context.Context, ev *telemetry.Event, items []*queue.Item[accountdelete.Info], commandIDs string) adapters.Response {
	infos := make([]*accountdelete.Info, len(items))
	for i, item := range items {
		infos[i] = &item.Data
	}

	if resp := p.enricher.Run(ctx, infos); !resp.IsSuccess() {
		ev.Success = false
		ev.Set(extraBuildErrorCode, string(resp.Err.Code))
		ev.Set(extraBuildErrorMessage, resp.Err.Message)
		p.extendLeases(ctx, items, EnrichFailureLease, false)
		return resp
	}

	batch := make([]accountdelete.Info, len(items))
	for i, item := range items {
		batch[i] = item.Data
	}
	if res := p.writer.WriteDeletes(ctx, batch, ""); !res.IsSuccess() {
		ev.Success = false
		ev.Set(extraWriteErrorCode, string(res.Err.Code))
		ev.Set(extraWriteErrorMessage, res.Err.Message)
		// Update persists the xuids and verifiers gathered so far.
		p.extendLeases(ctx, items, WriteFailureLease, true)
		return res.Response()
	}

	resp := p.completeAll(ctx, items)
	if !resp.IsSuccess() {
		ev.ErrorCode = errorCodeComplete
		ev.ErrorMessage = resp.Err.Message
	}
	p.logger.Debug("queue_messages_processed",
		slog.Int("count", len(items)),
		slog.String("command_ids", commandIDs),
	)
	return resp
}

// extendLeases hides every item for leaseFor, one at a time. An item whose
// lease is already gone will be redelivered anyway, so failures are logged
// and skipped.
func (p *Processor) extendLeases(ctx context.Context, items []*queue.Item[accountdelete.Info], leaseFor time.Duration, persist bool) {
	for _, item := range items {
		var err error
		if persist {
			err = item.Update(ctx, leaseFor)
		} else {
			err = item.RenewLease(ctx, leaseFor)
		}
		if err != nil {
			p.logger.Warn("lease_extension_failed",
				slog.String("queue", item.Queue().Name()),
				slog.String("id", item.ID),
				slog.String("command_id", item.Data.CommandID.String()),
				slog.Duration("lease", leaseFor),
				slog.Bool("lease_lost", queue.IsLeaseLost(err)),
				slog.Any("err", err),
			)
		}
	}
}

// completeAll deletes every item concurrently. A failure is reported but not
// retried: the batch is already written and redelivery is tolerated
// downstream.
func (p *Processor) completeAll(ctx context.Context, items []*queue.Item[accountdelete.Info]) adapters.Response {
	var g errgroup.Group
	for _, item := range items {
		g.Go(func() error {
			if err := item.Complete(ctx); err != nil {
				return fmt.Errorf("complete %s item %s: %w", item.Queue().Name(), item.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		msg := fmt.Sprintf("Failed to complete queue messages: %v", err)
		p.logger.Error("queue_complete_failed", slog.Any("err", err))
		return adapters.Failure(adapters.ErrorCodeUnknown, msg, http.StatusInternalServerError)
	}
	return adapters.Response{}
}

func (p *Processor) reportDequeueAnomalies(ev *telemetry.Event, items []*queue.Item[accountdelete.Info]) {
	var exceeded []string
	for _, item := range items {
		if item.DequeueCount <= DequeueCountErrorThreshold {
			continue
		}
		p.logger.Error("dequeue_count_threshold_exceeded",
			slog.String("error_code", errorCodeDequeueAnomaly),
			slog.String("error_message", fmt.Sprintf(
				"The dequeue count for this queue message has exceeded the error threshold value of %d.",
				DequeueCountErrorThreshold)),
			slog.Int64("puid", item.Data.Puid),
			slog.String("correlation_vector", item.Data.CorrelationVector),
			slog.String("command_id", item.Data.CommandID.String()),
			slog.Int("dequeue_count", item.DequeueCount),
			slog.Time("timestamp", item.Data.TimeStamp),
			slog.Time("insertion_time", item.InsertionTime),
			slog.Time("next_visible_time", item.NextVisibleTime),
			slog.String("id", item.ID),
			slog.String("pop_receipt", item.PopReceipt),
		)
		exceeded = append(exceeded, item.Data.CommandID.String()+":"+strconv.Itoa(item.DequeueCount))
	}
	if len(exceeded) > 0 {
		ev.Set(extraDequeueCountExceeded, strings.Join(exceeded, ","))
	}
}

func joinDequeueCounts(items []*queue.Item[accountdelete.Info]) string {
	counts := make([]string, len(items))
	for i, item := range items {
		counts[i] = strconv.Itoa(item.DequeueCount)
	}
	return strings.Join(counts, ",")
}

func joinCommandIDs(items []*queue.Item[accountdelete.Info]) string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.Data.CommandID.String()
	}
	return strings.Join(ids, ",")
}

func formatBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}
