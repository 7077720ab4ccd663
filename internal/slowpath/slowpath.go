// Package slowpath implements C7: three worker classes — metrics,
// conversation and insights — each consuming the CDC stream (C5) through
// its own Redis consumer group, fetching the durable event back from the
// trace store (C1) by sequence, and deriving conversation/metric state
// (C2, C3). See spec §4.7.
package slowpath

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/telemetry-core/internal/obsmetrics"
	"github.com/ssw-telemetry/telemetry-core/pkg/backpressure"
	"github.com/ssw-telemetry/telemetry-core/pkg/deduplication"
	"github.com/ssw-telemetry/telemetry-core/pkg/derivedstore"
	"github.com/ssw-telemetry/telemetry-core/pkg/metricsstore"
	"github.com/ssw-telemetry/telemetry-core/pkg/priority"
	"github.com/ssw-telemetry/telemetry-core/pkg/retry"
	"github.com/ssw-telemetry/telemetry-core/pkg/stream"
	"github.com/ssw-telemetry/telemetry-core/pkg/tracestore"
	"github.com/ssw-telemetry/telemetry-core/pkg/types"
	"github.com/ssw-telemetry/telemetry-core/pkg/workerpool"
)

// ClassConfig configures one of C7's three worker classes.
type ClassConfig struct {
	Class       priority.WorkerClass `yaml:"class"`
	Group       string               `yaml:"group"`       // the consumer group this class owns on C5
	Concurrency int                  `yaml:"concurrency"` // size of the class's worker pool; the group has one reading consumer
}

// Config configures the whole slow path.
type Config struct {
	Classes []ClassConfig `yaml:"classes"`

	ReadCount         int64         `yaml:"read_count"`
	ReadBlock         time.Duration `yaml:"read_block"`
	MissingRetryDelay time.Duration `yaml:"missing_retry_delay"`

	// MissingRedeliveryThreshold is how many deliveries a CDC record may
	// accumulate before a sequence still missing from C1 is acknowledged
	// and dropped rather than retried again (spec §4.7 step 2).
	MissingRedeliveryThreshold int64 `yaml:"missing_redelivery_threshold"`

	// InsightsPausePoll is how often a paused insights consumer re-checks
	// whether it may resume (spec §4.8, §9: insights pauses under
	// orange/red backpressure).
	InsightsPausePoll time.Duration `yaml:"insights_pause_poll"`

	// Retry bounds the backoff applied to a transient C5 ReadGroup
	// failure before the dispatch loop moves on (spec §5, ≤1s transient
	// stream-error backoff).
	Retry retry.Config `yaml:"retry"`
}

func (c Config) withDefaults() Config {
	if len(c.Classes) == 0 {
		c.Classes = []ClassConfig{
			{Class: priority.WorkerMetrics, Group: "cdc:metrics", Concurrency: 2},
			{Class: priority.WorkerConversation, Group: "cdc:conversation", Concurrency: 2},
			{Class: priority.WorkerInsights, Group: "cdc:insights", Concurrency: 1},
		}
	}
	if c.ReadCount <= 0 {
		c.ReadCount = 50
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = time.Second
	}
	if c.MissingRetryDelay <= 0 {
		c.MissingRetryDelay = 200 * time.Millisecond
	}
	if c.MissingRedeliveryThreshold <= 0 {
		c.MissingRedeliveryThreshold = 2
	}
	if c.InsightsPausePoll <= 0 {
		c.InsightsPausePoll = time.Second
	}
	return c
}

// Pool runs every worker class's consumer goroutines.
type Pool struct {
	config       Config
	cdc          *stream.Stream
	trace        *tracestore.Store
	derived      *derivedstore.Store
	metrics      *metricsstore.Store
	dedup        *deduplication.Tracker
	backpressure *backpressure.Monitor // optional; nil disables the insights pause gate
	logger       *logrus.Logger
}

// New builds a Pool. bp may be nil, in which case the insights class
// never pauses on backpressure.
func New(config Config, cdc *stream.Stream, trace *tracestore.Store, derived *derivedstore.Store, metrics *metricsstore.Store, dedup *deduplication.Tracker, bp *backpressure.Monitor, logger *logrus.Logger) *Pool {
	return &Pool{
		config:       config.withDefaults(),
		cdc:          cdc,
		trace:        trace,
		derived:      derived,
		metrics:      metrics,
		dedup:        dedup,
		backpressure: bp,
		logger:       logger,
	}
}

// Run ensures every class's consumer group exists, gives each class a
// fixed-size workerpool.WorkerPool sized by its Concurrency, and runs
// one dispatch loop per class that reads from C5 and hands each
// message to the pool for processing. It blocks until ctx is cancelled
// and every class has drained (spec §5: in-flight C7 tasks drain on
// shutdown).
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, cls := range p.config.Classes {
		if err := p.cdc.EnsureGroup(ctx, cls.Group); err != nil {
			return fmt.Errorf("slowpath: ensure group %s: %w", cls.Group, err)
		}

		pool := workerpool.New(workerpool.Config{MaxWorkers: cls.Concurrency}, p.logger)
		if err := pool.Start(); err != nil {
			return fmt.Errorf("slowpath: start worker pool for %s: %w", cls.Class, err)
		}

		wg.Add(1)
		go func(cls ClassConfig, pool *workerpool.WorkerPool) {
			defer wg.Done()
			defer pool.Stop()
			p.dispatchLoop(ctx, cls, pool)
		}(cls, pool)
	}

	wg.Wait()
	return nil
}

// dispatchLoop is the single reader for one worker class: it reads
// batches off C5 under the class's own consumer group and submits each
// message to the class's worker pool, which bounds how many records
// that class processes concurrently.
func (p *Pool) dispatchLoop(ctx context.Context, cls ClassConfig, pool *workerpool.WorkerPool) {
	consumer := cls.Group + "-dispatch"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if cls.Class == priority.WorkerInsights && p.backpressure != nil && p.backpressure.ShouldPauseInsights() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.InsightsPausePoll):
			}
			continue
		}

		var msgs []stream.Message
		err := retry.Do(ctx, p.config.Retry, p.logger, "slowpath_read_group", func() error {
			var readErr error
			msgs, readErr = p.cdc.ReadGroup(ctx, cls.Group, consumer, p.config.ReadCount, p.config.ReadBlock)
			return readErr
		})
		if err != nil {
			if p.logger != nil {
				p.logger.WithError(err).WithField("class", cls.Class).Warn("slowpath: read group failed after retries")
			}
			continue
		}

		for _, msg := range msgs {
			msg := msg
			task := workerpool.Task{
				ID: msg.ID,
				Execute: func(taskCtx context.Context) error {
					p.process(taskCtx, cls, msg)
					return nil
				},
			}
			if err := pool.SubmitWithTimeout(task, p.config.ReadBlock); err != nil && p.logger != nil {
				p.logger.WithError(err).WithField("class", cls.Class).Warn("slowpath: failed to submit task to worker pool")
			}
		}

		if len(msgs) > 0 {
			stats := pool.Stats()
			obsmetrics.SetWorkerPoolStats(string(cls.Class), stats.ActiveWorkers, stats.QueuedTasks)
		}
	}
}

// process implements spec §4.7 step 2-5 for a single CDC record.
func (p *Pool) process(ctx context.Context, cls ClassConfig, msg stream.Message) {
	record, err := parseCDCRecord(msg)
	if err != nil {
		if p.logger != nil {
			p.logger.WithError(err).WithField("message_id", msg.ID).Info("slowpath: malformed cdc record dropped")
		}
		p.ack(ctx, cls.Group, msg.ID)
		return
	}

	if !priority.ShouldProcess(cls.Class, record.Priority) {
		p.ack(ctx, cls.Group, msg.ID)
		return
	}

	row, raw, err := p.trace.GetBySequence(ctx, record.Sequence)
	if err != nil {
		p.handleMissingEvent(ctx, cls, msg, record)
		return
	}

	var ev types.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		if p.logger != nil {
			p.logger.WithError(err).WithField("sequence", record.Sequence).Error("slowpath: corrupt trace row, dropping")
		}
		p.ack(ctx, cls.Group, msg.ID)
		return
	}

	if err := p.derive(ctx, row, &ev, raw); err != nil {
		// Log and continue: a derivation failure must never stall
		// subsequent records (spec scenario S6), so the record is still
		// acknowledged.
		if p.logger != nil {
			p.logger.WithError(err).WithField("event_id", ev.EventID).Warn("slowpath: derivation failed")
		}
	}

	p.ack(ctx, cls.Group, msg.ID)
}

// handleMissingEvent implements the "requeue once with small delay, on
// second miss acknowledge and drop" policy (spec §4.7 step 2). The
// first miss is left unacknowledged and simply retried on the next read
// after a short pause; a redelivered record whose delivery count shows
// this is at least the second attempt is dropped.
func (p *Pool) handleMissingEvent(ctx context.Context, cls ClassConfig, msg stream.Message, record types.CDCRecord) {
	count, err := p.cdc.DeliveryCount(ctx, cls.Group, msg.ID)
	if err == nil && count >= p.config.MissingRedeliveryThreshold {
		if p.logger != nil {
			p.logger.WithField("sequence", record.Sequence).Warn("slowpath: event missing from trace store after retry, dropping")
		}
		p.ack(ctx, cls.Group, msg.ID)
		return
	}

	if p.logger != nil {
		p.logger.WithField("sequence", record.Sequence).Debug("slowpath: event not yet visible in trace store, will retry")
	}
	select {
	case <-ctx.Done():
	case <-time.After(p.config.MissingRetryDelay):
	}
}

func (p *Pool) ack(ctx context.Context, group, id string) {
	if err := p.cdc.Ack(ctx, group, id); err != nil && p.logger != nil {
		p.logger.WithError(err).WithField("message_id", id).Warn("slowpath: failed to acknowledge cdc record")
	}
}

// derive dispatches a fetched event to its conversation/metric
// derivation, per the normalised class (spec §4.7 step 3).
func (p *Pool) derive(ctx context.Context, row *types.TraceRow, ev *types.Event, raw []byte) error {
	conversationID, err := p.derived.GetOrCreateConversation(ctx, ev.SessionID, ev.ResolvedExternalSessionID(), ev.Platform, row.WorkspaceHash)
	if err != nil {
		return fmt.Errorf("get_or_create_conversation: %w", err)
	}

	if p.dedup != nil && p.dedup.Seen(conversationID, ev.EventID) {
		return nil
	}

	fields := ev.ExtractIndexedFields()
	class := priority.Normalize(ev.Type())

	switch class {
	case priority.ClassUserPrompt:
		if _, err := p.derived.AppendTurn(ctx, conversationID, types.TurnUserPrompt, contentHash(raw), ev.EventID, nil, fields.TokensUsed, nil); err != nil {
			return fmt.Errorf("append_turn(user_prompt): %w", err)
		}
		p.incrementMetric(ctx, "realtime", "prompts_total", metricsstore.RetentionRealtime)

	case priority.ClassAssistantResponse:
		var tools []string
		if fields.ToolName != "" {
			tools = []string{fields.ToolName}
		}
		if _, err := p.derived.AppendTurn(ctx, conversationID, types.TurnAssistantResponse, contentHash(raw), ev.EventID, tools, fields.TokensUsed, fields.DurationMs); err != nil {
			return fmt.Errorf("append_turn(assistant_response): %w", err)
		}
		p.incrementMetric(ctx, "realtime", "responses_total", metricsstore.RetentionRealtime)
		if fields.DurationMs != nil {
			p.recordMetric(ctx, "realtime", "response_latency_ms", float64(*fields.DurationMs), metricsstore.RetentionRealtime, ev.Timestamp)
		}

	case priority.ClassToolUse:
		var tools []string
		if fields.ToolName != "" {
			tools = []string{fields.ToolName}
		}
		if _, err := p.derived.AppendTurn(ctx, conversationID, types.TurnToolUse, contentHash(raw), ev.EventID, tools, fields.TokensUsed, fields.DurationMs); err != nil {
			return fmt.Errorf("append_turn(tool_use): %w", err)
		}
		p.incrementMetric(ctx, "tools", "invocations_total", metricsstore.RetentionTools)
		if fields.ToolName != "" {
			p.incrementMetric(ctx, "tools", fields.ToolName+".invocations_total", metricsstore.RetentionTools)
			if fields.DurationMs != nil {
				p.recordMetric(ctx, "tools", fields.ToolName+".latency", float64(*fields.DurationMs), metricsstore.RetentionTools, ev.Timestamp)
			}
		}

		// A tool invocation that also carries an acceptance outcome is a
		// file edit performed through the tool (spec §4.7 step 3's "code
		// change / accepted edit" bullet), not just a tool call — record
		// both.
		if _, ok := boolField(ev, "accepted"); ok {
			if err := p.appendCodeChange(ctx, conversationID, ev, fields); err != nil {
				return err
			}
		}

	case priority.ClassCodeChange:
		if err := p.appendCodeChange(ctx, conversationID, ev, fields); err != nil {
			return err
		}

	case priority.ClassSessionStart:
		p.incrementMetric(ctx, "realtime", "active_sessions", metricsstore.RetentionRealtime)
		p.incrementMetric(ctx, "session", "sessions_started_total", metricsstore.RetentionSession)

	case priority.ClassSessionEnd:
		p.decrementMetric(ctx, "realtime", "active_sessions", metricsstore.RetentionRealtime)
		p.incrementMetric(ctx, "session", "sessions_ended_total", metricsstore.RetentionSession)

	case priority.ClassPerformance:
		if fields.DurationMs != nil {
			p.recordMetric(ctx, "performance", "duration_ms", float64(*fields.DurationMs), metricsstore.RetentionRealtime, ev.Timestamp)
		}

	case priority.ClassOther:
		// Unrecognised event type: nothing to derive. Acknowledged by the
		// caller like every other class.

	default:
		if p.logger != nil {
			p.logger.WithField("class", class).Warn("slowpath: unhandled derivation class")
		}
	}

	return nil
}

// appendCodeChange upserts a code-change row and refreshes the parent
// conversation's acceptance aggregates. Reached both from events
// classified directly as a code change and from tool-use events that
// carry an acceptance outcome (spec §4.7 step 3).
func (p *Pool) appendCodeChange(ctx context.Context, conversationID string, ev *types.Event, fields types.IndexedFields) error {
	operation, accepted, delayMs := codeChangeFields(ev)
	linesAdded, linesRemoved := int64(0), int64(0)
	if fields.LinesAdded != nil {
		linesAdded = *fields.LinesAdded
	}
	if fields.LinesRemoved != nil {
		linesRemoved = *fields.LinesRemoved
	}
	if _, err := p.derived.AppendCodeChange(ctx, conversationID, "", fileExtension(ev), operation, linesAdded, linesRemoved, accepted, delayMs, ev.EventID); err != nil {
		return fmt.Errorf("append_code_change: %w", err)
	}
	p.incrementMetric(ctx, "realtime", "code_changes_total", metricsstore.RetentionRealtime)
	return nil
}

func (p *Pool) incrementMetric(ctx context.Context, category, name string, class metricsstore.RetentionClass) {
	if p.metrics == nil {
		return
	}
	if err := p.metrics.Increment(ctx, category, name, 1, class); err != nil && p.logger != nil {
		p.logger.WithError(err).WithField("metric", category+"."+name).Debug("slowpath: metric increment failed")
	}
}

func (p *Pool) decrementMetric(ctx context.Context, category, name string, class metricsstore.RetentionClass) {
	if p.metrics == nil {
		return
	}
	if err := p.metrics.Increment(ctx, category, name, -1, class); err != nil && p.logger != nil {
		p.logger.WithError(err).WithField("metric", category+"."+name).Debug("slowpath: metric decrement failed")
	}
}

func (p *Pool) recordMetric(ctx context.Context, category, name string, value float64, class metricsstore.RetentionClass, t time.Time) {
	if p.metrics == nil {
		return
	}
	if err := p.metrics.Record(ctx, category, name, value, class, t); err != nil && p.logger != nil {
		p.logger.WithError(err).WithField("metric", category+"."+name).Debug("slowpath: metric record failed")
	}
}

// contentHash derives a stable, non-reversible identifier for a turn's
// content from the event bytes as returned (decompressed) by the trace
// store, so two deliveries of the same event hash identically.
func contentHash(raw []byte) string {
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}

func fileExtension(ev *types.Event) string {
	if v, ok := ev.Payload["file_extension"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if v, ok := ev.Metadata["file_extension"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func codeChangeFields(ev *types.Event) (types.ChangeOperation, types.AcceptedState, *int64) {
	operation := types.OpEdit
	if op := stringField(ev, "operation"); op != "" {
		operation = types.ChangeOperation(op)
	}

	accepted := types.AcceptedUnknown
	if v, ok := boolField(ev, "accepted"); ok {
		if v {
			accepted = types.AcceptedTrue
		} else {
			accepted = types.AcceptedFalse
		}
	}

	var delayMs *int64
	if n, ok := intField(ev, "acceptance_delay_ms"); ok {
		delayMs = &n
	}

	return operation, accepted, delayMs
}

func stringField(ev *types.Event, key string) string {
	if v, ok := ev.Payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if v, ok := ev.Metadata[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func boolField(ev *types.Event, key string) (bool, bool) {
	if v, ok := ev.Payload[key]; ok {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	if v, ok := ev.Metadata[key]; ok {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return false, false
}

func intField(ev *types.Event, key string) (int64, bool) {
	var raw interface{}
	var ok bool
	if raw, ok = ev.Payload[key]; !ok {
		if raw, ok = ev.Metadata[key]; !ok {
			return 0, false
		}
	}
	switch n := raw.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

// parseCDCRecord decodes a CDC stream entry back into its typed form.
func parseCDCRecord(msg stream.Message) (types.CDCRecord, error) {
	var record types.CDCRecord

	seq, err := strconv.ParseInt(msg.Fields["sequence"], 10, 64)
	if err != nil {
		return record, fmt.Errorf("slowpath: invalid sequence field: %w", err)
	}
	pr, err := strconv.Atoi(msg.Fields["priority"])
	if err != nil {
		return record, fmt.Errorf("slowpath: invalid priority field: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, msg.Fields["timestamp"])
	if err != nil {
		return record, fmt.Errorf("slowpath: invalid timestamp field: %w", err)
	}

	record = types.CDCRecord{
		Sequence:  seq,
		EventID:   msg.Fields["event_id"],
		SessionID: msg.Fields["session_id"],
		EventType: msg.Fields["event_type"],
		Platform:  msg.Fields["platform"],
		Priority:  types.Priority(pr),
		Timestamp: ts,
	}
	if record.EventID == "" || record.SessionID == "" {
		return record, fmt.Errorf("slowpath: missing required cdc fields")
	}
	return record, nil
}
