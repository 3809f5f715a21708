// Package importer turns spreadsheets of loader changes into lifecycle
// operations.
//
// A batch is read and checked as a whole first (format, header, size, row
// count); file-level problems abort it before any row runs. Rows are then
// applied by a bounded worker pool, one sequential chain per loader code:
// one row failing never stops or undoes another. Every batch, dry runs included, leaves exactly
// one AuditRecord from which the error report is produced.
package importer

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/loadergate/internal/config"
	"github.com/JonMunkholm/loadergate/internal/errs"
	"github.com/JonMunkholm/loadergate/internal/identity"
	"github.com/JonMunkholm/loadergate/internal/logging"
)

// DefaultWorkers is the per-batch row pool size when none is configured.
const DefaultWorkers = 8

// auditWriteTimeout bounds the audit insert, which runs even after the batch
// context has expired.
const auditWriteTimeout = 10 * time.Second

// Options configures an Orchestrator.
type Options struct {
	Workers      int
	CallTimeout  time.Duration
	BatchTimeout time.Duration
	Limits       Limits
}

// OptionsFromConfig maps import settings onto orchestrator options.
func OptionsFromConfig(cfg config.ImportConfig) Options {
	return Options{
		Workers:      cfg.Workers,
		CallTimeout:  cfg.CallTimeout,
		BatchTimeout: cfg.BatchTimeout,
		Limits:       Limits{MaxRows: cfg.MaxRows, MaxFileSize: cfg.MaxFileSize},
	}
}

// FileInfo identifies the file a batch came from.
type FileInfo struct {
	Name   string
	Size   int64
	SHA256 string
}

// BatchRequest is one import batch. NoWait makes a busy limiter refuse the
// batch at once instead of queueing it for up to the wait timeout.
type BatchRequest struct {
	Rows      []Row
	Label     string
	File      FileInfo
	Submitter identity.Actor
	DryRun    bool
	NoWait    bool
}

// BatchResult summarises a finished batch. Outcomes are in row order.
type BatchResult struct {
	ID          uuid.UUID    `json:"id"`
	Label       string       `json:"label"`
	DryRun      bool         `json:"dry_run"`
	Total       int          `json:"total"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	Outcomes    []RowOutcome `json:"outcomes"`
	Errors      []RowError   `json:"errors"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// FileUpload is a sheet to import.
type FileUpload struct {
	Name   string
	Reader io.Reader
}

// Orchestrator runs import batches.
type Orchestrator struct {
	processor *Processor
	audits    AuditStore
	limiter   *BatchLimiter
	opts      Options
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator. limiter may be nil, in which case
// batches are not bounded across callers.
func NewOrchestrator(svc ConfigService, audits AuditStore, limiter *BatchLimiter, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Orchestrator{
		processor: NewProcessor(svc, opts.CallTimeout),
		audits:    audits,
		limiter:   limiter,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Limiter returns the batch limiter, or nil.
func (o *Orchestrator) Limiter() *BatchLimiter {
	return o.limiter
}

// Audits returns the audit store.
func (o *Orchestrator) Audits() AuditStore {
	return o.audits
}

// ImportFile reads upload and imports its rows. req carries the label,
// submitter and run flags; its Rows and File are taken from the sheet.
// File-level problems are returned as errors and nothing is applied or
// audited.
func (o *Orchestrator) ImportFile(ctx context.Context, upload FileUpload, req BatchRequest) (*BatchResult, error) {
	if upload.Reader == nil {
		return nil, ErrNoFile
	}

	sheet, err := ReadSheet(upload.Reader, upload.Name, o.opts.Limits)
	if err != nil {
		logging.WithFields(ctx, "file", upload.Name, "error", err).Warn("import file rejected")
		return nil, err
	}

	req.Rows = sheet.Rows
	req.File = FileInfo{Name: upload.Name, Size: sheet.Size, SHA256: sheet.SHA256}
	return o.ImportBatch(ctx, req)
}

// ImportBatch applies req.Rows with bounded parallelism and records the
// batch. Row failures are reported in the result; an error is returned only
// when the batch could not run or could not be audited.
func (o *Orchestrator) ImportBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if req.Submitter.IsZero() {
		return nil, errs.Unauthorized("anonymous", "import", "no actor")
	}
	if o.opts.Limits.MaxRows > 0 && len(req.Rows) > o.opts.Limits.MaxRows {
		return nil, fmt.Errorf("too many rows: limit is %d", o.opts.Limits.MaxRows)
	}

	if o.limiter != nil {
		if err := o.acquire(ctx, req.NoWait); err != nil {
			return nil, err
		}
		defer o.limiter.Release()
	}

	res := &BatchResult{
		ID:        uuid.New(),
		Label:     req.Label,
		DryRun:    req.DryRun,
		Total:     len(req.Rows),
		StartedAt: o.now(),
	}
	log := logging.WithFields(ctx,
		"batch_id", res.ID,
		"label", req.Label,
		"rows", len(req.Rows),
		"dry_run", req.DryRun,
	)
	log.Info("import started")

	runCtx := ctx
	if o.opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.opts.BatchTimeout)
		defer cancel()
	}

	res.Outcomes = o.run(runCtx, res.ID.String(), req)
	res.CompletedAt = o.now()

	res.Errors = make([]RowError, 0)
	for _, out := range res.Outcomes {
		rowsProcessed.WithLabelValues(string(out.Action), string(out.Result)).Inc()
		if out.Rerouted {
			rowsRerouted.Inc()
		}
		if out.Success {
			res.Succeeded++
			continue
		}
		res.Failed++
		res.Errors = append(res.Errors, RowError{
			Row:        out.RowNumber,
			LoaderCode: out.LoaderCode,
			Field:      out.Field,
			Message:    out.Message,
			Category:   out.Category,
		})
	}

	batchesCompleted.WithLabelValues(strconv.FormatBool(req.DryRun)).Inc()
	batchDuration.Observe(res.CompletedAt.Sub(res.StartedAt).Seconds())

	if err := o.record(ctx, req, res); err != nil {
		log.Error("import audit failed", "error", err)
		return res, err
	}

	log.Info("import finished", "succeeded", res.Succeeded, "failed", res.Failed)
	return res, nil
}

// run processes rows on the worker pool. Rows sharing a loader code form one
// chain and run in sheet order, so an UPDATE sees the CREATE above it;
// distinct chains run in parallel. Each chain writes only its own slots, so
// no locking is needed.
func (o *Orchestrator) run(ctx context.Context, batchID string, req BatchRequest) []RowOutcome {
	outcomes := make([]RowOutcome, len(req.Rows))

	var g errgroup.Group
	g.SetLimit(o.opts.Workers)

	for _, chain := range chainRows(req.Rows) {
		g.Go(func() error {
			st := &chainState{}
			for _, i := range chain {
				outcomes[i] = o.processor.process(ctx, req.Rows[i], req.Submitter, req.DryRun, st)
				logOutcome(ctx, batchID, outcomes[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// chainRows groups row indexes by loader code, chains in order of first
// appearance. Rows without a code each form their own chain.
func chainRows(rows []Row) [][]int {
	var chains [][]int
	byCode := make(map[string]int, len(rows))
	for i, row := range rows {
		if row.LoaderCode == "" {
			chains = append(chains, []int{i})
			continue
		}
		if c, seen := byCode[row.LoaderCode]; seen {
			chains[c] = append(chains[c], i)
			continue
		}
		byCode[row.LoaderCode] = len(chains)
		chains = append(chains, []int{i})
	}
	return chains
}

func (o *Orchestrator) acquire(ctx context.Context, noWait bool) error {
	if !noWait {
		return o.limiter.Acquire(ctx)
	}
	if !o.limiter.TryAcquire() {
		importsRefused.Inc()
		return ErrTooManyImports
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, req BatchRequest, res *BatchResult) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	rec := &AuditRecord{
		ID:          res.ID,
		BatchLabel:  req.Label,
		FileName:    req.File.Name,
		FileSize:    req.File.Size,
		FileSHA256:  req.File.SHA256,
		Submitter:   req.Submitter.Name,
		DryRun:      req.DryRun,
		Total:       res.Total,
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		Errors:      res.Errors,
		Outcomes:    res.Outcomes,
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
	}
	if err := o.audits.Insert(ctx, rec); err != nil {
		return fmt.Errorf("record import audit: %w", err)
	}
	return nil
}
