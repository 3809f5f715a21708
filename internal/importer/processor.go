package importer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/loadergate/internal/errs"
	"github.com/JonMunkholm/loadergate/internal/identity"
	"github.com/JonMunkholm/loadergate/internal/loader"
	"github.com/JonMunkholm/loadergate/internal/logging"
	"github.com/JonMunkholm/loadergate/internal/protect"
)

// Result is the outcome class of a row.
type Result string

const (
	ResultCreated         Result = "CREATED"
	ResultPendingApproval Result = "PENDING_APPROVAL"
	ResultWouldCreate     Result = "WOULD_CREATE"
	ResultWouldSubmit     Result = "WOULD_SUBMIT"
	ResultFailed          Result = "FAILED"
	ResultSkipped         Result = "SKIPPED"
)

// RowOutcome records what happened to one row.
type RowOutcome struct {
	RowNumber  int           `json:"row_number"`
	LoaderCode string        `json:"loader_code"`
	Action     Action        `json:"action"`
	Result     Result        `json:"result"`
	Success    bool          `json:"success"`
	Rerouted   bool          `json:"rerouted,omitempty"`
	VersionID  string        `json:"version_id,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
	Field      string        `json:"field,omitempty"`
	Message    string        `json:"message,omitempty"`
	Category   errs.Category `json:"category,omitempty"`
}

// ConfigService is what the processor needs from the configuration side.
// Exists and HasWorkingCopy never mutate, so dry runs only call those.
type ConfigService interface {
	Exists(ctx context.Context, code string, actor identity.Actor) (bool, error)
	HasWorkingCopy(ctx context.Context, code string, actor identity.Actor) (bool, error)
	CreateDirect(ctx context.Context, code string, p loader.Payload, actor identity.Actor) (*loader.Configuration, error)
	SubmitChange(ctx context.Context, code string, p loader.Payload, actor identity.Actor) (*loader.Result, error)
}

// EngineService adapts a loader.Engine to ConfigService.
type EngineService struct {
	Engine *loader.Engine
}

func (s EngineService) Exists(ctx context.Context, code string, _ identity.Actor) (bool, error) {
	return s.Engine.Exists(ctx, code)
}

func (s EngineService) HasWorkingCopy(ctx context.Context, code string, _ identity.Actor) (bool, error) {
	return s.Engine.HasWorkingCopy(ctx, code)
}

func (s EngineService) CreateDirect(ctx context.Context, code string, p loader.Payload, actor identity.Actor) (*loader.Configuration, error) {
	return s.Engine.CreateInitial(ctx, code, p, actor)
}

func (s EngineService) SubmitChange(ctx context.Context, code string, p loader.Payload, actor identity.Actor) (*loader.Result, error) {
	return s.Engine.ProposeChange(ctx, code, p, actor)
}

// Processor applies single rows. It is safe for concurrent use.
type Processor struct {
	svc         ConfigService
	callTimeout time.Duration
}

// NewProcessor creates a processor. callTimeout bounds each service call;
// zero disables the bound.
func NewProcessor(svc ConfigService, callTimeout time.Duration) *Processor {
	return &Processor{svc: svc, callTimeout: callTimeout}
}

// chainState carries what earlier dry-run rows for the same loader code
// would have done, so a later row is classified as a real run would see it.
type chainState struct {
	created bool // a CREATE would have made the loader
	working bool // a change would be waiting for approval
}

// Process validates and applies row. Failures are reported in the outcome,
// never returned.
func (p *Processor) Process(ctx context.Context, row Row, actor identity.Actor, dryRun bool) RowOutcome {
	return p.process(ctx, row, actor, dryRun, &chainState{})
}

// process is Process for one row of a chain. st is only read and written in
// dry runs; real runs see earlier rows through the service.
func (p *Processor) process(ctx context.Context, row Row, actor identity.Actor, dryRun bool, st *chainState) RowOutcome {
	out := RowOutcome{RowNumber: row.Number, LoaderCode: row.LoaderCode, Action: row.Action}

	if err := ctx.Err(); err != nil {
		return failed(out, errs.Downstream("process row", err))
	}
	if row.Err != nil {
		return failed(out, row.Err)
	}
	if err := loader.ValidateCode(row.LoaderCode); err != nil {
		return failed(out, err)
	}
	if row.Action == ActionDelete {
		return failed(out, errors.New("DELETE is not implemented"))
	}
	if err := loader.ValidatePayload(row.Payload); err != nil {
		return failed(out, err)
	}

	switch row.Action {
	case ActionCreate:
		return p.create(ctx, out, row, actor, dryRun, st)
	case ActionUpdate:
		return p.update(ctx, out, row, actor, dryRun, st)
	default:
		return failed(out, errs.Validation(ColAction, "must be CREATE, UPDATE or DELETE"))
	}
}

func (p *Processor) create(ctx context.Context, out RowOutcome, row Row, actor identity.Actor, dryRun bool, st *chainState) RowOutcome {
	if dryRun {
		exists, err := p.exists(ctx, row.LoaderCode, actor, st)
		if err != nil {
			return failed(out, err)
		}
		if exists {
			out.Rerouted = true
			return p.update(ctx, out, row, actor, true, st)
		}

		// A sentinel has nothing to keep on a brand-new loader.
		merged := row.Payload
		if err := protect.MergeUnchanged(&merged, nil); err != nil {
			return failed(out, err)
		}
		st.created = true
		out.Result = ResultWouldCreate
		out.Success = true
		return out
	}

	var c *loader.Configuration
	err := p.call(ctx, "create loader", func(ctx context.Context) error {
		var err error
		c, err = p.svc.CreateDirect(ctx, row.LoaderCode, row.Payload, actor)
		return err
	})
	if errs.IsConflict(err) {
		out.Rerouted = true
		return p.update(ctx, out, row, actor, false, st)
	}
	if err != nil {
		return failed(out, err)
	}

	out.Result = ResultCreated
	out.Success = true
	out.VersionID = c.ID.String()
	return out
}

// update checks existence first, then drafts and submits the change.
func (p *Processor) update(ctx context.Context, out RowOutcome, row Row, actor identity.Actor, dryRun bool, st *chainState) RowOutcome {
	exists, err := p.exists(ctx, row.LoaderCode, actor, st)
	if err != nil {
		return failed(out, err)
	}
	if !exists {
		return failed(out, fmt.Errorf("loader %q does not exist", row.LoaderCode))
	}

	if dryRun {
		busy := st.working
		if !busy && !st.created {
			err := p.call(ctx, "check working copy", func(ctx context.Context) error {
				var err error
				busy, err = p.svc.HasWorkingCopy(ctx, row.LoaderCode, actor)
				return err
			})
			if err != nil {
				return failed(out, err)
			}
		}
		if busy {
			return failed(out, errs.Conflict(row.LoaderCode, "a DRAFT or PENDING version already exists"))
		}
		st.working = true
		out.Result = ResultWouldSubmit
		out.Success = true
		return out
	}

	var res *loader.Result
	err = p.call(ctx, "submit change", func(ctx context.Context) error {
		var err error
		res, err = p.svc.SubmitChange(ctx, row.LoaderCode, row.Payload, actor)
		return err
	})
	if err != nil {
		return failed(out, err)
	}

	out.Result = ResultPendingApproval
	out.Success = true
	out.VersionID = res.Version.ID.String()
	if res.Request != nil {
		out.RequestID = res.Request.ID.String()
	}
	return out
}

func (p *Processor) exists(ctx context.Context, code string, actor identity.Actor, st *chainState) (bool, error) {
	if st.created {
		return true, nil
	}
	var exists bool
	err := p.call(ctx, "check loader exists", func(ctx context.Context) error {
		var err error
		exists, err = p.svc.Exists(ctx, code, actor)
		return err
	})
	return exists, err
}

// call runs fn under the per-call timeout and turns timeouts and connection
// failures into DownstreamUnavailableError.
func (p *Processor) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if p.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
	}

	err := fn(ctx)
	if err != nil && isUnavailable(err) {
		return errs.Downstream(op, err)
	}
	return err
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func failed(out RowOutcome, err error) RowOutcome {
	out.Result = ResultFailed
	out.Success = false
	out.Category = errs.CategoryOf(err)
	out.Message = err.Error()

	var ve *errs.ValidationError
	if errors.As(err, &ve) {
		out.Field = ve.Field
		out.Message = ve.Message
	}
	return out
}

// logOutcome writes row failures at debug level.
func logOutcome(ctx context.Context, batchID string, out RowOutcome) {
	if out.Success {
		return
	}
	logging.WithFields(ctx,
		"batch_id", batchID,
		"row", out.RowNumber,
		"loader_code", out.LoaderCode,
		"category", out.Category,
		"message", out.Message,
	).Debug("import row failed")
}
