package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/loadergate/internal/approval"
	"github.com/JonMunkholm/loadergate/internal/config"
	"github.com/JonMunkholm/loadergate/internal/errs"
	"github.com/JonMunkholm/loadergate/internal/identity"
	"github.com/JonMunkholm/loadergate/internal/logging"
	"github.com/JonMunkholm/loadergate/internal/protect"
)

// Options controls change-control policy.
type Options struct {
	ApproverRole         string
	AdminRole            string
	AllowArchiveOverride bool
}

// OptionsFromConfig maps the approval settings onto engine options.
func OptionsFromConfig(cfg config.ApprovalConfig) Options {
	return Options{
		ApproverRole:         cfg.ApproverRole,
		AdminRole:            cfg.AdminRole,
		AllowArchiveOverride: cfg.AllowArchiveOverride,
	}
}

// Result is a version together with the approval request a transition
// touched, if any.
type Result struct {
	Version *Configuration    `json:"version"`
	Request *approval.Request `json:"request,omitempty"`
}

// Engine performs every lifecycle transition of loader versions. Each
// operation runs in one unit of work, so a version's state and its approval
// request never disagree.
type Engine struct {
	tx   Transactor
	opts Options
	now  func() time.Time
}

// NewEngine creates an engine. Empty roles fall back to the well-known ones.
func NewEngine(tx Transactor, opts Options) *Engine {
	if opts.ApproverRole == "" {
		opts.ApproverRole = identity.RoleApprover
	}
	if opts.AdminRole == "" {
		opts.AdminRole = identity.RoleAdmin
	}
	return &Engine{tx: tx, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// CreateDraft opens a new working copy of code. It fails with a
// ConflictError while another DRAFT or PENDING version exists. Protected
// fields holding the sentinel keep the ACTIVE version's value.
func (e *Engine) CreateDraft(ctx context.Context, code string, p Payload, author identity.Actor) (c *Configuration, err error) {
	defer func() { recordTransition("create_draft", err) }()

	if err := requireActor(author, "create draft"); err != nil {
		return nil, err
	}
	if err := ValidateCode(code); err != nil {
		return nil, err
	}

	err = e.tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		c, err = e.draft(ctx, r, code, p, author)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logTransition(ctx, c, "create_draft", author)
	return c, nil
}

// ProposeChange drafts p for code and submits it in one unit of work. A
// failed submission leaves no draft behind.
func (e *Engine) ProposeChange(ctx context.Context, code string, p Payload, author identity.Actor) (res *Result, err error) {
	defer func() { recordTransition("propose", err) }()

	if err := requireActor(author, "propose change"); err != nil {
		return nil, err
	}
	if err := ValidateCode(code); err != nil {
		return nil, err
	}

	err = e.tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		c, err := e.draft(ctx, r, code, p, author)
		if err != nil {
			return err
		}
		res, err = e.openRequest(ctx, r, c, author, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logTransition(ctx, res.Version, "propose", author)
	return res, nil
}

// UpdateDraft replaces the payload of a DRAFT version.
func (e *Engine) UpdateDraft(ctx context.Context, id uuid.UUID, p Payload, author identity.Actor) (c *Configuration, err error) {
	defer func() { recordTransition("update_draft", err) }()

	if err := requireActor(author, "update draft"); err != nil {
		return nil, err
	}

	err = e.tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		c, err = lockVersion(ctx, r.Configs, id)
		if err != nil {
			return err
		}
		if c.State != StateDraft {
			return errs.InvalidState("edit", string(c.State))
		}
		if err := mergeProtected(&p, c); err != nil {
			return err
		}
		if err := ValidatePayload(p); err != nil {
			return err
		}
		if err := r.Configs.UpdatePayload(ctx, id, p); err != nil {
			return err
		}
		c.Payload = p
		c.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logTransition(ctx, c, "update_draft", author)
	return c, nil
}

// SubmitForApproval moves a DRAFT to PENDING and opens an approval request.
// A draft whose last request was rejected must go through Resubmit.
func (e *Engine) SubmitForApproval(ctx context.Context, id uuid.UUID, submitter identity.Actor) (res *Result, err error) {
	defer func() { recordTransition("submit", err) }()

	if err := requireActor(submitter, "submit"); err != nil {
		return nil, err
	}

	err = e.tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		c, err := lockVersion(ctx, r.Configs, id)
		if err != nil {
			return err
		}
		if c.State != StateDraft {
			return errs.InvalidState("submit", string(c.State))
		}

		latest, err := r.Ledger.Latest(ctx, EntityType, id.String())
		if err != nil {
			return err
		}
		if latest != nil && latest.Status == approval.StatusRejected {
			return &errs.InvalidStateError{Op: "submit", State: "REJECTED", Hint: "use resubmit"}
		}

		res, err = e.openRequest(ctx, r, c, submitter, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logTransition(ctx, res.Version, "submit", submitter)
	return res, nil
}

// Resubmit reopens review of a rejected DRAFT. The new request links back to
// the rejected one.
func (e *Engine) Resubmit(ctx context.Context, id uuid.UUID, submitter identity.Actor) (res *Result, err error) {
	defer func() { recordTransition("resubmit", err) }()

	if err := requireActor(submitter, "resubmit"); err != nil {
		return nil, err
	}

	err = e.tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		c, err := lockVersion(ctx, r.Configs, id)
		if err != nil {
			return err
		}
		if c.State != StateDraft {
			return errs.InvalidState("resubmit", string(c.State))
		}

		latest, err := r.Ledger.Latest(ctx, EntityType, id.String())
		if err != nil {
			return err
		}
		if latest == nil || latest.Status != approval.StatusRejected {
			return &errs.InvalidStateError{Op: "resubmit", State: "a draft that was not rejected", Hint: "use submit"}
		}

		res, err = e.openRequest(ctx, r, c, submitter, &latest.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logTransition(ctx, res.Version, "resubmit", submitter)
	return res, nil
}

// Approve promotes a PENDING version to ACTIVE, archiving the version it
// replaces. The approver must hold the approver role and must not be the
// submitter.
func (e *Engine) Approve(ctx context.Context, id uuid.UUID, approver identity.Actor, comment string) (res *Result, err error) {
	defer func() { recordTransition("approve", err) }()

	if err := requireActor(approver, "approve"); err != nil {
		return nil, err
	}

	var archived *Configuration
	err = e.tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		c, req, err := lockPending(ctx, r, id, "approve")
		if err != nil {
			return err
		}

		req, err = r.Ledger.Approve(ctx, req.ID, approver, comment)
		if err != nil {
			return err
		}

		archived, err = archiveActive(ctx, r.Configs, c.LoaderCode)
		if err != nil {
			return err
		}
		if err := r.Configs.UpdateState(ctx, c.ID, StatePending, StateActive); err != nil {
			return err
		}
		c.State = StateActive
		c.UpdatedAt = e.now()

		res = &Result{Version: c, Request: req}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if archived != nil {
		e.logTransition(ctx, archived, "archive", approver)
	}
	e.logTransition(ctx, res.Version, "approve", approver)
	return res, nil
}

// Reject returns a PENDING version to DRAFT. A comment is required so the
// submitter knows what to fix.
func (e *Engine) Reject(ctx context.Context, id uuid.UUID, approver identity.Actor, comment string) (res *Result, err error) {
	defer func() { recordTransition("reject", err) }()

	if err := requireActor(approver, "reject"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(comment) == "" {
		return nil, errs.Validation("comment", "is required when rejecting")
	}

	err = e.tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		c, req, err := lockPending(ctx, r, id, "reject")
		if err != nil {
			return err
		}

		req, err = r.Ledger.Reject(ctx, req.ID, approver, comment)
		if err != nil {
			return err
		}
		if err := r.Configs.UpdateState(ctx, c.ID, StatePending, StateDraft); err != nil {
			return err
		}
		c.State = StateDraft
		c.UpdatedAt = e.now()

		res = &Result{Version: c, Request: req}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logTransition(ctx, res.Version, "reject", approver)
	return res, nil
}

// Revoke withdraws a PENDING version back to DRAFT. Only the submitter may
// revoke; the draft can then be edited and submitted again.
func (e *Engine) Revoke(ctx context.Context, id uuid.UUID, submitter identity.Actor) (res *Result, err error) {
	defer func() { recordTransition("revoke", err) }()

	if err := requireActor(submitter, "revoke"); err != nil {
		return nil, err
	}

	err = e.tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		c, req, err := lockPending(ctx, r, id, "revoke")
		if err != nil {
			return err
		}

		req, err = r.Ledger.Revoke(ctx, req.ID, submitter)
		if err != nil {
			return err
		}
		if err := r.Configs.UpdateState(ctx, c.ID, StatePending, StateDraft); err != nil {
			return err
		}
		c.State = StateDraft
		c.UpdatedAt = e.now()

		res = &Result{Version: c, Request: req}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logTransition(ctx, res.Version, "revoke", submitter)
	return res, nil
}

// RestoreFromArchive copies an ARCHIVED version into a new DRAFT, which
// then needs approval like any other change.
func (e *Engine) RestoreFromArchive(ctx context.Context, archivedID uuid.UUID, author identity.Actor) (c *Configuration, err error) {
	defer func() { recordTransition("restore", err) }()

	if err := requireActor(author, "restore"); err != nil {
		return nil, err
	}

	err = e.tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		src, err := lockVersion(ctx, r.Configs, archivedID)
		if err != nil {
			return err
		}
		if src.State != StateArchived {
			return errs.InvalidState("restore", string(src.State))
		}

		if _, err := r.Configs.WorkingCopy(ctx, src.LoaderCode); err == nil {
			return errs.Conflict(src.LoaderCode, "a DRAFT or PENDING version already exists")
		} else if !errs.IsNotFound(err) {
			return err
		}

		version, err := r.Configs.MaxVersion(ctx, src.LoaderCode)
		if err != nil {
			return err
		}

		c = e.newVersion(src.LoaderCode, version+1, src.Payload, StateDraft, author)
		from := src.VersionNumber
		c.SupersedesVersion = &from
		return r.Configs.Insert(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	e.logTransition(ctx, c, "restore", author)
	return c, nil
}

// ForceActivateFromArchive re-activates an archived payload without a
// second approval. It is disabled unless AllowArchiveOverride is set, needs
// the admin role and a reason, and is recorded in the ledger as an approved
// request.
func (e *Engine) ForceActivateFromArchive(ctx context.Context, archivedID uuid.UUID, admin identity.Actor, reason string) (res *Result, err error) {
	defer func() { recordTransition("force_activate", err) }()

	if err := requireActor(admin, "force activate"); err != nil {
		return nil, err
	}
	if !e.opts.AllowArchiveOverride {
		return nil, errs.Unauthorized(admin.Name, "force activate", "archive override is disabled")
	}
	if !admin.HasRole(e.opts.AdminRole) {
		return nil, errs.Unauthorized(admin.Name, "force activate", "missing role "+e.opts.AdminRole)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, errs.Validation("reason", "is required for an override")
	}

	var archived *Configuration
	err = e.tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		src, err := lockVersion(ctx, r.Configs, archivedID)
		if err != nil {
			return err
		}
		if src.State != StateArchived {
			return errs.InvalidState("force activate", string(src.State))
		}

		// An open working copy would be silently superseded.
		if _, err := r.Configs.WorkingCopy(ctx, src.LoaderCode); err == nil {
			return errs.Conflict(src.LoaderCode, "a DRAFT or PENDING version already exists")
		} else if !errs.IsNotFound(err) {
			return err
		}

		archived, err = archiveActive(ctx, r.Configs, src.LoaderCode)
		if err != nil {
			return err
		}

		version, err := r.Configs.MaxVersion(ctx, src.LoaderCode)
		if err != nil {
			return err
		}
		c := e.newVersion(src.LoaderCode, version+1, src.Payload, StateActive, admin)
		from := src.VersionNumber
		c.SupersedesVersion = &from
		if err := r.Configs.Insert(ctx, c); err != nil {
			return err
		}

		req, err := r.Ledger.RecordDecided(ctx, approval.OpenParams{
			EntityType:   EntityType,
			EntityID:     c.ID.String(),
			RequestedBy:  admin.Name,
			ApproverRole: e.opts.AdminRole,
		}, admin.Name, "override: "+strings.TrimSpace(reason))
		if err != nil {
			return err
		}

		res = &Result{Version: c, Request: req}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if archived != nil {
		e.logTransition(ctx, archived, "archive", admin)
	}
	logging.WithFields(ctx,
		"loader_code", res.Version.LoaderCode,
		"version", res.Version.VersionNumber,
		"restored_from", *res.Version.SupersedesVersion,
		"actor", admin.Name,
		"reason", reason,
	).Warn("archive override activated loader version")
	return res, nil
}

// CreateInitial inserts version 1 of a brand-new loader directly as ACTIVE.
// Any existing history for code is a ConflictError; the version-number
// constraint makes two concurrent creators collide the same way.
func (e *Engine) CreateInitial(ctx context.Context, code string, p Payload, author identity.Actor) (c *Configuration, err error) {
	defer func() { recordTransition("create_initial", err) }()

	if err := requireActor(author, "create"); err != nil {
		return nil, err
	}
	if err := ValidateCode(code); err != nil {
		return nil, err
	}
	if err := mergeProtected(&p, nil); err != nil {
		return nil, err
	}
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}

	err = e.tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		version, err := r.Configs.MaxVersion(ctx, code)
		if err != nil {
			return err
		}
		if version > 0 {
			return errs.Conflict(code, "loader already exists")
		}
		c = e.newVersion(code, 1, p, StateActive, author)
		return r.Configs.Insert(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	e.logTransition(ctx, c, "create_initial", author)
	return c, nil
}

// Get returns a version by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Configuration, error) {
	c, err := e.tx.Read().Configs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("version %s: %w", id, err)
	}
	return c, nil
}

// Active returns the ACTIVE version of code.
func (e *Engine) Active(ctx context.Context, code string) (*Configuration, error) {
	c, err := e.tx.Read().Configs.Active(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("active version of %q: %w", code, err)
	}
	return c, nil
}

// WorkingCopy returns the DRAFT or PENDING version of code.
func (e *Engine) WorkingCopy(ctx context.Context, code string) (*Configuration, error) {
	c, err := e.tx.Read().Configs.WorkingCopy(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("working copy of %q: %w", code, err)
	}
	return c, nil
}

// HasWorkingCopy reports whether code has a DRAFT or PENDING version.
func (e *Engine) HasWorkingCopy(ctx context.Context, code string) (bool, error) {
	_, err := e.tx.Read().Configs.WorkingCopy(ctx, code)
	switch {
	case err == nil:
		return true, nil
	case errs.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// History lists every version of code, oldest first.
func (e *Engine) History(ctx context.Context, code string) ([]Configuration, error) {
	return e.tx.Read().Configs.History(ctx, code)
}

// Exists reports whether code has any version.
func (e *Engine) Exists(ctx context.Context, code string) (bool, error) {
	return e.tx.Read().Configs.Exists(ctx, code)
}

// ListActive lists the ACTIVE version of every loader.
func (e *Engine) ListActive(ctx context.Context) ([]Configuration, error) {
	return e.tx.Read().Configs.ListActive(ctx)
}

// Summaries lists every loader with its active and working versions.
func (e *Engine) Summaries(ctx context.Context) ([]Summary, error) {
	return e.tx.Read().Configs.Summaries(ctx)
}

// Approvals lists the approval requests of a version, oldest first.
func (e *Engine) Approvals(ctx context.Context, id uuid.UUID) ([]approval.Request, error) {
	return e.tx.Read().Ledger.History(ctx, EntityType, id.String())
}

// Ledger exposes the read side of the approval ledger.
func (e *Engine) Ledger() *approval.Ledger {
	return e.tx.Read().Ledger
}

func (e *Engine) newVersion(code string, version int, p Payload, state State, author identity.Actor) *Configuration {
	now := e.now()
	return &Configuration{
		ID:            uuid.New(),
		LoaderCode:    code,
		VersionNumber: version,
		Payload:       p,
		State:         state,
		CreatedBy:     author.Name,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// draft inserts the next working copy of code.
func (e *Engine) draft(ctx context.Context, r Repos, code string, p Payload, author identity.Actor) (*Configuration, error) {
	if _, err := r.Configs.WorkingCopy(ctx, code); err == nil {
		return nil, errs.Conflict(code, "a DRAFT or PENDING version already exists")
	} else if !errs.IsNotFound(err) {
		return nil, err
	}

	active, err := activeOrNil(ctx, r.Configs, code)
	if err != nil {
		return nil, err
	}
	if err := mergeProtected(&p, active); err != nil {
		return nil, err
	}
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}

	version, err := r.Configs.MaxVersion(ctx, code)
	if err != nil {
		return nil, err
	}

	c := e.newVersion(code, version+1, p, StateDraft, author)
	if active != nil {
		v := active.VersionNumber
		c.SupersedesVersion = &v
	}
	if err := r.Configs.Insert(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// openRequest moves c to PENDING and opens its approval request.
func (e *Engine) openRequest(ctx context.Context, r Repos, c *Configuration, submitter identity.Actor, previous *uuid.UUID) (*Result, error) {
	if err := r.Configs.UpdateState(ctx, c.ID, StateDraft, StatePending); err != nil {
		return nil, err
	}
	req, err := r.Ledger.Open(ctx, approval.OpenParams{
		EntityType:   EntityType,
		EntityID:     c.ID.String(),
		RequestedBy:  submitter.Name,
		ApproverRole: e.opts.ApproverRole,
		Previous:     previous,
	})
	if err != nil {
		return nil, err
	}
	c.State = StatePending
	c.UpdatedAt = e.now()
	return &Result{Version: c, Request: req}, nil
}

func (e *Engine) logTransition(ctx context.Context, c *Configuration, transition string, actor identity.Actor) {
	logging.WithFields(ctx,
		"loader_code", c.LoaderCode,
		"version", c.VersionNumber,
		"state", c.State,
		"transition", transition,
		"actor", actor.Name,
	).Info("loader version transition")
}

func requireActor(a identity.Actor, op string) error {
	if a.IsZero() {
		return errs.Unauthorized("anonymous", op, "no actor")
	}
	return nil
}

func lockVersion(ctx context.Context, s ConfigStore, id uuid.UUID) (*Configuration, error) {
	c, err := s.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("version %s: %w", id, err)
	}
	return c, nil
}

// lockPending locks a PENDING version and returns its open request.
func lockPending(ctx context.Context, r Repos, id uuid.UUID, op string) (*Configuration, *approval.Request, error) {
	c, err := lockVersion(ctx, r.Configs, id)
	if err != nil {
		return nil, nil, err
	}
	if c.State != StatePending {
		return nil, nil, errs.InvalidState(op, string(c.State))
	}
	req, err := r.Ledger.OpenFor(ctx, EntityType, id.String())
	if err != nil {
		return nil, nil, err
	}
	return c, req, nil
}

func activeOrNil(ctx context.Context, s ConfigStore, code string) (*Configuration, error) {
	c, err := s.Active(ctx, code)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// archiveActive archives the ACTIVE version of code, if any, and returns it.
func archiveActive(ctx context.Context, s ConfigStore, code string) (*Configuration, error) {
	active, err := activeOrNil(ctx, s, code)
	if err != nil || active == nil {
		return nil, err
	}
	if err := s.UpdateState(ctx, active.ID, StateActive, StateArchived); err != nil {
		return nil, err
	}
	active.State = StateArchived
	return active, nil
}

func mergeProtected(p *Payload, current *Configuration) error {
	if current == nil {
		return protect.MergeUnchanged(p, nil)
	}
	return protect.MergeUnchanged(p, &current.Payload)
}
