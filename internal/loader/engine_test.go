package loader

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/loadergate/internal/approval"
	"github.com/JonMunkholm/loadergate/internal/errs"
	"github.com/JonMunkholm/loadergate/internal/identity"
	"github.com/JonMunkholm/loadergate/internal/protect"
)

var (
	author   = identity.Actor{Name: "alice"}
	approver = identity.Actor{Name: "bob", Roles: []string{identity.RoleApprover}}
	selfish  = identity.Actor{Name: "alice", Roles: []string{identity.RoleApprover}}
	admin    = identity.Actor{Name: "root", Roles: []string{identity.RoleAdmin}}
)

func testProtector(t *testing.T) *protect.Protector {
	t.Helper()
	p, err := protect.New(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return p
}

func payload(sql string) Payload {
	return Payload{
		Name:               "Daily signals",
		SourceConnection:   "warehouse",
		ConnectionSecret:   "s3cret",
		LoaderSQL:          sql,
		MinIntervalSeconds: 60,
		MaxIntervalSeconds: 300,
		PurgeStrategy:      PurgeNone,
		Enabled:            true,
	}
}

// assertInvariant checks the one-active, one-working-copy rule for code.
func assertInvariant(t *testing.T, e *Engine, code string) {
	t.Helper()
	history, err := e.History(context.Background(), code)
	require.NoError(t, err)

	var active, working int
	for _, c := range history {
		switch {
		case c.State == StateActive:
			active++
		case c.State.IsWorkingCopy():
			working++
		}
	}
	require.LessOrEqual(t, active, 1, "active versions of %s", code)
	require.LessOrEqual(t, working, 1, "working copies of %s", code)
}

func runEngineSuite(t *testing.T, newTx func(t *testing.T) Transactor) {
	ctx := context.Background()

	newEngine := func(t *testing.T, opts Options) *Engine {
		return NewEngine(newTx(t), opts)
	}

	t.Run("create initial is active", func(t *testing.T) {
		e := newEngine(t, Options{})
		c, err := e.CreateInitial(ctx, "ORDERS", payload("select 1"), author)
		require.NoError(t, err)
		require.Equal(t, StateActive, c.State)
		require.Equal(t, 1, c.VersionNumber)

		active, err := e.Active(ctx, "ORDERS")
		require.NoError(t, err)
		require.Equal(t, c.ID, active.ID)
		require.Equal(t, "s3cret", active.Payload.ConnectionSecret)

		_, err = e.CreateInitial(ctx, "ORDERS", payload("select 2"), author)
		require.True(t, errs.IsConflict(err), "got %v", err)
	})

	t.Run("draft submit approve archives previous", func(t *testing.T) {
		e := newEngine(t, Options{})
		v1, err := e.CreateInitial(ctx, "SALES", payload("select 1"), author)
		require.NoError(t, err)

		draft, err := e.CreateDraft(ctx, "SALES", payload("select 2"), author)
		require.NoError(t, err)
		require.Equal(t, 2, draft.VersionNumber)
		require.Equal(t, StateDraft, draft.State)
		require.NotNil(t, draft.SupersedesVersion)
		require.Equal(t, 1, *draft.SupersedesVersion)

		sub, err := e.SubmitForApproval(ctx, draft.ID, author)
		require.NoError(t, err)
		require.Equal(t, StatePending, sub.Version.State)
		require.Equal(t, approval.StatusPending, sub.Request.Status)
		require.Equal(t, identity.RoleApprover, sub.Request.ApproverRole)

		res, err := e.Approve(ctx, draft.ID, approver, "ok")
		require.NoError(t, err)
		require.Equal(t, StateActive, res.Version.State)
		require.Equal(t, approval.StatusApproved, res.Request.Status)

		old, err := e.Get(ctx, v1.ID)
		require.NoError(t, err)
		require.Equal(t, StateArchived, old.State)

		active, err := e.Active(ctx, "SALES")
		require.NoError(t, err)
		require.Equal(t, draft.ID, active.ID)
		require.Equal(t, "select 2", active.Payload.LoaderSQL)
		assertInvariant(t, e, "SALES")
	})

	t.Run("second working copy conflicts", func(t *testing.T) {
		e := newEngine(t, Options{})
		_, err := e.CreateDraft(ctx, "DUP", payload("select 1"), author)
		require.NoError(t, err)

		_, err = e.CreateDraft(ctx, "DUP", payload("select 2"), author)
		require.True(t, errs.IsConflict(err), "got %v", err)
		assertInvariant(t, e, "DUP")
	})

	t.Run("concurrent drafts leave one working copy", func(t *testing.T) {
		e := newEngine(t, Options{})
		_, err := e.CreateInitial(ctx, "RACE", payload("select 1"), author)
		require.NoError(t, err)

		const n = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok        int
			conflicts int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.CreateDraft(ctx, "RACE", payload("select 2"), author)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errs.IsConflict(err):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 1, ok)
		require.Equal(t, n-1, conflicts)
		assertInvariant(t, e, "RACE")
	})

	t.Run("self approval is refused and nothing changes", func(t *testing.T) {
		e := newEngine(t, Options{})
		draft, err := e.CreateDraft(ctx, "SELF", payload("select 1"), author)
		require.NoError(t, err)
		_, err = e.SubmitForApproval(ctx, draft.ID, author)
		require.NoError(t, err)

		_, err = e.Approve(ctx, draft.ID, selfish, "")
		require.True(t, errs.IsAuthorization(err), "got %v", err)

		got, err := e.Get(ctx, draft.ID)
		require.NoError(t, err)
		require.Equal(t, StatePending, got.State)

		_, err = e.Active(ctx, "SELF")
		require.True(t, errs.IsNotFound(err))
	})

	t.Run("approver role required", func(t *testing.T) {
		e := newEngine(t, Options{})
		draft, err := e.CreateDraft(ctx, "ROLE", payload("select 1"), author)
		require.NoError(t, err)
		_, err = e.SubmitForApproval(ctx, draft.ID, author)
		require.NoError(t, err)

		_, err = e.Approve(ctx, draft.ID, identity.Actor{Name: "carol"}, "")
		require.True(t, errs.IsAuthorization(err))
	})

	t.Run("reject then resubmit keeps payload", func(t *testing.T) {
		e := newEngine(t, Options{})
		draft, err := e.CreateDraft(ctx, "REJ", payload("select 1"), author)
		require.NoError(t, err)
		first, err := e.SubmitForApproval(ctx, draft.ID, author)
		require.NoError(t, err)

		_, err = e.Reject(ctx, draft.ID, approver, "")
		require.True(t, errs.IsValidation(err))

		rej, err := e.Reject(ctx, draft.ID, approver, "missing filter")
		require.NoError(t, err)
		require.Equal(t, StateDraft, rej.Version.State)
		require.Equal(t, approval.StatusRejected, rej.Request.Status)

		after, err := e.Get(ctx, draft.ID)
		require.NoError(t, err)
		require.Equal(t, draft.Payload, after.Payload)

		_, err = e.SubmitForApproval(ctx, draft.ID, author)
		var ise *errs.InvalidStateError
		require.ErrorAs(t, err, &ise)
		require.Equal(t, "use resubmit", ise.Hint)

		re, err := e.Resubmit(ctx, draft.ID, author)
		require.NoError(t, err)
		require.Equal(t, StatePending, re.Version.State)
		require.NotNil(t, re.Request.PreviousRequestID)
		require.Equal(t, first.Request.ID, *re.Request.PreviousRequestID)

		reqs, err := e.Approvals(ctx, draft.ID)
		require.NoError(t, err)
		require.Len(t, reqs, 2)
		require.Equal(t, approval.StatusRejected, reqs[0].Status)
		require.Equal(t, approval.StatusPending, reqs[1].Status)
	})

	t.Run("rejecting twice is an invalid state", func(t *testing.T) {
		e := newEngine(t, Options{})
		draft, err := e.CreateDraft(ctx, "REJ2", payload("select 1"), author)
		require.NoError(t, err)
		_, err = e.SubmitForApproval(ctx, draft.ID, author)
		require.NoError(t, err)
		_, err = e.Reject(ctx, draft.ID, approver, "no")
		require.NoError(t, err)

		before, err := e.Get(ctx, draft.ID)
		require.NoError(t, err)

		_, err = e.Reject(ctx, draft.ID, approver, "no again")
		require.True(t, errs.IsInvalidState(err), "got %v", err)

		after, err := e.Get(ctx, draft.ID)
		require.NoError(t, err)
		require.Equal(t, before.State, after.State)
		require.Equal(t, before.Payload, after.Payload)
	})

	t.Run("resubmit without rejection is refused", func(t *testing.T) {
		e := newEngine(t, Options{})
		draft, err := e.CreateDraft(ctx, "RESUB", payload("select 1"), author)
		require.NoError(t, err)

		_, err = e.Resubmit(ctx, draft.ID, author)
		require.True(t, errs.IsInvalidState(err))
	})

	t.Run("revoke returns to draft and allows submit", func(t *testing.T) {
		e := newEngine(t, Options{})
		draft, err := e.CreateDraft(ctx, "REV", payload("select 1"), author)
		require.NoError(t, err)
		_, err = e.SubmitForApproval(ctx, draft.ID, author)
		require.NoError(t, err)

		_, err = e.Revoke(ctx, draft.ID, approver)
		require.True(t, errs.IsAuthorization(err))

		res, err := e.Revoke(ctx, draft.ID, author)
		require.NoError(t, err)
		require.Equal(t, StateDraft, res.Version.State)
		require.Equal(t, approval.StatusRevoked, res.Request.Status)

		_, err = e.SubmitForApproval(ctx, draft.ID, author)
		require.NoError(t, err)
	})

	t.Run("propose change drafts and submits", func(t *testing.T) {
		e := newEngine(t, Options{})
		_, err := e.CreateInitial(ctx, "PROP", payload("select 1"), author)
		require.NoError(t, err)

		res, err := e.ProposeChange(ctx, "PROP", payload("select 2"), author)
		require.NoError(t, err)
		require.Equal(t, StatePending, res.Version.State)
		require.Equal(t, approval.StatusPending, res.Request.Status)
		require.Equal(t, res.Version.ID.String(), res.Request.EntityID)

		_, err = e.ProposeChange(ctx, "PROP", payload("select 3"), author)
		require.True(t, errs.IsConflict(err))

		history, err := e.History(ctx, "PROP")
		require.NoError(t, err)
		require.Len(t, history, 2)
	})

	t.Run("update draft only while draft", func(t *testing.T) {
		e := newEngine(t, Options{})
		draft, err := e.CreateDraft(ctx, "EDIT", payload("select 1"), author)
		require.NoError(t, err)

		edit := payload("select 99")
		edit.ConnectionSecret = protect.Sentinel
		updated, err := e.UpdateDraft(ctx, draft.ID, edit, author)
		require.NoError(t, err)
		require.Equal(t, "select 99", updated.Payload.LoaderSQL)
		require.Equal(t, "s3cret", updated.Payload.ConnectionSecret)

		_, err = e.SubmitForApproval(ctx, draft.ID, author)
		require.NoError(t, err)
		_, err = e.UpdateDraft(ctx, draft.ID, payload("select 100"), author)
		require.True(t, errs.IsInvalidState(err))
	})

	t.Run("sentinel keeps active secret", func(t *testing.T) {
		e := newEngine(t, Options{})
		_, err := e.CreateInitial(ctx, "SECRET", payload("select 1"), author)
		require.NoError(t, err)

		p := payload("select 2")
		p.ConnectionSecret = protect.Sentinel
		draft, err := e.CreateDraft(ctx, "SECRET", p, author)
		require.NoError(t, err)
		require.Equal(t, "s3cret", draft.Payload.ConnectionSecret)

		p.ConnectionSecret = protect.Sentinel
		_, err = e.CreateInitial(ctx, "NOSECRET", p, author)
		require.True(t, errs.IsValidation(err))
	})

	t.Run("restore creates draft needing approval", func(t *testing.T) {
		e := newEngine(t, Options{})
		v1, err := e.CreateInitial(ctx, "REST", payload("select 1"), author)
		require.NoError(t, err)
		v2, err := e.CreateDraft(ctx, "REST", payload("select 2"), author)
		require.NoError(t, err)
		_, err = e.SubmitForApproval(ctx, v2.ID, author)
		require.NoError(t, err)
		_, err = e.Approve(ctx, v2.ID, approver, "")
		require.NoError(t, err)

		_, err = e.RestoreFromArchive(ctx, v2.ID, author)
		require.True(t, errs.IsInvalidState(err))

		restored, err := e.RestoreFromArchive(ctx, v1.ID, author)
		require.NoError(t, err)
		require.Equal(t, StateDraft, restored.State)
		require.Equal(t, 3, restored.VersionNumber)
		require.Equal(t, 1, *restored.SupersedesVersion)
		require.Equal(t, "select 1", restored.Payload.LoaderSQL)

		active, err := e.Active(ctx, "REST")
		require.NoError(t, err)
		require.Equal(t, v2.ID, active.ID)

		_, err = e.RestoreFromArchive(ctx, v1.ID, author)
		require.True(t, errs.IsConflict(err))
		assertInvariant(t, e, "REST")
	})

	t.Run("force activate is gated", func(t *testing.T) {
		e := newEngine(t, Options{})
		v1, err := e.CreateInitial(ctx, "FORCE", payload("select 1"), author)
		require.NoError(t, err)
		v2, err := e.CreateDraft(ctx, "FORCE", payload("select 2"), author)
		require.NoError(t, err)
		_, err = e.SubmitForApproval(ctx, v2.ID, author)
		require.NoError(t, err)
		_, err = e.Approve(ctx, v2.ID, approver, "")
		require.NoError(t, err)

		_, err = e.ForceActivateFromArchive(ctx, v1.ID, admin, "incident 42")
		require.True(t, errs.IsAuthorization(err), "disabled by default")

		enabled := NewEngine(e.tx, Options{AllowArchiveOverride: true})
		_, err = enabled.ForceActivateFromArchive(ctx, v1.ID, approver, "incident 42")
		require.True(t, errs.IsAuthorization(err), "admin role required")
		_, err = enabled.ForceActivateFromArchive(ctx, v1.ID, admin, " ")
		require.True(t, errs.IsValidation(err))

		res, err := enabled.ForceActivateFromArchive(ctx, v1.ID, admin, "incident 42")
		require.NoError(t, err)
		require.Equal(t, StateActive, res.Version.State)
		require.Equal(t, 3, res.Version.VersionNumber)
		require.Equal(t, "select 1", res.Version.Payload.LoaderSQL)
		require.Equal(t, approval.StatusApproved, res.Request.Status)
		require.Equal(t, "override: incident 42", res.Request.Comment)

		old, err := e.Get(ctx, v2.ID)
		require.NoError(t, err)
		require.Equal(t, StateArchived, old.State)
		assertInvariant(t, e, "FORCE")
	})

	t.Run("invalid payload and code", func(t *testing.T) {
		e := newEngine(t, Options{})
		_, err := e.CreateDraft(ctx, "bad code!", payload("select 1"), author)
		require.True(t, errs.IsValidation(err))

		p := payload("")
		_, err = e.CreateDraft(ctx, "EMPTYSQL", p, author)
		var ve *errs.ValidationError
		require.ErrorAs(t, err, &ve)
		require.Equal(t, "loader_sql", ve.Field)

		exists, err := e.Exists(ctx, "EMPTYSQL")
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("anonymous actor refused", func(t *testing.T) {
		e := newEngine(t, Options{})
		_, err := e.CreateDraft(ctx, "ANON", payload("select 1"), identity.Actor{})
		require.True(t, errs.IsAuthorization(err))
	})

	t.Run("unknown version", func(t *testing.T) {
		e := newEngine(t, Options{})
		_, err := e.SubmitForApproval(ctx, uuid.New(), author)
		require.True(t, errs.IsNotFound(err))
	})

	t.Run("reads", func(t *testing.T) {
		e := newEngine(t, Options{})
		_, err := e.CreateInitial(ctx, "B_LOADER", payload("select 1"), author)
		require.NoError(t, err)
		_, err = e.CreateInitial(ctx, "A_LOADER", payload("select 1"), author)
		require.NoError(t, err)
		draft, err := e.CreateDraft(ctx, "A_LOADER", payload("select 2"), author)
		require.NoError(t, err)

		has, err := e.HasWorkingCopy(ctx, "A_LOADER")
		require.NoError(t, err)
		require.True(t, has)
		has, err = e.HasWorkingCopy(ctx, "B_LOADER")
		require.NoError(t, err)
		require.False(t, has)

		wc, err := e.WorkingCopy(ctx, "A_LOADER")
		require.NoError(t, err)
		require.Equal(t, draft.ID, wc.ID)

		active, err := e.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 2)
		require.Equal(t, "A_LOADER", active[0].LoaderCode)

		sums, err := e.Summaries(ctx)
		require.NoError(t, err)
		require.Len(t, sums, 2)
		require.Equal(t, 1, *sums[0].ActiveVersion)
		require.Equal(t, 2, *sums[0].WorkingVersion)
		require.Equal(t, StateDraft, sums[0].WorkingState)
		require.Nil(t, sums[1].WorkingVersion)
	})
}

func TestEngine_Memory(t *testing.T) {
	runEngineSuite(t, func(t *testing.T) Transactor {
		return NewMemoryTransactor(testProtector(t))
	})
}

func TestMemoryTransactor_RollsBack(t *testing.T) {
	ctx := context.Background()
	tx := NewMemoryTransactor(nil)

	err := tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
		c := &Configuration{ID: uuid.New(), LoaderCode: "X", VersionNumber: 1, State: StateActive}
		require.NoError(t, r.Configs.Insert(ctx, c))
		_, err := r.Ledger.Open(ctx, approval.OpenParams{
			EntityType: EntityType, EntityID: c.ID.String(), RequestedBy: "alice", ApproverRole: "r",
		})
		require.NoError(t, err)
		return errs.Conflict("X", "forced")
	})
	require.True(t, errs.IsConflict(err))

	exists, err := tx.Read().Configs.Exists(ctx, "X")
	require.NoError(t, err)
	require.False(t, exists)

	pending, err := tx.Read().Ledger.Pending(ctx, "")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMemoryStore_SealsAtRest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(testProtector(t))

	c := &Configuration{ID: uuid.New(), LoaderCode: "X", VersionNumber: 1, State: StateActive, Payload: payload("select 1")}
	require.NoError(t, s.Insert(ctx, c))

	raw := s.rows[c.ID]
	require.True(t, protect.IsSealed(raw.Payload.ConnectionSecret))
	require.Equal(t, "s3cret", c.Payload.ConnectionSecret, "caller copy untouched")

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "s3cret", got.Payload.ConnectionSecret)
}

func TestEngine_SecretWithSealedPrefixRoundTrips(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(NewMemoryTransactor(testProtector(t)), Options{})

	p := payload("select 1")
	p.ConnectionSecret = "enc:v1:hunter2"
	c, err := e.CreateInitial(ctx, "ORDERS", p, author)
	require.NoError(t, err)

	got, err := e.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "enc:v1:hunter2", got.Payload.ConnectionSecret)

	active, err := e.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "enc:v1:hunter2", active[0].Payload.ConnectionSecret)
}
