// Package reconcile keeps an editing session's working copy of a case
// document consistent with the authoritative version. Local edits apply
// immediately; commits carry the base version they were computed
// against; rejected commits are rebased when the touched section is
// untouched upstream, otherwise surfaced as explicit conflicts. A
// conflicting commit is never silently dropped and never silently
// overwrites someone else's change.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/caseflow/caseflow/internal/domain/casedoc"
)

// Committer is the commit/fetch boundary the reconciler talks to. The
// case service satisfies it through ServiceCommitter; tests use fakes.
type Committer interface {
	Commit(ctx context.Context, caseID uuid.UUID, section string, content map[string]interface{}, baseVersion int64) (*casedoc.CommitResult, error)
	Fetch(ctx context.Context, caseID uuid.UUID) (*casedoc.CaseDocument, error)
}

// ErrClosed is returned for any operation after Close. An in-flight
// commit whose session closed applies nothing locally.
var ErrClosed = errors.New("reconciler closed")

// ConflictError reports a commit that could not be rebased because the
// same section changed upstream. Both copies are carried so the caller
// can present a re-entry choice.
type ConflictError struct {
	Section       string                 `json:"section"`
	LocalContent  map[string]interface{} `json:"local_content"`
	RemoteVersion int64                  `json:"remote_version"`
	RemoteContent map[string]interface{} `json:"remote_content"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("section %s changed upstream at version %d", e.Section, e.RemoteVersion)
}

// pendingEdit is one optimistic local change awaiting commit.
type pendingEdit struct {
	// baseVersion is the authoritative version the edit was computed on.
	baseVersion int64
	// baseContent is the section as it was at baseVersion, used to tell
	// whether an upstream change touched this section.
	baseContent map[string]interface{}
	content     map[string]interface{}
}

const rebaseAttempts = 3

// Reconciler owns one user's working copy of a case document.
type Reconciler struct {
	mu        sync.Mutex
	doc       *casedoc.CaseDocument
	pending   map[string]*pendingEdit
	queued    map[string]int64 // section -> newest upstream version seen while editing
	committer Committer

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// New creates a reconciler over a snapshot of the document.
func New(doc *casedoc.CaseDocument, committer Committer) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		doc:       doc.Clone(),
		pending:   make(map[string]*pendingEdit),
		queued:    make(map[string]int64),
		committer: committer,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Document returns a snapshot of the working copy.
func (r *Reconciler) Document() *casedoc.CaseDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Clone()
}

// Version returns the working copy's version.
func (r *Reconciler) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Version
}

// NewerAvailable reports whether an upstream change to a section under
// local edit has been queued rather than applied.
func (r *Reconciler) NewerAvailable(section string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.queued[section]
	return ok
}

// Edit applies content to the working copy immediately and stages it
// for commit, tagged with the version it was computed against. Repeat
// edits to the same section keep the original base.
func (r *Reconciler) Edit(section string, content map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	if p, ok := r.pending[section]; ok {
		p.content = content
	} else {
		base := r.doc.Sections[section]
		r.pending[section] = &pendingEdit{
			baseVersion: r.doc.Version,
			baseContent: cloneContent(base),
			content:     content,
		}
	}
	r.doc.Sections[section] = content
	return nil
}

// Discard drops the pending edit for a section, restoring the base
// content in the working copy.
func (r *Reconciler) Discard(section string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[section]
	if !ok {
		return
	}
	if p.baseContent == nil {
		delete(r.doc.Sections, section)
	} else {
		r.doc.Sections[section] = p.baseContent
	}
	delete(r.pending, section)
	delete(r.queued, section)
}

// Commit pushes the section's pending edit. On version conflict the
// edit is rebased and retried when the section is untouched upstream;
// otherwise a ConflictError carries both copies back to the caller and
// the edit stays pending for explicit resolution.
func (r *Reconciler) Commit(ctx context.Context, section string) (int64, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	p, ok := r.pending[section]
	if !ok {
		v := r.doc.Version
		r.mu.Unlock()
		return v, nil
	}
	caseID := r.doc.ID
	attempt := *p
	r.mu.Unlock()

	ctx, cancel := r.sessionContext(ctx)
	defer cancel()

	for i := 0; i < rebaseAttempts; i++ {
		result, err := r.committer.Commit(ctx, caseID, section, attempt.content, attempt.baseVersion)
		if err == nil {
			return result.Version, r.accept(section, result.Version, attempt.content)
		}

		vc, isConflict := casedoc.AsVersionConflict(err)
		if !isConflict {
			return 0, err
		}

		auth, ferr := r.committer.Fetch(ctx, caseID)
		if ferr != nil {
			return 0, fmt.Errorf("fetch after conflict at version %d: %w", vc.CurrentVersion, ferr)
		}

		if !reflect.DeepEqual(auth.Sections[section], attempt.baseContent) {
			// The same section changed upstream. Adopt the authoritative
			// copy for everything else and surface the conflict.
			r.adopt(auth)
			return 0, &ConflictError{
				Section:       section,
				LocalContent:  attempt.content,
				RemoteVersion: auth.Version,
				RemoteContent: cloneContent(auth.Sections[section]),
			}
		}

		// Untouched section: rebase onto the authoritative version and
		// retry.
		r.adopt(auth)
		attempt.baseVersion = auth.Version
	}
	return 0, fmt.Errorf("commit %s: base version kept moving after %d rebases", section, rebaseAttempts)
}

// accept records an accepted commit in the working copy. The session
// may have closed while the commit was in flight; in that case nothing
// applies.
func (r *Reconciler) accept(section string, version int64, content map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.doc.Sections[section] = content
	if version > r.doc.Version {
		r.doc.Version = version
	}
	delete(r.pending, section)
	delete(r.queued, section)
	return nil
}

// adopt merges an authoritative snapshot into the working copy, keeping
// local optimistic content for sections still under edit.
func (r *Reconciler) adopt(auth *casedoc.CaseDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || auth.Version < r.doc.Version {
		return
	}

	merged := auth.Clone()
	for section, p := range r.pending {
		if reflect.DeepEqual(auth.Sections[section], p.baseContent) {
			// Upstream did not touch this section; the local edit rides
			// on top of the new base.
			merged.Sections[section] = p.content
			p.baseVersion = auth.Version
		} else {
			// Upstream changed it while we were editing: keep the local
			// view, remember that a newer version is waiting.
			merged.Sections[section] = p.content
			r.queued[section] = auth.Version
		}
	}
	r.doc = merged
}

// HandleRemote processes a case event broadcast by another author.
// Stale and duplicate events are ignored. Events touching a section
// under local edit are queued behind a "newer available" flag instead
// of overwriting the user's work; anything else is applied by adopting
// the authoritative snapshot.
func (r *Reconciler) HandleRemote(ctx context.Context, ev casedoc.CaseEvent) (bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrClosed
	}
	if ev.Version <= r.doc.Version {
		r.mu.Unlock()
		return false, nil
	}
	if ev.CaseID != r.doc.ID {
		r.mu.Unlock()
		return false, nil
	}
	_, editing := r.pending[ev.Section]
	if !editing && ev.Section == casedoc.SectionAll && len(r.pending) > 0 {
		editing = true
	}
	if editing {
		r.queued[ev.Section] = ev.Version
		r.mu.Unlock()
		return false, nil
	}
	caseID := r.doc.ID
	r.mu.Unlock()

	ctx, cancel := r.sessionContext(ctx)
	defer cancel()

	auth, err := r.committer.Fetch(ctx, caseID)
	if err != nil {
		return false, fmt.Errorf("fetch remote change: %w", err)
	}
	r.adopt(auth)
	return true, nil
}

// AcceptRemote resolves a queued upstream change by dropping the local
// pending edit for the section and adopting the authoritative state.
func (r *Reconciler) AcceptRemote(ctx context.Context, section string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	delete(r.pending, section)
	delete(r.queued, section)
	caseID := r.doc.ID
	r.mu.Unlock()

	ctx, cancel := r.sessionContext(ctx)
	defer cancel()

	auth, err := r.committer.Fetch(ctx, caseID)
	if err != nil {
		return fmt.Errorf("fetch remote state: %w", err)
	}
	r.adopt(auth)
	return nil
}

// ResolveKeepLocal resolves a conflict by recommitting the local edit
// against the current authoritative version, overwriting the upstream
// change for that section deliberately.
func (r *Reconciler) ResolveKeepLocal(ctx context.Context, section string) (int64, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	p, ok := r.pending[section]
	if !ok {
		v := r.doc.Version
		r.mu.Unlock()
		return v, nil
	}
	// Rebase the pending edit onto whatever is authoritative now so the
	// commit is an explicit overwrite, not a stale-base accident.
	caseID := r.doc.ID
	content := p.content
	r.mu.Unlock()

	ctx, cancel := r.sessionContext(ctx)
	defer cancel()

	auth, err := r.committer.Fetch(ctx, caseID)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	p.baseVersion = auth.Version
	p.baseContent = cloneContent(auth.Sections[section])
	delete(r.queued, section)
	r.mu.Unlock()

	result, err := r.committer.Commit(ctx, caseID, section, content, auth.Version)
	if err != nil {
		return 0, err
	}
	return result.Version, r.accept(section, result.Version, content)
}

// Close tears the session down: pending edits are abandoned and any
// in-flight commit's result is discarded.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
}

// sessionContext ties an operation to both the caller's context and
// the session lifetime, so Close cancels in-flight requests.
func (r *Reconciler) sessionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

func cloneContent(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
