package reconcile

import (
	"context"

	"github.com/google/uuid"

	"github.com/caseflow/caseflow/internal/domain/casedoc"
	"github.com/caseflow/caseflow/internal/platform/identity"
)

// ServiceCommitter adapts the case service to the Committer boundary,
// binding the session's actor to every commit.
type ServiceCommitter struct {
	cases *casedoc.Service
	actor identity.Actor
}

// NewServiceCommitter wraps the case service for one actor's session.
func NewServiceCommitter(cases *casedoc.Service, actor identity.Actor) *ServiceCommitter {
	return &ServiceCommitter{cases: cases, actor: actor}
}

func (c *ServiceCommitter) Commit(ctx context.Context, caseID uuid.UUID, section string, content map[string]interface{}, baseVersion int64) (*casedoc.CommitResult, error) {
	return c.cases.CommitSection(ctx, caseID, section, content, baseVersion, c.actor)
}

func (c *ServiceCommitter) Fetch(ctx context.Context, caseID uuid.UUID) (*casedoc.CaseDocument, error) {
	return c.cases.GetCase(ctx, caseID)
}
