package apps

import (
	"context"
	"errors"
	"fmt"

	"github.com/PragyanCoder/orbitec/internal/domain"
	"github.com/PragyanCoder/orbitec/internal/repository"
)

const interruptedMessage = "deployment interrupted by orchestrator restart"

// Recover fails deployments left pending or building by a previous process.
// Nothing resumes them, so without this their applications would stay
// building and reject every action. It returns how many were failed.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	active, err := c.deps.Store.ListActiveDeployments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active deployments: %w", err)
	}
	recovered := 0
	for _, d := range active {
		if _, err := c.deps.Events.Append(ctx, d.ApplicationID, d.ID, "Deployment failed: "+interruptedMessage); err != nil {
			c.logger.Warn("append recovery log", "deployment_id", d.ID, "error", err)
		}
		finished := c.now().UTC()
		err := c.deps.Store.FailDeployment(ctx, domain.DeploymentFailure{
			ApplicationID: d.ApplicationID,
			DeploymentID:  d.ID,
			Error:         interruptedMessage,
			BuildDuration: finished.Sub(d.CreatedAt),
			FinishedAt:    finished,
		})
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return recovered, fmt.Errorf("fail deployment %s: %w", d.ID, err)
		}
		recovered++
		c.logger.Warn("interrupted deployment marked failed", "application_id", d.ApplicationID, "deployment_id", d.ID)
		c.deps.Events.StatusChanged(d.ApplicationID, domain.ApplicationFailed)
	}
	return recovered, nil
}
