// Package runner executes a single job attempt as a child process.
package runner

import (
	"context"

	"queuectl/pkg/models"
)

// Runner executes one command attempt and reports its outcome. It is
// stateless and pure with respect to the Store; it does no persistence.
type Runner interface {
	// Run spawns command via the host shell, enforces timeoutS, and returns
	// the captured outcome. ctx cancellation (e.g. worker shutdown)
	// terminates the child the same way a timeout does.
	Run(ctx context.Context, command string, timeoutS int) models.Outcome
}
