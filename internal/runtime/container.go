package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"localcloud/internal/api"
	"localcloud/pkg/logging"
)

// execCommandContext is a variable to allow mocking in tests.
var execCommandContext = exec.CommandContext

// Container runs a function inside its declared image using the docker
// CLI, one container per invocation.
type Container struct {
	fn *Function
}

func NewContainer(fn *Function) *Container {
	return &Container{fn: fn}
}

// Prepare verifies the docker CLI is usable and pulls the image when it is
// not present locally.
func (c *Container) Prepare(ctx context.Context) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return api.NewConfiguration("function %s: docker command not found in PATH", c.fn.Name)
	}
	if err := execCommandContext(ctx, "docker", "info").Run(); err != nil {
		return api.NewConfiguration("function %s: docker daemon not accessible: %v", c.fn.Name, err)
	}

	if err := execCommandContext(ctx, "docker", "image", "inspect", c.fn.Image).Run(); err == nil {
		logging.Debug(runtimeSubsystem, "image %s already present", c.fn.Image)
		return nil
	}
	logging.Info(runtimeSubsystem, "pulling image %s for function %s", c.fn.Image, c.fn.Name)
	if out, err := execCommandContext(ctx, "docker", "pull", c.fn.Image).CombinedOutput(); err != nil {
		return api.NewConfiguration("function %s: failed to pull image %s: %v\n%s",
			c.fn.Name, c.fn.Image, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Invoke runs one container attached on stdin/stdout. The environment is
// passed explicitly so the in-container process sees the same three-layer
// merge a subprocess would.
func (c *Container) Invoke(ctx context.Context, event []byte, ic api.InvocationContext) (*api.InvocationResult, error) {
	args := []string{"run", "--rm", "-i", "--network", "host"}
	for _, kv := range BuildEnv(c.fn, ic) {
		args = append(args, "-e", kv)
	}
	if mem := c.fn.MemoryMB; mem > 0 {
		args = append(args, "-m", fmt.Sprintf("%dm", mem))
	}
	args = append(args, c.fn.Image)

	cmd := exec.Command("docker", args...)
	return runChild(ctx, cmd, c.fn, event, ic)
}
