package runtime

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"localcloud/internal/api"
	"localcloud/internal/intrinsics"
)

// BuildEnv assembles the child environment from three layers merged in
// order, later layers winning: the emulator's own process environment, the
// function's declared variables, and per-invocation overrides (typically
// service-endpoint injections). Fixed identity keys are overlaid last and
// cannot be shadowed.
func BuildEnv(fn *Function, ic api.InvocationContext) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range fn.Env {
		merged[k] = v
	}
	for k, v := range ic.EnvOverride {
		merged[k] = v
	}

	memory := fn.MemoryMB
	if ic.MemoryMB > 0 {
		memory = ic.MemoryMB
	}
	merged["AWS_LAMBDA_FUNCTION_NAME"] = fn.Name
	merged["AWS_LAMBDA_FUNCTION_MEMORY_SIZE"] = fmt.Sprintf("%d", memory)
	merged["AWS_REQUEST_ID"] = ic.RequestID
	merged["AWS_LAMBDA_FUNCTION_ARN"] = ic.FunctionArn
	merged["AWS_REGION"] = intrinsics.LocalRegion
	merged["AWS_DEFAULT_REGION"] = intrinsics.LocalRegion
	merged["LAMBDA_TASK_ROOT"] = fn.CodePath
	merged["_HANDLER"] = fn.Handler

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
