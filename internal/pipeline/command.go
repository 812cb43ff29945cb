package pipeline

import (
	"fmt"
	"os"
	"strings"

	"runnerd/internal/config"
	"runnerd/internal/services"
)

// Invocation describes the subprocess that runs one pipeline.
type Invocation struct {
	Command    string
	Args       []string
	Env        []string
	WorkingDir string
}

// Builder translates run requests into pipeline subprocess invocations.
// The daemon never interprets pipeline output; the command line and
// environment are the whole contract with the suite.
type Builder struct {
	cfg *config.Config
}

// NewBuilder constructs a Builder over the loaded configuration.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build resolves the script for kind and renders params as --key=value flags
// in lexical key order. The environment inherits the daemon's and pins the
// suite root so pipelines locate shared configuration and the result store.
func (b *Builder) Build(kind Kind, params Params) (Invocation, error) {
	if b == nil || b.cfg == nil {
		return Invocation{}, services.Wrap(services.ErrConfiguration, "pipeline", "build", "builder not configured", nil)
	}
	script, ok := b.cfg.ScriptFor(string(kind))
	if !ok {
		return Invocation{}, services.Wrap(services.ErrConfiguration, "pipeline", "build",
			fmt.Sprintf("no script configured for pipeline %q", kind), nil)
	}

	args := []string{script}
	for _, key := range params.SortedKeys() {
		if key == "resource_key" {
			continue
		}
		args = append(args, fmt.Sprintf("--%s=%s", key, params[key]))
	}

	env := append(os.Environ(),
		"CHURN_SUITE_ROOT="+b.cfg.Paths.SuiteRoot,
		"CHURN_PIPELINE="+string(kind),
	)

	return Invocation{
		Command:    b.cfg.Pipeline.Interpreter,
		Args:       args,
		Env:        env,
		WorkingDir: b.cfg.Paths.SuiteRoot,
	}, nil
}

// String renders the invocation for logging.
func (inv Invocation) String() string {
	return strings.TrimSpace(inv.Command + " " + strings.Join(inv.Args, " "))
}
