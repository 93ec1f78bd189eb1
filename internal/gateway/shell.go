package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"scanflow/internal/domain"
)

// Cmd is a local collector. It receives the execution request as JSON on
// stdin and prints its result as JSON on stdout.
type Cmd struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`
}

// Shell runs modules as local commands, keyed by module id.
type Shell struct {
	Commands map[string]Cmd
}

func (h Shell) Execute(ctx context.Context, req *Request) (*Output, error) {
	c, ok := h.Commands[req.Module.ID]
	if !ok {
		return nil, domain.NotFoundf("no local command for module %s", req.Module.ID)
	}
	if c.Command == "" {
		return nil, domain.Validationf("command is required")
	}
	in, err := json.Marshal(newExecuteBody(req))
	if err != nil {
		return nil, domain.Internal("encode request", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, domain.ExternalAPI("shell error", fmt.Errorf("%w; out=%s", err, stderr.String()))
	}
	return Extract(stdout.Bytes(), sourceName(req.Module))
}

// Mux routes a unit to the gateway registered for its module id and falls
// back to Default.
type Mux struct {
	Routes  map[string]Gateway
	Default Gateway
}

func (m *Mux) Execute(ctx context.Context, req *Request) (*Output, error) {
	if g, ok := m.Routes[req.Module.ID]; ok {
		return g.Execute(ctx, req)
	}
	if m.Default == nil {
		return nil, domain.NotFoundf("no gateway for module %s", req.Module.ID)
	}
	return m.Default.Execute(ctx, req)
}
