package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"

	"github.com/ahrdadan/capq/internal/action"
	"github.com/ahrdadan/capq/internal/config"
)

// EnvCmd groups the environment recipe commands.
type EnvCmd struct {
	Dockerfile EnvDockerfileCmd `cmd:"" help:"Render the recipe as a Dockerfile."`
	Build      EnvBuildCmd      `cmd:"" help:"Provision the environment on this host."`
}

// EnvDockerfileCmd prints the recipe as a Dockerfile.
type EnvDockerfileCmd struct{}

func (e *EnvDockerfileCmd) Run(g *Globals) error {
	env, err := g.provisioner()
	if err != nil {
		return err
	}
	dockerfile, err := env.Spec().Dockerfile()
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(g.out(), dockerfile)
	return err
}

// EnvBuildCmd provisions the recipe on the current host.
type EnvBuildCmd struct{}

func (e *EnvBuildCmd) Run(g *Globals) error {
	env, err := g.provisioner()
	if err != nil {
		return err
	}
	built, err := env.Build(context.Background())
	if err != nil {
		return &action.Error{Kind: action.ErrKindEnvironment, Err: err}
	}

	if g.JSON {
		enc := json.NewEncoder(g.out())
		enc.SetIndent("", "  ")
		return enc.Encode(built)
	}
	w := g.out()
	fmt.Fprintf(w, "%s environment %s\n", color.GreenString("ok"), built.Fingerprint)
	fmt.Fprintf(w, "  browser: %s\n", built.BrowserBin)
	fmt.Fprintf(w, "  workdir: %s\n", built.Workdir)
	fmt.Fprintf(w, "  output:  %s\n", built.OutputDir)
	return nil
}

// VersionCmd prints build information.
type VersionCmd struct{}

func (v *VersionCmd) Run(g *Globals) error {
	_, err := fmt.Fprintf(g.out(), "capq v%s\n", config.Version)
	return err
}
