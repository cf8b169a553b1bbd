package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ahrdadan/capq/internal/action"
)

// ScreenshotCmd captures a single page.
type ScreenshotCmd struct {
	URL      string `arg:"" help:"Page to capture."`
	Width    int    `help:"Viewport width." default:"1280"`
	Height   int    `help:"Viewport height." default:"720"`
	FullPage bool   `help:"Capture the full scrollable page."`
}

func (s *ScreenshotCmd) Run(g *Globals) error {
	req := action.NewRequest(action.KindScreenshot, s.URL)
	req.Width, req.Height, req.FullPage = s.Width, s.Height, s.FullPage
	return g.execute(req)
}

// ClickCmd clicks an element and captures the page after a short wait.
type ClickCmd struct {
	URL      string `arg:"" help:"Page to open."`
	Selector string `help:"CSS selector of the element to click." required:""`
	Wait     int    `help:"Milliseconds to wait after the click." default:"1000"`
}

func (c *ClickCmd) Run(g *Globals) error {
	req := action.NewRequest(action.KindClick, c.URL)
	req.Selector, req.WaitTime = c.Selector, c.Wait
	return g.execute(req)
}

// ScrollCmd scrolls a page in fixed steps, capturing each one.
type ScrollCmd struct {
	URL      string `arg:"" help:"Page to open."`
	Steps    int    `help:"Number of scroll steps." default:"3"`
	StepSize int    `help:"Pixels per scroll step." default:"800"`
}

func (s *ScrollCmd) Run(g *Globals) error {
	req := action.NewRequest(action.KindScroll, s.URL)
	req.ScrollSteps, req.StepSize = s.Steps, s.StepSize
	return g.execute(req)
}

// FillCmd fills a form from a JSON selector map and submits it.
type FillCmd struct {
	URL      string `arg:"" help:"Page holding the form."`
	FormData string `help:"JSON object mapping selectors to values." required:""`
	Submit   string `help:"CSS selector of the submit control." required:""`
}

func (f *FillCmd) Run(g *Globals) error {
	req := action.NewRequest(action.KindFillForm, f.URL)
	req.FormData, req.SubmitSelector = f.FormData, f.Submit
	return g.execute(req)
}

// TitleCmd prints a page title.
type TitleCmd struct {
	URL string `arg:"" help:"Page to open."`
}

func (t *TitleCmd) Run(g *Globals) error {
	return g.execute(action.NewRequest(action.KindTitle, t.URL))
}

// RunCmd executes the action described by a YAML request file.
type RunCmd struct {
	File string `arg:"" help:"YAML request file." type:"existingfile"`
}

func (r *RunCmd) Run(g *Globals) error {
	req, err := LoadRequest(r.File)
	if err != nil {
		return err
	}
	return g.execute(req)
}

// PlanCmd prints the steps a request compiles to without opening a browser.
type PlanCmd struct {
	File string `arg:"" help:"YAML request file." type:"existingfile"`
}

func (p *PlanCmd) Run(g *Globals) error {
	req, err := LoadRequest(p.File)
	if err != nil {
		return err
	}
	plan, err := action.Compile(req)
	if err != nil {
		return &action.Error{Kind: action.ErrKindInvalidInput, Action: req.Kind, Op: "compile", Err: err}
	}

	if g.JSON {
		enc := json.NewEncoder(g.out())
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	enc := yaml.NewEncoder(g.out())
	enc.SetIndent(2)
	if err := enc.Encode(plan); err != nil {
		return err
	}
	return enc.Close()
}

// LoadRequest reads a YAML request file. Parameters the file leaves out
// take their defaults, and kind accepts the short aliases.
func LoadRequest(path string) (action.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return action.Request{}, err
	}
	return ParseRequest(data)
}

// ParseRequest decodes a YAML request document.
func ParseRequest(data []byte) (action.Request, error) {
	var head struct {
		Kind string `yaml:"kind"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return action.Request{}, invalid(fmt.Errorf("parsing request: %w", err))
	}
	if head.Kind == "" {
		return action.Request{}, invalid(fmt.Errorf("kind is required"))
	}
	kind, err := action.ParseKind(head.Kind)
	if err != nil {
		return action.Request{}, invalid(err)
	}

	req := action.NewRequest(kind, "")
	if err := yaml.Unmarshal(data, &req); err != nil {
		return action.Request{}, invalid(fmt.Errorf("parsing request: %w", err))
	}
	req.Kind = kind
	return req, nil
}

func invalid(err error) error {
	return &action.Error{Kind: action.ErrKindInvalidInput, Err: err}
}
