package action

import (
	"fmt"
	"time"
)

// Op is a single automation primitive.
type Op string

const (
	OpSetViewport Op = "set_viewport"
	OpNavigate    Op = "navigate"
	OpClick       Op = "click"
	OpType        Op = "type"
	OpScroll      Op = "scroll"
	OpWait        Op = "wait"
	OpScreenshot  Op = "screenshot"
	OpReadTitle   Op = "read_title"
)

// Fixed settle delays and the viewport used by actions that do not choose one.
const (
	ScrollSettleDelay = 1000 * time.Millisecond
	SubmitSettleDelay = 2000 * time.Millisecond

	DefaultPageWidth  = 800
	DefaultPageHeight = 600
)

// Artifact names.
const (
	FileScreenshot   = "screenshot.png"
	FileAfterClick   = "after-click.png"
	FileBeforeSubmit = "before-submit.png"
	FileAfterSubmit  = "after-submit.png"
)

// ScrollFile names the image captured after scroll step i (0 is before any scroll).
func ScrollFile(i int) string {
	return fmt.Sprintf("scroll-%d.png", i)
}

// Step is one typed instruction of a plan.
type Step struct {
	Op       Op     `json:"op" yaml:"op"`
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`
	Value    string `json:"value,omitempty" yaml:"value,omitempty"`
	Width    int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height   int    `json:"height,omitempty" yaml:"height,omitempty"`
	Delta    int    `json:"delta,omitempty" yaml:"delta,omitempty"`
	DelayMS  int    `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
	File     string `json:"file,omitempty" yaml:"file,omitempty"`
	FullPage bool   `json:"full_page,omitempty" yaml:"full_page,omitempty"`
}

// Plan is the ordered step list an action runs.
type Plan struct {
	Kind  Kind   `json:"kind" yaml:"kind"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// Artifacts lists the files the plan writes, in creation order.
func (p Plan) Artifacts() []string {
	var files []string
	for _, s := range p.Steps {
		if s.Op == OpScreenshot {
			files = append(files, s.File)
		}
	}
	return files
}

// Compile turns a request into its plan. Parameters only ever become step
// fields, so selector or URL contents cannot alter the steps themselves.
func Compile(req Request) (Plan, error) {
	if err := req.Validate(); err != nil {
		return Plan{}, err
	}

	plan := Plan{Kind: req.Kind}
	add := func(s Step) { plan.Steps = append(plan.Steps, s) }
	navigate := Step{Op: OpNavigate, URL: req.URL}
	defaultViewport := Step{Op: OpSetViewport, Width: DefaultPageWidth, Height: DefaultPageHeight}

	switch req.Kind {
	case KindScreenshot:
		add(Step{Op: OpSetViewport, Width: req.Width, Height: req.Height})
		add(navigate)
		add(Step{Op: OpScreenshot, File: FileScreenshot, FullPage: req.FullPage})

	case KindClick:
		add(defaultViewport)
		add(navigate)
		add(Step{Op: OpClick, Selector: req.Selector})
		add(Step{Op: OpWait, DelayMS: req.WaitTime})
		add(Step{Op: OpScreenshot, File: FileAfterClick})

	case KindScroll:
		add(defaultViewport)
		add(navigate)
		add(Step{Op: OpScreenshot, File: ScrollFile(0)})
		for i := 1; i <= req.ScrollSteps; i++ {
			add(Step{Op: OpScroll, Delta: req.StepSize})
			add(Step{Op: OpWait, DelayMS: int(ScrollSettleDelay / time.Millisecond)})
			add(Step{Op: OpScreenshot, File: ScrollFile(i)})
		}

	case KindFillForm:
		fields, err := ParseFormData(req.FormData)
		if err != nil {
			return Plan{}, err
		}
		add(defaultViewport)
		add(navigate)
		for _, f := range fields {
			add(Step{Op: OpType, Selector: f.Selector, Value: f.Value})
		}
		add(Step{Op: OpScreenshot, File: FileBeforeSubmit})
		add(Step{Op: OpClick, Selector: req.SubmitSelector})
		add(Step{Op: OpWait, DelayMS: int(SubmitSettleDelay / time.Millisecond)})
		add(Step{Op: OpScreenshot, File: FileAfterSubmit})

	case KindTitle:
		add(navigate)
		add(Step{Op: OpReadTitle})
	}

	return plan, nil
}
