package action

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Kind names one of the fixed automation actions.
type Kind string

const (
	KindScreenshot Kind = "screenshot"
	KindClick      Kind = "click-and-capture"
	KindScroll     Kind = "scroll-and-capture"
	KindFillForm   Kind = "fill-form"
	KindTitle      Kind = "capture-title"
)

// Kinds lists every supported action.
var Kinds = []Kind{KindScreenshot, KindClick, KindScroll, KindFillForm, KindTitle}

// ParseKind accepts a kind name or its short alias.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(KindScreenshot):
		return KindScreenshot, nil
	case string(KindClick), "click":
		return KindClick, nil
	case string(KindScroll), "scroll":
		return KindScroll, nil
	case string(KindFillForm), "fill":
		return KindFillForm, nil
	case string(KindTitle), "title":
		return KindTitle, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Defaults for action parameters.
const (
	DefaultWidth       = 1280
	DefaultHeight      = 720
	DefaultWaitTime    = 1000 // ms
	DefaultScrollSteps = 3
	DefaultStepSize    = 800 // px

	// MaxScrollSteps bounds the number of images one scroll run produces.
	MaxScrollSteps = 100
	// MaxViewport bounds either viewport dimension.
	MaxViewport = 16384
)

// Request describes one action invocation.
type Request struct {
	Kind           Kind   `json:"kind" yaml:"kind"`
	URL            string `json:"url" yaml:"url"`
	Width          int    `json:"width" yaml:"width"`
	Height         int    `json:"height" yaml:"height"`
	FullPage       bool   `json:"full_page" yaml:"full_page"`
	Selector       string `json:"selector,omitempty" yaml:"selector,omitempty"`
	WaitTime       int    `json:"wait_time" yaml:"wait_time"`
	ScrollSteps    int    `json:"scroll_steps" yaml:"scroll_steps"`
	StepSize       int    `json:"step_size" yaml:"step_size"`
	FormData       string `json:"form_data,omitempty" yaml:"form_data,omitempty"`
	SubmitSelector string `json:"submit_selector,omitempty" yaml:"submit_selector,omitempty"`
}

// NewRequest returns a request for kind with every default filled in.
func NewRequest(kind Kind, url string) Request {
	return Request{
		Kind:        kind,
		URL:         url,
		Width:       DefaultWidth,
		Height:      DefaultHeight,
		WaitTime:    DefaultWaitTime,
		ScrollSteps: DefaultScrollSteps,
		StepSize:    DefaultStepSize,
	}
}

// Validate checks the parameters the action kind uses. The URL is only
// required to be present; a malformed one fails at navigation.
func (r Request) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("url is required")
	}

	switch r.Kind {
	case KindScreenshot:
		if r.Width <= 0 || r.Height <= 0 || r.Width > MaxViewport || r.Height > MaxViewport {
			return fmt.Errorf("viewport %dx%d out of range", r.Width, r.Height)
		}
	case KindClick:
		if r.Selector == "" {
			return fmt.Errorf("selector is required")
		}
		if r.WaitTime < 0 {
			return fmt.Errorf("wait_time must not be negative")
		}
	case KindScroll:
		if r.ScrollSteps < 0 || r.ScrollSteps > MaxScrollSteps {
			return fmt.Errorf("scroll_steps must be between 0 and %d", MaxScrollSteps)
		}
	case KindFillForm:
		if r.SubmitSelector == "" {
			return fmt.Errorf("submit_selector is required")
		}
		if _, err := ParseFormData(r.FormData); err != nil {
			return err
		}
	case KindTitle:
	default:
		return fmt.Errorf("unknown action %q", r.Kind)
	}
	return nil
}

// FormField is one selector to type into.
type FormField struct {
	Selector string `json:"selector" yaml:"selector"`
	Value    string `json:"value" yaml:"value"`
}

// ParseFormData decodes a JSON object of selector to string value, keeping
// the order the keys appear in. A repeated key keeps its first position and
// takes the last value.
func ParseFormData(raw string) ([]FormField, error) {
	if !jsoniter.Valid([]byte(raw)) {
		return nil, fmt.Errorf("form_data is not valid JSON")
	}

	iter := jsoniter.ParseString(jsoniter.ConfigCompatibleWithStandardLibrary, raw)
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return nil, fmt.Errorf("form_data must be a JSON object")
	}

	var fields []FormField
	index := make(map[string]int)
	iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		if key == "" {
			it.ReportError("form_data", "selector must not be empty")
			return false
		}
		if it.WhatIsNext() != jsoniter.StringValue {
			it.ReportError("form_data", fmt.Sprintf("value for %q must be a string", key))
			return false
		}
		value := it.ReadString()
		if i, ok := index[key]; ok {
			fields[i].Value = value
			return true
		}
		index[key] = len(fields)
		fields = append(fields, FormField{Selector: key, Value: value})
		return true
	})
	if iter.Error != nil {
		return nil, fmt.Errorf("invalid form_data: %w", iter.Error)
	}
	if iter.WhatIsNext() != jsoniter.InvalidValue {
		return nil, fmt.Errorf("form_data has trailing content")
	}

	return fields, nil
}
