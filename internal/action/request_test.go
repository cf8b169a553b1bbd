package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"screenshot":         KindScreenshot,
		"click":              KindClick,
		"Click-And-Capture":  KindClick,
		"scroll":             KindScroll,
		"scroll-and-capture": KindScroll,
		" fill ":             KindFillForm,
		"fill-form":          KindFillForm,
		"title":              KindTitle,
		"capture-title":      KindTitle,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseKind("hover")
	assert.Error(t, err)
}

func TestNewRequestDefaults(t *testing.T) {
	req := NewRequest(KindScreenshot, "https://example.com")
	assert.Equal(t, 1280, req.Width)
	assert.Equal(t, 720, req.Height)
	assert.False(t, req.FullPage)
	assert.Equal(t, 1000, req.WaitTime)
	assert.Equal(t, 3, req.ScrollSteps)
	assert.Equal(t, 800, req.StepSize)
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Request)
		kind    Kind
		wantErr bool
	}{
		{"screenshot ok", func(r *Request) {}, KindScreenshot, false},
		{"missing url", func(r *Request) { r.URL = "  " }, KindScreenshot, true},
		{"zero width", func(r *Request) { r.Width = 0 }, KindScreenshot, true},
		{"huge height", func(r *Request) { r.Height = MaxViewport + 1 }, KindScreenshot, true},
		{"click ok", func(r *Request) { r.Selector = "#go" }, KindClick, false},
		{"click no selector", func(r *Request) {}, KindClick, true},
		{"click negative wait", func(r *Request) { r.Selector = "#go"; r.WaitTime = -1 }, KindClick, true},
		{"click zero wait", func(r *Request) { r.Selector = "#go"; r.WaitTime = 0 }, KindClick, false},
		{"scroll zero steps", func(r *Request) { r.ScrollSteps = 0 }, KindScroll, false},
		{"scroll negative", func(r *Request) { r.ScrollSteps = -1 }, KindScroll, true},
		{"scroll too many", func(r *Request) { r.ScrollSteps = MaxScrollSteps + 1 }, KindScroll, true},
		{"fill ok", func(r *Request) { r.FormData = `{"#a":"1"}`; r.SubmitSelector = "#s" }, KindFillForm, false},
		{"fill empty object", func(r *Request) { r.FormData = `{}`; r.SubmitSelector = "#s" }, KindFillForm, false},
		{"fill bad json", func(r *Request) { r.FormData = `{"#a":`; r.SubmitSelector = "#s" }, KindFillForm, true},
		{"fill no submit", func(r *Request) { r.FormData = `{}` }, KindFillForm, true},
		{"title ok", func(r *Request) {}, KindTitle, false},
		{"unknown kind", func(r *Request) {}, Kind("hover"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := NewRequest(tt.kind, "https://example.com")
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseFormData_PreservesOrder(t *testing.T) {
	fields, err := ParseFormData(`{"#name":"Ada","#email":"ada@example.com","#note":"say \"hi\""}`)
	require.NoError(t, err)
	assert.Equal(t, []FormField{
		{Selector: "#name", Value: "Ada"},
		{Selector: "#email", Value: "ada@example.com"},
		{Selector: "#note", Value: `say "hi"`},
	}, fields)
}

func TestParseFormData_DuplicateKeyKeepsFirstPosition(t *testing.T) {
	fields, err := ParseFormData(`{"#a":"1","#b":"2","#a":"3"}`)
	require.NoError(t, err)
	assert.Equal(t, []FormField{
		{Selector: "#a", Value: "3"},
		{Selector: "#b", Value: "2"},
	}, fields)
}

func TestParseFormData_Empty(t *testing.T) {
	fields, err := ParseFormData(`{}`)
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestParseFormData_Errors(t *testing.T) {
	for _, raw := range []string{
		``,
		`not json`,
		`["#a","1"]`,
		`"#a"`,
		`{"#a":1}`,
		`{"#a":null}`,
		`{"#a":{"x":"y"}}`,
		`{"":"v"}`,
		`{"#a":"1"} trailing`,
	} {
		_, err := ParseFormData(raw)
		assert.Error(t, err, raw)
	}
}
