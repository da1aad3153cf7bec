package testutils

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// MustJSON marshals v or panics.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	IgnoredFields []string `default:""`
	// IgnoreExtraKeys drops keys present only in the actual document.
	IgnoreExtraKeys bool `default:"true"`
}

// JSONOption is a functional option for configuring JSONAsserter
type JSONOption func(*JSONAssertOptions)

// WithIgnoredFields removes the named keys, at any depth, from both sides.
func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) {
		o.IgnoredFields = append(o.IgnoredFields, fields...)
	}
}

// WithIgnoreExtraKeys controls whether keys missing from expected are ignored.
func WithIgnoreExtraKeys(ignore bool) JSONOption {
	return func(o *JSONAssertOptions) {
		o.IgnoreExtraKeys = ignore
	}
}

// JSONAsserter compares JSON documents structurally and reports a readable
// diff on mismatch.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

// NewJSONAsserter creates a new JSONAsserter with default options
func NewJSONAsserter(t *testing.T) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

// WithOptions applies functional options to the JSONAsserter
func (ja *JSONAsserter) WithOptions(opts ...JSONOption) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Assert compares actualJSON against expectedJSON
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only compares objects at the root
	expectedObj := map[string]interface{}{"root": expected}
	actualObj := map[string]interface{}{"root": actual}

	for _, field := range ja.options.IgnoredFields {
		removeField(expectedObj, field)
		removeField(actualObj, field)
	}
	if ja.options.IgnoreExtraKeys {
		pruneExtraKeys(actualObj, expectedObj)
	}

	diff := gojsondiff.New().CompareObjects(expectedObj, actualObj)
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expectedObj, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       false,
	})
	out, err := f.Format(diff)
	if err != nil {
		return fmt.Sprintf("JSON documents differ (formatting failed: %v)", err)
	}
	return out
}

func removeField(v interface{}, field string) {
	switch node := v.(type) {
	case map[string]interface{}:
		delete(node, field)
		for _, child := range node {
			removeField(child, field)
		}
	case []interface{}:
		for _, child := range node {
			removeField(child, field)
		}
	}
}

// pruneExtraKeys deletes keys from actual that expected does not mention.
func pruneExtraKeys(actual, expected interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k := range act {
			if _, keep := exp[k]; !keep {
				delete(act, k)
				continue
			}
			pruneExtraKeys(act[k], exp[k])
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				pruneExtraKeys(act[i], exp[i])
			}
		}
	}
}
