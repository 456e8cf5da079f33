package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conduit/internal/fault"
)

func TestOutputFormatter_Success(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: buf}

		require.NoError(t, f.Success(map[string]int{"runs": 3}))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Nil(t, resp.Error)
		assert.Equal(t, map[string]any{"runs": float64(3)}, resp.Data)
	})

	t.Run("text", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "text", Writer: buf}

		require.NoError(t, f.Success("3 runs completed"))
		assert.Equal(t, "3 runs completed\n", buf.String())
	})
}

func TestOutputFormatter_Error(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		verbose  bool
		details  any
		contains []string
		excludes []string
	}{
		{
			name:     "text",
			format:   "text",
			details:  "journal locked",
			contains: []string{"Error [E010]: failed to open journal"},
			excludes: []string{"Details:"},
		},
		{
			name:     "text verbose",
			format:   "text",
			verbose:  true,
			details:  "journal locked",
			contains: []string{"Error [E010]", "Details: journal locked"},
		},
		{
			name:     "json",
			format:   "json",
			details:  "journal locked",
			contains: []string{`"status": "error"`, `"code": "E010"`, `"details": "journal locked"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			f := &OutputFormatter{Format: tt.format, Writer: buf, Verbose: tt.verbose}

			require.NoError(t, f.Error(ErrCodeJournal, "failed to open journal", tt.details))
			for _, s := range tt.contains {
				assert.Contains(t, buf.String(), s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, buf.String(), s)
			}
		})
	}
}

func TestOutputFormatter_FailWithFault(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	cause := fault.New(fault.CodeWiringCycle, "topic cycle a → b → a").
		WithStage("wiring").WithTopic("a")
	err := f.Fail(ExitFailure, ErrCodeManifest, "failed to assemble pipeline", cause)

	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, fault.Is(err, fault.CodeWiringCycle))

	var resp struct {
		Status string `json:"status"`
		Error  struct {
			Code    string  `json:"code"`
			Message string  `json:"message"`
			Details Problem `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "WIRING_CYCLE", resp.Error.Code)
	assert.Equal(t, "failed to assemble pipeline", resp.Error.Message)
	assert.Equal(t, Problem{
		Code:    "WIRING_CYCLE",
		Message: "topic cycle a → b → a",
		Stage:   "wiring",
		Topic:   "a",
	}, resp.Error.Details)
}

func TestOutputFormatter_FailWithPlainError(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	err := f.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", errors.New("bad backend"))

	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "invalid configuration: bad backend", err.Error())
	assert.Contains(t, buf.String(), "Error [E008]: invalid configuration")
	assert.Contains(t, buf.String(), "Details: bad backend")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			errOut := &bytes.Buffer{}
			f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: tt.verbose}

			f.VerboseLog("Checking %s", "pipeline.yaml")

			assert.Empty(t, out.String())
			if tt.wantLog {
				assert.Equal(t, "Checking pipeline.yaml\n", errOut.String())
			} else {
				assert.Empty(t, errOut.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	wrapped := WrapExitError(ExitFailure, "run failed", errors.New("boom"))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.Equal(t, "run failed: boom", wrapped.Error())
}
