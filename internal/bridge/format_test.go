package bridge

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// unfence 还原 fenced 切分前的文本
func unfence(parts []string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.TrimPrefix(p, codeFence+"\n")
		p = strings.TrimSuffix(p, "\n"+codeFence)
		b.WriteString(p)
	}
	return b.String()
}

func TestSummarizeArgs(t *testing.T) {
	tests := []struct {
		name string
		args string
		want string
	}{
		{
			name: "keeps first three fields in order",
			args: `{"z":"last","a":1,"m":{"x":true},"extra":"dropped"}`,
			want: "z: last\na: 1\nm: {\"x\":true}",
		},
		{
			name: "non-object",
			args: `"just a string"`,
			want: "just a string",
		},
		{
			name: "null",
			args: `null`,
			want: "",
		},
		{
			name: "long value truncated",
			args: `{"content":"` + strings.Repeat("x", 200) + `"}`,
			want: "content: " + strings.Repeat("x", maxArgLen-1) + "…",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, summarizeArgs(json.RawMessage(tt.args)))
		})
	}
}

func TestPreviewResult(t *testing.T) {
	assert.Equal(t, "ok", previewResult(json.RawMessage(`"ok"`)))
	assert.Equal(t, `{"lines":3}`, previewResult(json.RawMessage(`{ "lines": 3 }`)))
	assert.Equal(t, "", previewResult(nil))

	long := previewResult(json.RawMessage(`"` + strings.Repeat("é", 500) + `"`))
	assert.Equal(t, maxResultLen, utf8.RuneCountInString(long))
	assert.True(t, strings.HasSuffix(long, "…"))
}

func TestSummarizeOutputs(t *testing.T) {
	tests := []struct {
		name    string
		outputs string
		want    string
	}{
		{
			name:    "skips status and empty values",
			outputs: `{"status":"success","summary":"Built 3 packages","files":[],"notes":"","meta":{},"pr":"#42"}`,
			want:    "*summary*: Built 3 packages\n*pr*: #42",
		},
		{name: "empty object", outputs: `{}`, want: ""},
		{name: "plain string", outputs: `"all good"`, want: "all good"},
		{name: "missing", outputs: ``, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, summarizeOutputs(json.RawMessage(tt.outputs)))
		})
	}
}

func TestFormatStepError(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		retries int
		err     string
		want    string
	}{
		{name: "first attempt", elapsed: 12 * time.Second, err: "boom", want: "*coder* failed after 12s: boom"},
		{name: "retried", elapsed: 90 * time.Second, retries: 2, err: "timeout", want: "*coder* failed after 1m30s (attempt 3): timeout"},
		{name: "no elapsed no error", want: "*coder* failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatStepError("coder", tt.err, tt.elapsed, tt.retries))
		})
	}
}

func TestFormatStepComplete(t *testing.T) {
	assert.Equal(t, ":white_check_mark: *coder* finished `build`", formatStepComplete("coder", "build", ""))
	assert.Equal(t, ":white_check_mark: *coder* finished `build`\n*pr*: #1", formatStepComplete("coder", "build", "*pr*: #1"))
}

func TestFenced_SplitsLongOutput(t *testing.T) {
	text := strings.Repeat("a", maxFencedBody*2+10)
	parts := fenced(text)
	assert.Len(t, parts, 3)
	for _, p := range parts {
		assert.True(t, strings.HasPrefix(p, codeFence+"\n"))
		assert.True(t, strings.HasSuffix(p, "\n"+codeFence))
	}
	assert.Equal(t, text, unfence(parts))
	assert.Empty(t, fenced(""))
}

func TestFenced_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		parts := fenced(text)
		if got := unfence(parts); got != text {
			t.Fatalf("unfence(fenced(%q)) = %q", text, got)
		}
		for _, p := range parts {
			body := strings.TrimSuffix(strings.TrimPrefix(p, codeFence+"\n"), "\n"+codeFence)
			if n := utf8.RuneCountInString(body); n > maxFencedBody {
				t.Fatalf("fenced body has %d runes", n)
			}
		}
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "日本…", truncate("日本語テキスト", 3))
}
