package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// --- RunSignal ---

func TestParseRunSignal(t *testing.T) {
	sig, err := ParseRunSignal(map[string]any{"event": "run:resume", "run_id": "r1", "pipeline_id": "p1"})
	require.NoError(t, err)
	assert.Equal(t, RunSignal{Event: "run:resume", RunID: "r1", PipelineID: "p1"}, sig)
}

func TestParseRunSignal_DefaultsEvent(t *testing.T) {
	sig, err := ParseRunSignal(map[string]any{"run_id": "r1"})
	require.NoError(t, err)
	assert.Equal(t, DefaultSignalEvent, sig.Event)
	assert.Empty(t, sig.PipelineID)
}

func TestParseRunSignal_MissingRunID(t *testing.T) {
	_, err := ParseRunSignal(map[string]any{"event": "run:new", "pipeline_id": "p1"})
	require.ErrorIs(t, err, ErrMalformedEntry)

	_, err = ParseRunSignal(nil)
	require.ErrorIs(t, err, ErrMalformedEntry)
}

func TestRunSignal_Values(t *testing.T) {
	v := RunSignal{RunID: "r1", PipelineID: "p1"}.Values()
	assert.Equal(t, "run:new", v[FieldEvent])
	assert.Equal(t, "r1", v[FieldRunID])
	assert.Equal(t, "p1", v[FieldPipelineID])
}

// --- PipelineEvent ---

func TestDecodePipeline_Variants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want PipelineEvent
	}{
		{
			name: "step queued",
			raw:  `{"type":"STEP_QUEUED","runId":"r1","stepId":"build","agentId":"a1","agentName":"Builder"}`,
			want: StepQueued{StepRef: StepRef{RunRef: RunRef{RunID: "r1"}, StepID: "build"}, AgentID: "a1", AgentName: "Builder"},
		},
		{
			name: "step failed",
			raw:  `{"type":"STEP_FAILED","runId":"r1","stepId":"build","error":"boom","retryCount":2}`,
			want: StepFailed{StepRef: StepRef{RunRef: RunRef{RunID: "r1"}, StepID: "build"}, Error: "boom", RetryCount: 2},
		},
		{
			name: "run failed",
			raw:  `{"type":"RUN_FAILED","runId":"r1","error":"timeout"}`,
			want: RunFailed{RunRef: RunRef{RunID: "r1"}, Error: "timeout"},
		},
		{
			name: "slack message",
			raw:  `{"type":"SLACK_MESSAGE","runId":"r1","text":"ship it","user":"U1"}`,
			want: SlackMessage{RunRef: RunRef{RunID: "r1"}, Text: "ship it", User: "U1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodePipeline([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
			assert.Equal(t, "r1", ev.Run())
		})
	}
}

func TestDecodePipeline_ToolCallKeepsRawArgs(t *testing.T) {
	ev, err := DecodePipeline([]byte(`{"type":"TOOL_CALL_START","runId":"r1","stepId":"s","toolCallId":"t1","toolName":"grep","args":{"b":1,"a":"x"}}`))
	require.NoError(t, err)

	start, ok := ev.(ToolCallStart)
	require.True(t, ok)
	assert.Equal(t, "grep", start.ToolName)
	assert.JSONEq(t, `{"b":1,"a":"x"}`, string(start.Args))
	assert.Equal(t, "s", start.Step())
}

func TestDecodePipeline_Errors(t *testing.T) {
	_, err := DecodePipeline([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedEntry)

	_, err = DecodePipeline([]byte(`{"runId":"r1"}`))
	assert.ErrorIs(t, err, ErrMalformedEntry)

	_, err = DecodePipeline([]byte(`{"type":"STEP_TELEPORTED","runId":"r1"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = DecodePipeline([]byte(`{"type":"STEP_FAILED","runId":"r1","retryCount":"two"}`))
	assert.ErrorIs(t, err, ErrMalformedEntry)
}

func TestEncodePipeline_RoundTrip(t *testing.T) {
	in := StepOutput{StepRef: StepRef{RunRef: RunRef{RunID: "r1"}, StepID: "s1"}, Chunk: "hello"}
	data, err := EncodePipeline(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"STEP_OUTPUT","runId":"r1","stepId":"s1","chunk":"hello"}`, string(data))

	out, err := DecodePipeline(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(RunComplete{}))
	assert.True(t, IsTerminal(RunFailed{}))
	assert.True(t, IsTerminal(RunCancelled{}))
	assert.False(t, IsTerminal(StepComplete{}))
	assert.False(t, IsTerminal(SlackMessage{}))
}

// --- GlobalEvent ---

func TestDecodeGlobal_Control(t *testing.T) {
	ev, err := DecodeGlobal([]byte(`{"type":"PULSE_TRIGGERED","agentId":"a1"}`))
	require.NoError(t, err)
	assert.Equal(t, PulseTriggered{AgentID: "a1"}, ev)

	ev, err = DecodeGlobal([]byte(`{"type":"TASK_WORKSPACE_REQUESTED","agentId":"a1","projectId":"p1","taskId":"t1","taskBranch":"task/t1"}`))
	require.NoError(t, err)
	assert.Equal(t, TaskWorkspaceRequested{AgentID: "a1", ProjectID: "p1", TaskID: "t1", TaskBranch: "task/t1"}, ev)

	ev, err = DecodeGlobal([]byte(`{"type":"MCP_RESTART_REQUESTED"}`))
	require.NoError(t, err)
	assert.Equal(t, McpRestartRequested{}, ev)
}

func TestDecodeGlobal_InformationalVersusUnknown(t *testing.T) {
	ev, err := DecodeGlobal([]byte(`{"type":"TASK_MOVED","taskId":"t1"}`))
	require.NoError(t, err)
	assert.Equal(t, Informational{Type: "TASK_MOVED"}, ev)

	ev, err = DecodeGlobal([]byte(`{"type":"SOMETHING_NEW","x":1}`))
	require.NoError(t, err)
	unknown, ok := ev.(Unknown)
	require.True(t, ok)
	assert.Equal(t, "SOMETHING_NEW", unknown.Kind())
	assert.JSONEq(t, `{"type":"SOMETHING_NEW","x":1}`, string(unknown.Raw))
}

func TestDecodeGlobal_Malformed(t *testing.T) {
	_, err := DecodeGlobal([]byte(`{"type":`))
	assert.ErrorIs(t, err, ErrMalformedEntry)

	_, err = DecodeGlobal([]byte(`{}`))
	assert.ErrorIs(t, err, ErrMalformedEntry)
}

func TestEncodeGlobal(t *testing.T) {
	data, err := EncodeGlobal(McpRestartRequested{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"MCP_RESTART_REQUESTED"}`, string(data))

	data, err = EncodeGlobal(KnowledgeLinksUpdated{AgentID: "a1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"KNOWLEDGE_LINKS_UPDATED","agentId":"a1"}`, string(data))

	data, err = EncodeGlobal(Informational{Type: "TASK_CREATED"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"TASK_CREATED"}`, string(data))
}

// --- SessionEvent ---

func TestDecodeSession(t *testing.T) {
	ev, err := DecodeSession([]byte(`{"type":"SESSION_STARTED","sessionId":"s1","agentId":"a1","channelId":"C1","threadTs":"1.2"}`))
	require.NoError(t, err)
	assert.Equal(t, SessionStarted{SessionRef: SessionRef{SessionID: "s1"}, AgentID: "a1", ChannelID: "C1", ThreadTS: "1.2"}, ev)
	assert.Equal(t, "s1", ev.Session())

	_, err = DecodeSession([]byte(`{"type":"SESSION_PAUSED","sessionId":"s1"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

// --- properties ---

func TestEncodeTagged_AlwaysValidObject(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		runID := rapid.String().Draw(t, "runID")
		chunk := rapid.String().Draw(t, "chunk")

		data, err := EncodePipeline(StepThinking{StepRef: StepRef{RunRef: RunRef{RunID: runID}}, Chunk: chunk})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("invalid json %q: %v", data, err)
		}
		if m["type"] != TypeStepThinking {
			t.Fatalf("type = %v", m["type"])
		}

		ev, err := DecodePipeline(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		thinking := ev.(StepThinking)
		if thinking.Chunk != chunk || thinking.RunID != runID {
			t.Fatalf("chunk mismatch: %q != %q", thinking.Chunk, chunk)
		}
	})
}
