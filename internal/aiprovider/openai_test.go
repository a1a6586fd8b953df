package aiprovider

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailable(t *testing.T) {
	assert.False(t, NewOpenAIService("", "", "m").Available())
	assert.True(t, NewOpenAIService("sk-test", "", "m").Available())
}

func TestRoleFor(t *testing.T) {
	assert.Equal(t, openai.ChatMessageRoleAssistant, roleFor(RoleModel))
	assert.Equal(t, openai.ChatMessageRoleUser, roleFor(RoleUser))
	assert.Equal(t, openai.ChatMessageRoleUser, roleFor("anything-else"))
}

func TestBuildMessages_BasicTurn(t *testing.T) {
	msgs := buildMessages(GenerateRequest{
		SystemInstruction: "be brief",
		History: []Message{
			{Role: RoleUser, Text: "earlier question"},
			{Role: RoleModel, Text: "earlier answer"},
		},
		UserText: "current question",
	})

	require.Len(t, msgs, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "be brief", msgs[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[1].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[2].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[3].Role)
	assert.Equal(t, "current question", msgs[3].Content)
}

// TestBuildMessages_FollowUpTurn checks the follow-up shape: the original
// function calls as an assistant turn, then one tool message per response,
// with matching call ids.
func TestBuildMessages_FollowUpTurn(t *testing.T) {
	msgs := buildMessages(GenerateRequest{
		UserText: "schedule it",
		FunctionCallTurn: []FunctionCall{
			{Name: "schedule_task", Args: []byte(`{"prompt":"p"}`)},
		},
		FunctionResultTurn: []FunctionResponse{
			{Name: "schedule_task", Response: map[string]any{"task_id": "task-1-x"}},
		},
	})

	require.Len(t, msgs, 3)

	callTurn := msgs[1]
	assert.Equal(t, openai.ChatMessageRoleAssistant, callTurn.Role)
	require.Len(t, callTurn.ToolCalls, 1)
	assert.Equal(t, "schedule_task", callTurn.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"prompt":"p"}`, callTurn.ToolCalls[0].Function.Arguments)

	resultTurn := msgs[2]
	assert.Equal(t, openai.ChatMessageRoleTool, resultTurn.Role)
	assert.Equal(t, callTurn.ToolCalls[0].ID, resultTurn.ToolCallID)
	assert.JSONEq(t, `{"task_id":"task-1-x"}`, resultTurn.Content)
}

func TestToOpenAITools(t *testing.T) {
	assert.Nil(t, toOpenAITools(nil))

	out := toOpenAITools([]FunctionDeclaration{{
		Name:        "schedule_task",
		Description: "schedule something",
		Parameters:  map[string]any{"prompt": map[string]any{"type": "string"}},
	}})
	require.Len(t, out, 1)
	assert.Equal(t, openai.ToolTypeFunction, out[0].Type)
	assert.Equal(t, "schedule_task", out[0].Function.Name)
}

func TestJoinStrings(t *testing.T) {
	assert.Equal(t, "", joinStrings(nil))
	assert.Equal(t, "abc", joinStrings([]string{"a", "b", "c"}))
}

func TestModelFallback(t *testing.T) {
	s := NewOpenAIService("k", "", "default-model")
	assert.Equal(t, "default-model", s.model(""))
	assert.Equal(t, "override", s.model("override"))
}
