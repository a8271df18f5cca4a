package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeInvoker struct {
	requests []map[string]interface{}
	models   []string
	replies  [][]byte
	err      error
}

func (f *fakeInvoker) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(in.Body, &body); err != nil {
		return nil, err
	}
	f.requests = append(f.requests, body)
	f.models = append(f.models, aws.ToString(in.ModelId))
	if f.err != nil {
		return nil, f.err
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return &bedrockruntime.InvokeModelOutput{Body: reply}, nil
}

func TestCompleteClaudeMessages(t *testing.T) {
	inv := &fakeInvoker{replies: [][]byte{[]byte(`{"content":[{"type":"text","text":"{\"passed\":true}"}]}`)}}
	c := NewBedrockClient(inv, "anthropic.claude-3-haiku-20240307-v1:0", "", 512, 0, 1, zap.NewNop())

	text, err := c.Complete(context.Background(), &core.CompletionRequest{System: "Review.", Prompt: "Draft", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"passed":true}`, text)

	req := inv.requests[0]
	assert.Equal(t, anthropicVersion, req["anthropic_version"])
	assert.Equal(t, "Review.", req["system"])
	messages := req["messages"].([]interface{})
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].(map[string]interface{})["content"], "Respond only with the JSON object")
}

func TestCompleteLegacyClaude(t *testing.T) {
	inv := &fakeInvoker{replies: [][]byte{[]byte(`{"completion":" inquiry"}`)}}
	c := NewBedrockClient(inv, "anthropic.claude-v2", "", 512, 0, 1, zap.NewNop())

	text, err := c.Complete(context.Background(), &core.CompletionRequest{Prompt: "Classify"})
	require.NoError(t, err)
	assert.Equal(t, " inquiry", text)
	assert.Contains(t, inv.requests[0]["prompt"], "\n\nAssistant:")
}

func TestCompleteTitan(t *testing.T) {
	inv := &fakeInvoker{replies: [][]byte{[]byte(`{"results":[{"outputText":"hello"}]}`)}}
	c := NewBedrockClient(inv, "amazon.titan-text-express-v1", "", 512, 0, 1, zap.NewNop())

	text, err := c.Complete(context.Background(), &core.CompletionRequest{System: "sys", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "sys\n\np", inv.requests[0]["inputText"])
}

func TestCompleteWrapsInvokeError(t *testing.T) {
	inv := &fakeInvoker{err: errors.New("throttled")}
	c := NewBedrockClient(inv, "meta.llama3", "", 512, 0, 1, zap.NewNop())

	_, err := c.Complete(context.Background(), &core.CompletionRequest{Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestEmbedCallsOncePerText(t *testing.T) {
	inv := &fakeInvoker{replies: [][]byte{
		[]byte(`{"embedding":[0.1,0.2]}`),
		[]byte(`{"embedding":[0.3,0.4]}`),
	}}
	c := NewBedrockClient(inv, "anthropic.claude-v2", "amazon.titan-embed-text-v2:0", 512, 0, 1, zap.NewNop())

	vectors, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, vectors)
	assert.Equal(t, []string{"amazon.titan-embed-text-v2:0", "amazon.titan-embed-text-v2:0"}, inv.models)
	assert.Equal(t, "b", inv.requests[1]["inputText"])
}
