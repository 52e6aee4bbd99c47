package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.buildRequestBody(p.resolveModel(req.Model), req, true)

	// Retries cover only the connection phase; once bytes flow there is
	// no replay.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	st := &openAIStream{
		result:       &ChatResponse{FinishReason: "stop"},
		accumulators: make(map[int]*toolCallAccumulator),
		onChunk:      onChunk,
	}

	scanner := bufio.NewScanner(respBody)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		st.consume(&chunk)
	}
	return st.finalize(), nil
}

// openAIStream folds SSE deltas into one ChatResponse.
type openAIStream struct {
	result       *ChatResponse
	accumulators map[int]*toolCallAccumulator
	onChunk      func(StreamChunk)
}

func (st *openAIStream) emit(c StreamChunk) {
	if st.onChunk != nil {
		st.onChunk(c)
	}
}

func (st *openAIStream) consume(chunk *openAIStreamChunk) {
	// With stream_options.include_usage the usage arrives in a final
	// chunk whose choices array is empty; grab it before skipping.
	if chunk.Usage != nil {
		st.result.Usage = usageFromOpenAI(chunk.Usage)
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	if t := choice.Delta.ReasoningContent; t != "" {
		st.result.Thinking += t
		st.emit(StreamChunk{Thinking: t})
	}
	if c := choice.Delta.Content; c != "" {
		st.result.Content += c
		st.emit(StreamChunk{Content: c})
	}
	for _, tc := range choice.Delta.ToolCalls {
		st.toolCallDelta(tc)
	}
	if choice.FinishReason != "" {
		st.result.FinishReason = choice.FinishReason
	}
}

// toolCallDelta routes an argument fragment to its accumulator, creating
// one on the first fragment seen for that index.
func (st *openAIStream) toolCallDelta(tc openAIStreamToolCall) {
	acc, ok := st.accumulators[tc.Index]
	if !ok {
		acc = &toolCallAccumulator{
			ToolCall: ToolCall{ID: tc.ID, Name: strings.TrimSpace(tc.Function.Name)},
		}
		st.accumulators[tc.Index] = acc
	}
	if tc.Function.Name != "" {
		acc.Name = strings.TrimSpace(tc.Function.Name)
	}
	acc.rawArgs += tc.Function.Arguments
	if tc.Function.ThoughtSignature != "" {
		acc.thoughtSig = tc.Function.ThoughtSignature
	}
}

func (st *openAIStream) finalize() *ChatResponse {
	for i := 0; i < len(st.accumulators); i++ {
		st.result.ToolCalls = append(st.result.ToolCalls, st.accumulators[i].finish())
	}
	if len(st.result.ToolCalls) > 0 {
		st.result.FinishReason = "tool_calls"
	}
	st.emit(StreamChunk{Done: true})
	return st.result
}

// finish parses the accumulated argument fragments into the completed call.
func (a *toolCallAccumulator) finish() ToolCall {
	args := make(map[string]interface{})
	_ = json.Unmarshal([]byte(a.rawArgs), &args)
	a.Arguments = args
	if a.thoughtSig != "" {
		a.Metadata = map[string]string{"thought_signature": a.thoughtSig}
	}
	return a.ToolCall
}
