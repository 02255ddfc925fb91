package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI serves both as a chat model and as a speech synthesizer.
type OpenAI struct {
	client   openai.Client
	model    string
	ttsModel string
	voice    string
}

func NewOpenAI(apiKey, model, ttsModel, voice string, opts ...option.RequestOption) *OpenAI {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAI{
		client:   openai.NewClient(opts...),
		model:    model,
		ttsModel: ttsModel,
		voice:    voice,
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Chat(ctx context.Context, msgs []ChatMessage) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    o.model,
		Messages: openaiMessages(msgs),
	}
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyReply
	}
	return resp.Choices[0].Message.Content, nil
}

// Synthesize requests WAV so the sample rate travels with the audio.
func (o *OpenAI) Synthesize(ctx context.Context, text string) (Audio, error) {
	resp, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(o.ttsModel),
		Voice:          openai.AudioSpeechNewParamsVoice(o.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatWAV,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("speech: %w", err)
	}
	if resp == nil || resp.Body == nil {
		return Audio{}, errors.New("speech: empty response")
	}
	defer resp.Body.Close()
	pcm, rate, err := readWAVPCM16(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("speech: %w", err)
	}
	return Audio{PCM: pcm, SampleRate: rate}, nil
}

func openaiMessages(msgs []ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
