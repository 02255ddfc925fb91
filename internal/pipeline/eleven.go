package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const elevenSampleRate = 24000

// Eleven is the ElevenLabs REST synthesizer. It asks for raw PCM so no
// decoding is needed before handing audio to the avatar.
type Eleven struct {
	APIKey  string
	VoiceID string
	Model   string
	BaseURL string
	HTTP    *http.Client
}

func NewEleven(apiKey, voiceID, model string) *Eleven {
	return &Eleven{APIKey: apiKey, VoiceID: voiceID, Model: model}
}

func (e *Eleven) Name() string { return "elevenlabs" }

func (e *Eleven) Synthesize(ctx context.Context, text string) (Audio, error) {
	base := e.BaseURL
	if base == "" {
		base = "https://api.elevenlabs.io"
	}
	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=pcm_%d", base, e.VoiceID, elevenSampleRate)
	body := map[string]any{"text": text}
	if e.Model != "" {
		body["model_id"] = e.Model
	}
	reqBytes, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return Audio{}, err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("content-type", "application/json")
	client := e.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Audio{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Audio{}, fmt.Errorf("invalid api_key (401): %s", string(b))
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Audio{}, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, err
	}
	return Audio{PCM: pcm[:len(pcm)&^1], SampleRate: elevenSampleRate}, nil
}
