package runner

import (
	"bytes"
	"context"

	"github.com/tidwall/gjson"
)

const DefaultLMStudioURL = "http://localhost:1234"

var (
	ssePrefix = []byte("data:")
	sseDone   = []byte("[DONE]")
)

// LMStudio streams server-sent events from the OpenAI compatible
// /v1/completions endpoint.
type LMStudio struct {
	cfg HTTPConfig
}

func NewLMStudio(cfg HTTPConfig) *LMStudio {
	return &LMStudio{cfg: cfg.withDefaults(DefaultLMStudioURL)}
}

type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
	Seed        *int64  `json:"seed,omitempty"`
}

func (l *LMStudio) Test(ctx context.Context) error {
	return probe(ctx, l.cfg.HTTPClient, KindLMStudio, endpoint(l.cfg.BaseURL, "/v1/models"))
}

func (l *LMStudio) Generate(ctx context.Context, prompt string, opts Options, sink TokenSink) error {
	opts = opts.withDefaults()
	body, err := openStream(ctx, l.cfg.HTTPClient, KindLMStudio, endpoint(l.cfg.BaseURL, "/v1/completions"), completionRequest{
		Model:       l.cfg.Model,
		Prompt:      prompt,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stream:      true,
		Seed:        opts.Seed,
	})
	if err != nil {
		return err
	}
	defer body.Close()

	return readLines(KindLMStudio, body, func(line []byte) error {
		// Comments, event names and ids carry no text.
		if !bytes.HasPrefix(line, ssePrefix) {
			return nil
		}
		data := bytes.TrimSpace(line[len(ssePrefix):])
		if bytes.Equal(data, sseDone) {
			return errStreamDone
		}
		if !gjson.ValidBytes(data) {
			return malformed(KindLMStudio, data)
		}
		if msg := gjson.GetBytes(data, "error"); msg.Exists() {
			text := msg.Get("message").String()
			if text == "" {
				text = msg.String()
			}
			return generationErr(KindLMStudio, "backend error: %s", text)
		}
		if token := gjson.GetBytes(data, "choices.0.text").String(); token != "" {
			sink(token)
		}
		return nil
	})
}
