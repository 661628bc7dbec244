package runner

import (
	"context"

	"github.com/tidwall/gjson"
)

const DefaultOllamaURL = "http://localhost:11434"

// Ollama streams newline-delimited JSON chunks from /api/generate.
type Ollama struct {
	cfg HTTPConfig
}

func NewOllama(cfg HTTPConfig) *Ollama {
	return &Ollama{cfg: cfg.withDefaults(DefaultOllamaURL)}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
	Seed        *int64  `json:"seed,omitempty"`
}

func (o *Ollama) Test(ctx context.Context) error {
	return probe(ctx, o.cfg.HTTPClient, KindOllama, endpoint(o.cfg.BaseURL, "/api/tags"))
}

func (o *Ollama) Generate(ctx context.Context, prompt string, opts Options, sink TokenSink) error {
	opts = opts.withDefaults()
	body, err := openStream(ctx, o.cfg.HTTPClient, KindOllama, endpoint(o.cfg.BaseURL, "/api/generate"), ollamaRequest{
		Model:  o.cfg.Model,
		Prompt: prompt,
		Stream: true,
		Options: ollamaOptions{
			NumPredict:  opts.MaxTokens,
			Temperature: opts.Temperature,
			Seed:        opts.Seed,
		},
	})
	if err != nil {
		return err
	}
	defer body.Close()

	return readLines(KindOllama, body, func(line []byte) error {
		if !gjson.ValidBytes(line) {
			return malformed(KindOllama, line)
		}
		if msg := gjson.GetBytes(line, "error"); msg.Exists() {
			return generationErr(KindOllama, "backend error: %s", msg.String())
		}
		if token := gjson.GetBytes(line, "response").String(); token != "" {
			sink(token)
		}
		if gjson.GetBytes(line, "done").Bool() {
			return errStreamDone
		}
		return nil
	})
}
