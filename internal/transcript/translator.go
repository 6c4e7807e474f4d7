package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

const defaultTranslationTemperature = 0.1

const translatePrompt = `You translate live speech transcripts.

Translate the user's text into each of these languages (BCP47 codes): %s.
%s
Rules:
- Translate faithfully. Do not summarise, explain or add content.
- Keep names, numbers and technical terms as spoken.
- If the text already is in a target language, return it unchanged for that language.

Respond with ONLY a JSON object mapping each language code to its translation, for example:
{"en": "...", "fr": "..."}`

// TranslatorOption configures a [Translator].
type TranslatorOption func(*translatorConfig)

type translatorConfig struct {
	baseURL     string
	timeout     time.Duration
	temperature float64
	maxRetries  int
}

// WithTranslatorBaseURL points the client at an OpenAI-compatible endpoint.
func WithTranslatorBaseURL(url string) TranslatorOption {
	return func(c *translatorConfig) { c.baseURL = url }
}

// WithTranslatorTimeout sets a per-request HTTP timeout.
func WithTranslatorTimeout(d time.Duration) TranslatorOption {
	return func(c *translatorConfig) { c.timeout = d }
}

// WithTranslatorMaxRetries overrides the client's retry count.
func WithTranslatorMaxRetries(n int) TranslatorOption {
	return func(c *translatorConfig) { c.maxRetries = n }
}

// Translator fills segment translations with a chat completion model. It is
// safe for concurrent use.
type Translator struct {
	client      oai.Client
	model       string
	temperature float64
}

var _ TextTranslator = (*Translator)(nil)

// NewTranslator returns a translator using model.
func NewTranslator(apiKey, model string, opts ...TranslatorOption) (*Translator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("translator: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("translator: model must not be empty")
	}
	cfg := &translatorConfig{temperature: defaultTranslationTemperature, maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}
	return &Translator{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		temperature: cfg.temperature,
	}, nil
}

// Translate returns text translated into every language in targets.
// Languages the model did not answer for are missing from the result. A
// response that is not a JSON object yields an empty result and no error.
func (t *Translator) Translate(ctx context.Context, text, source string, targets []string) (map[string]string, error) {
	if strings.TrimSpace(text) == "" || len(targets) == 0 {
		return nil, nil
	}

	hint := ""
	if source != "" {
		hint = fmt.Sprintf("The text is in %s.\n", source)
	}
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(t.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(fmt.Sprintf(translatePrompt, strings.Join(targets, ", "), hint)),
			oai.UserMessage(text),
		},
		Temperature: param.NewOpt(t.temperature),
	}

	resp, err := t.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("translator: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("translator: empty choices in response")
	}
	return parseTranslations(resp.Choices[0].Message.Content, targets), nil
}

// parseTranslations extracts the requested languages from a model answer.
// Markdown code fences around the JSON are tolerated.
func parseTranslations(content string, targets []string) map[string]string {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var raw map[string]string
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil
	}
	out := make(map[string]string, len(targets))
	for _, lang := range targets {
		if v, ok := raw[lang]; ok && strings.TrimSpace(v) != "" {
			out[lang] = strings.TrimSpace(v)
			continue
		}
		// Models sometimes answer with a different case, e.g. "pt-br".
		for k, v := range raw {
			if strings.EqualFold(k, lang) && strings.TrimSpace(v) != "" {
				out[lang] = strings.TrimSpace(v)
				break
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
