package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"google.golang.org/genai"

	"helmsman/internal/config"
	"helmsman/internal/logging"
	"helmsman/internal/types"
)

// =============================================================================
// GEMINI RUNNER
// =============================================================================

const defaultInvokeTimeout = 5 * time.Minute

// GeminiRunner invokes agents through Google's Gemini API. The agent
// definition supplies the system instruction; inputs become the user turn.
type GeminiRunner struct {
	client       *genai.Client
	reg          *Registry
	defaultModel string
}

// NewGeminiRunner creates a runner backed by the Gemini API.
func NewGeminiRunner(cfg config.AgentsConfig, reg *Registry) (*GeminiRunner, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiRunner{client: client, reg: reg, defaultModel: model}, nil
}

// Invoke runs one agent call. Rate limits and server-side failures come back
// retriable; malformed requests and unknown agents are fatal.
func (g *GeminiRunner) Invoke(ctx context.Context, agentID, instructions string, inputs map[string]string, opts Options) (*Result, error) {
	def, ok := g.reg.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", agentID)
	}

	model := opts.Model
	if model == "" {
		model = def.Model
	}
	if model == "" {
		model = g.defaultModel
	}

	genCfg := &genai.GenerateContentConfig{}
	if sys := def.Instructions; sys != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	switch {
	case opts.Temperature > 0:
		genCfg.Temperature = genai.Ptr(float32(opts.Temperature))
	case def.Temperature > 0:
		genCfg.Temperature = genai.Ptr(float32(def.Temperature))
	}
	switch {
	case opts.MaxTokens > 0:
		genCfg.MaxOutputTokens = int32(opts.MaxTokens)
	case def.MaxTokens > 0:
		genCfg.MaxOutputTokens = int32(def.MaxTokens)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(buildPrompt(instructions, inputs)), genCfg)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	result := &Result{
		AgentID:    agentID,
		OutputText: resp.Text(),
		Model:      model,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if um := resp.UsageMetadata; um != nil {
		result.Usage = types.TokenUsage{
			Input:     int(um.PromptTokenCount),
			Output:    int(um.CandidatesTokenCount),
			CacheRead: int(um.CachedContentTokenCount),
		}
	}
	logging.Agents("Agent %s (%s): %d tokens in %dms", agentID, model, result.Usage.Total(), result.DurationMS)
	return result, nil
}

// buildPrompt renders the per-call instructions plus labeled input sections.
func buildPrompt(instructions string, inputs map[string]string) string {
	var b strings.Builder
	b.WriteString(instructions)
	for _, key := range sortedKeys(inputs) {
		b.WriteString("\n\n## ")
		b.WriteString(key)
		b.WriteString("\n")
		b.WriteString(inputs[key])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func classifyGeminiError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "RESOURCE_EXHAUSTED"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "UNAVAILABLE"),
		strings.Contains(msg, "deadline exceeded"):
		return Retriable(fmt.Errorf("gemini call: %w", err))
	default:
		return fmt.Errorf("gemini call: %w", err)
	}
}
