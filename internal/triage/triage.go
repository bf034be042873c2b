// Package triage grades content before it is written: does it name
// entities worth extracting, does it state facts worth episodic graph
// storage, and what variant of content is it. A fast heuristic always
// runs; an LLM is consulted only for borderline calls, and its verdict
// overrides the heuristic one.
package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/metrics"
)

// Content variants.
const (
	VariantConversational = "conversational"
	VariantFactual        = "factual"
	VariantCode           = "code"
	VariantDocument       = "document"
	VariantSystem         = "system"
)

// Routes record which path produced the decision.
const (
	RouteHeuristic         = "heuristic"
	RouteLLM               = "llm"
	RouteHeuristicFallback = "heuristic_fallback"
)

const (
	entityThreshold = 0.4
	factThreshold   = 0.5

	// A peak score this high or this low is unambiguous on its own;
	// between the two, distance from the decision thresholds separates
	// moderate calls from borderline ones.
	strongSignal = 0.7
	weakSignal   = 0.2
	clearMargin  = 0.2

	confidenceHigh       = 0.9
	confidenceModerate   = 0.8
	confidenceBorderline = 0.65

	defaultMinContent   = 50
	defaultLLMThreshold = 0.75
)

// Decision is the triage verdict attached to a write.
type Decision struct {
	NeedsEntities bool    `json:"needs_entities"`
	NeedsEpisodic bool    `json:"needs_episodic"`
	Variant       string  `json:"variant"`
	EntityScore   float64 `json:"entity_score"`
	FactScore     float64 `json:"fact_score"`
	Confidence    float64 `json:"confidence"`
	Route         string  `json:"route"`
	Reason        string  `json:"reason"`
}

// ChatService is the slice of the OpenAI client the classifier uses.
type ChatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Classifier implements heuristic-first triage with optional LLM
// escalation. Classify never fails: escalation errors fall back to the
// heuristic decision.
type Classifier struct {
	chat         ChatService
	model        openai.ChatModel
	llmThreshold float64
	minContent   int
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// NewClassifier wires the classifier. The LLM client is only built when
// escalation is enabled and a key is present; without it every decision
// is heuristic.
func NewClassifier(cfg config.TriageConfig, llm config.LLMConfig, logger *zap.Logger, m *metrics.Metrics) *Classifier {
	c := &Classifier{
		llmThreshold: cfg.LLMThreshold,
		minContent:   cfg.MinContentLength,
		logger:       logger.Named("triage"),
		metrics:      m,
	}
	if c.llmThreshold <= 0 {
		c.llmThreshold = defaultLLMThreshold
	}
	if c.minContent <= 0 {
		c.minContent = defaultMinContent
	}
	if llm.Enabled && llm.APIKey != "" {
		client := openai.NewClient(option.WithAPIKey(llm.APIKey))
		c.chat = client.Chat.Completions
		c.model = openai.ChatModel(llm.Model)
		if c.model == "" {
			c.model = openai.ChatModelGPT4oMini
		}
	}
	return c
}

// Classify grades content before it is stored.
func (c *Classifier) Classify(ctx context.Context, content string, md memory.Metadata) Decision {
	d := c.classify(ctx, content, md)
	c.metrics.TriageDecisions.WithLabelValues(d.Route).Inc()
	return d
}

func (c *Classifier) classify(ctx context.Context, content string, md memory.Metadata) Decision {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < c.minContent {
		return Decision{
			Variant:    classifyVariant(trimmed, 0),
			Confidence: confidenceHigh,
			Route:      RouteHeuristic,
			Reason:     "content below minimum length",
		}
	}

	// Log collectors label their writes; trust the label over inspection.
	if src, ok := md["source"].(string); ok {
		switch strings.ToLower(src) {
		case "stdout", "stderr", "syslog", "logs":
			return Decision{
				Variant:    VariantSystem,
				Confidence: confidenceHigh,
				Route:      RouteHeuristic,
				Reason:     "log-stream source",
			}
		}
	}
	if isSystemNoise(trimmed) {
		return Decision{
			Variant:    VariantSystem,
			Confidence: confidenceHigh,
			Route:      RouteHeuristic,
			Reason:     "machine-generated noise",
		}
	}

	entity := entityScore(trimmed)
	fact := factScore(trimmed)
	needsEntities := entity >= entityThreshold
	d := Decision{
		NeedsEntities: needsEntities,
		NeedsEpisodic: needsEntities || fact >= factThreshold,
		Variant:       classifyVariant(trimmed, fact),
		EntityScore:   entity,
		FactScore:     fact,
		Confidence:    confidence(entity, fact),
		Route:         RouteHeuristic,
		Reason:        fmt.Sprintf("entity signal %.2f, fact signal %.2f", entity, fact),
	}
	if d.Confidence >= c.llmThreshold || c.chat == nil {
		return d
	}

	escalated, err := c.escalate(ctx, trimmed, d)
	if err != nil {
		c.logger.Warn("triage escalation failed", zap.Error(err))
		d.Route = RouteHeuristicFallback
		return d
	}
	return escalated
}

// llmVerdict is the JSON object the model is instructed to return.
type llmVerdict struct {
	NeedsEntities bool   `json:"needs_entities"`
	NeedsEpisodic bool   `json:"needs_episodic"`
	Variant       string `json:"variant"`
	Reason        string `json:"reason"`
}

const triagePrompt = `You classify text written into a memory system. Respond with a JSON object:
{"needs_entities": bool, "needs_episodic": bool, "variant": string, "reason": string}
needs_entities: the text names people, organisations, places or technical artefacts worth extracting.
needs_episodic: the text states facts or relationships worth storing in a knowledge graph.
variant: one of "conversational", "factual", "code", "document", "system".`

// escalate asks the model for a verdict. The verdict overrides the
// routing bits of the heuristic decision; the heuristic scores stay, as
// does the confidence that triggered the escalation.
func (c *Classifier) escalate(ctx context.Context, content string, heuristic Decision) (Decision, error) {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.F(c.model),
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(triagePrompt),
			openai.UserMessage(content),
		}),
		ResponseFormat: openai.F[openai.ChatCompletionNewParamsResponseFormatUnion](
			openai.ResponseFormatJSONObjectParam{
				Type: openai.F(openai.ResponseFormatJSONObjectTypeJSONObject),
			},
		),
		Temperature: openai.F(0.0),
		MaxTokens:   openai.F(int64(256)),
	})
	if err != nil {
		return Decision{}, err
	}
	if len(resp.Choices) == 0 {
		return Decision{}, fmt.Errorf("no completion choices returned")
	}
	var v llmVerdict
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &v); err != nil {
		return Decision{}, fmt.Errorf("decode verdict: %w", err)
	}

	d := heuristic
	d.NeedsEntities = v.NeedsEntities
	d.NeedsEpisodic = v.NeedsEpisodic
	d.Route = RouteLLM
	if validVariant(v.Variant) {
		d.Variant = v.Variant
	}
	if v.Reason != "" {
		d.Reason = v.Reason
	}
	return d, nil
}

func validVariant(v string) bool {
	switch v {
	case VariantConversational, VariantFactual, VariantCode, VariantDocument, VariantSystem:
		return true
	}
	return false
}

var (
	logLevelLine  = regexp.MustCompile(`^\s*\[(?:TRACE|DEBUG|INFO|WARN|WARNING|ERROR|FATAL)\]`)
	timestampLine = regexp.MustCompile(`^\s*\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}`)
	envLine       = regexp.MustCompile(`^\s*[A-Z][A-Z0-9_]*=\S+\s*$`)

	techTerm = regexp.MustCompile(`(?i)\b(?:api|database|server|service|deployment|cluster|endpoint|repository|pipeline|cache|queue|schema|framework|library|runtime|protocol|kubernetes|docker|postgres|redis)\b`)
	orgMark  = regexp.MustCompile(`\b(?:Inc|Corp|Ltd|LLC|GmbH)\b|(?i)\b(?:team|group|department|company)\b`)
	locMark  = regexp.MustCompile(`\b(?:in|at|from|near) [A-Z][a-z]+`)

	relationVerb = regexp.MustCompile(`(?i)\b(?:is|are|was|were|has|have|had|works|worked|manages|managed|reports|owns|created|built|depends|uses|causes|leads|contains|requires)\b`)
	definition   = regexp.MustCompile(`(?i)\b[\w.-]+ is (?:a|an|the) \w+`)
	quantity     = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	dateMark     = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|(?i)\b(?:january|february|march|april|may|june|july|august|september|october|november|december) \d{1,2}\b`)

	properWord     = regexp.MustCompile(`^[A-Z][a-z]+$`)
	codeToken      = regexp.MustCompile(`(?m)\b(?:func|def|class|import|return|const|var|package)\b|[{};]\s*$|=>`)
	markdownHeader = regexp.MustCompile(`(?m)^#{1,6}\s`)
)

// isSystemNoise reports whether content reads as machine output rather
// than something a person wrote: most lines are log records or an
// environment dump.
func isSystemNoise(content string) bool {
	var total, noisy int
	for _, ln := range strings.Split(content, "\n") {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		total++
		if logLevelLine.MatchString(ln) || timestampLine.MatchString(ln) || envLine.MatchString(ln) {
			noisy++
		}
	}
	return total > 0 && noisy*2 > total
}

// ratio saturates a category after cap hits; more of the same signal
// should not drown out the other categories.
func ratio(hits, cap int) float64 {
	if hits > cap {
		hits = cap
	}
	return float64(hits) / float64(cap)
}

func entityScore(content string) float64 {
	score := 0.4*ratio(countProperNouns(content), 3) +
		0.3*ratio(len(techTerm.FindAllString(content, -1)), 3) +
		0.2*ratio(len(orgMark.FindAllString(content, -1)), 2) +
		0.1*ratio(len(locMark.FindAllString(content, -1)), 2)
	return clamp01(score)
}

func factScore(content string) float64 {
	score := 0.35*ratio(len(relationVerb.FindAllString(content, -1)), 4) +
		0.3*ratio(len(definition.FindAllString(content, -1)), 2) +
		0.2*ratio(len(quantity.FindAllString(content, -1)), 3) +
		0.15*ratio(len(dateMark.FindAllString(content, -1)), 2)
	return clamp01(score)
}

// countProperNouns counts capitalised words that do not open a sentence;
// sentence-initial capitals carry no naming signal.
func countProperNouns(content string) int {
	var n int
	sentenceStart := true
	for _, f := range strings.Fields(content) {
		word := strings.Trim(f, `"'().,:;!?`)
		if !sentenceStart && properWord.MatchString(word) {
			n++
		}
		sentenceStart = strings.ContainsAny(f, ".!?")
	}
	return n
}

func confidence(entity, fact float64) float64 {
	peak := math.Max(entity, fact)
	entityClear := math.Abs(entity-entityThreshold) >= clearMargin
	factClear := math.Abs(fact-factThreshold) >= clearMargin
	switch {
	case peak >= strongSignal || peak <= weakSignal:
		return confidenceHigh
	case entityClear || factClear:
		return confidenceModerate
	default:
		return confidenceBorderline
	}
}

func classifyVariant(content string, fact float64) string {
	switch {
	case looksLikeCode(content):
		return VariantCode
	case looksLikeDocument(content):
		return VariantDocument
	case fact >= factThreshold:
		return VariantFactual
	default:
		return VariantConversational
	}
}

func looksLikeCode(content string) bool {
	if strings.Contains(content, "```") {
		return true
	}
	return len(codeToken.FindAllString(content, -1)) >= 3
}

func looksLikeDocument(content string) bool {
	if len(markdownHeader.FindAllString(content, -1)) >= 2 {
		return true
	}
	return len(content) > 800 && strings.Count(content, "\n\n") >= 2
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
