package relevance

// Composite score weights. When no query vector is available the vector
// weight is redistributed onto stability and retrievability.
const (
	WeightVector         = 0.30
	WeightStability      = 0.15
	WeightRetrievability = 0.20
	WeightUserImportance = 0.20
	WeightAIImportance   = 0.10
	WeightGraph          = 0.05

	fallbackShift = 0.15
)

// Inputs are the raw components of a composite score. VectorSimilarity is
// nil when the caller had no query vector; unset importances contribute 0.
type Inputs struct {
	VectorSimilarity      *float64
	Stability             float64
	Retrievability        float64
	UserImportance        *float64
	AIImportance          *float64
	HasGraphRelationships bool
}

// Weights records the effective weight of each component in a score.
type Weights struct {
	Vector         float64 `json:"vector"`
	Stability      float64 `json:"stability"`
	Retrievability float64 `json:"retrievability"`
	UserImportance float64 `json:"user_importance"`
	AIImportance   float64 `json:"ai_importance"`
	Graph          float64 `json:"graph"`
}

// Components records the clamped raw component values that entered a score.
type Components struct {
	Vector         float64 `json:"vector"`
	Stability      float64 `json:"stability"`
	Retrievability float64 `json:"retrievability"`
	UserImportance float64 `json:"user_importance"`
	AIImportance   float64 `json:"ai_importance"`
	Graph          float64 `json:"graph"`
}

// Breakdown is a composite score plus everything needed to explain it.
type Breakdown struct {
	Score              float64    `json:"score"`
	Components         Components `json:"components"`
	Weights            Weights    `json:"weights"`
	UsedFallback       bool       `json:"used_fallback"`
	NeedsReinforcement bool       `json:"needs_reinforcement"`
}

// Score computes the weighted composite relevance of a node. All
// components are clamped to [0,1] before weighting, so the result is also
// in [0,1].
func Score(in Inputs) Breakdown {
	weights := Weights{
		Vector:         WeightVector,
		Stability:      WeightStability,
		Retrievability: WeightRetrievability,
		UserImportance: WeightUserImportance,
		AIImportance:   WeightAIImportance,
		Graph:          WeightGraph,
	}

	components := Components{
		Stability:      clamp01(in.Stability),
		Retrievability: clamp01(in.Retrievability),
	}
	if in.VectorSimilarity != nil {
		components.Vector = clamp01(*in.VectorSimilarity)
	}
	if in.UserImportance != nil {
		components.UserImportance = clamp01(*in.UserImportance)
	}
	if in.AIImportance != nil {
		components.AIImportance = clamp01(*in.AIImportance)
	}
	if in.HasGraphRelationships {
		components.Graph = 1
	}

	usedFallback := in.VectorSimilarity == nil
	if usedFallback {
		weights.Vector = 0
		weights.Stability += fallbackShift
		weights.Retrievability += fallbackShift
	}

	score := weights.Vector*components.Vector +
		weights.Stability*components.Stability +
		weights.Retrievability*components.Retrievability +
		weights.UserImportance*components.UserImportance +
		weights.AIImportance*components.AIImportance +
		weights.Graph*components.Graph

	return Breakdown{
		Score:              clamp01(score),
		Components:         components,
		Weights:            weights,
		UsedFallback:       usedFallback,
		NeedsReinforcement: NeedsReinforcement(components.Retrievability),
	}
}
