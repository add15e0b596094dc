package model

// ScoreResult 代表一次 ATS 综合评分的结果。
// FinalScore 恒等于 round(0.4*SemanticScore + 0.6*KeywordScore, 3)，
// 三个分量均被约束在 [0,1] 并保留三位小数。
type ScoreResult struct {
	FinalScore      float64  `json:"finalScore"`
	SemanticScore   float64  `json:"semanticScore"`
	KeywordScore    float64  `json:"keywordScore"`
	MissingKeywords []string `json:"missingKeywords"`
}
