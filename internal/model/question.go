package model

// QuestionType distinguishes single-select from multi-select questions.
type QuestionType string

const (
	QuestionTypeSingle QuestionType = "single"
	QuestionTypeMulti  QuestionType = "multi"
)

// Question is an immutable catalog entry. The engine never mutates
// questions; it only reads them to constrain answer selection.
type Question struct {
	ID           string       `json:"id"`
	QuestionType QuestionType `json:"question_type"`
	Prompt       string       `json:"prompt"`
	Options      []string     `json:"options"`
}

// Quiz groups the questions of one assessment. The reference backend
// serves quizzes seeded from this shape.
type Quiz struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	DurationSeconds int        `json:"duration_seconds"`
	Questions       []Question `json:"questions"`
}
