package session

import (
	"github.com/proctorly/quiz-agent/internal/model"
)

// QuizCatalog is a Catalog backed by one fetched quiz.
type QuizCatalog map[string]model.Question

// NewQuizCatalog indexes a quiz's questions by id.
func NewQuizCatalog(quiz *model.Quiz) QuizCatalog {
	c := make(QuizCatalog, len(quiz.Questions))
	for _, q := range quiz.Questions {
		c[q.ID] = q
	}
	return c
}

func (c QuizCatalog) Question(id string) (model.Question, bool) {
	q, ok := c[id]
	return q, ok
}
