package model

import (
	"github.com/google/uuid"
)

// Question is a single multiple-choice question with four options.
// CorrectOption holds the text of the correct option.
type Question struct {
	ID            uuid.UUID `json:"id"`
	Text          string    `json:"text"`
	Options       []string  `json:"options"`
	CorrectOption string    `json:"correct_option"`
	Category      string    `json:"category"`
	Program       *string   `json:"program,omitempty"`
}

// HasOption reports whether value is one of the question's options.
func (q *Question) HasOption(value string) bool {
	for _, o := range q.Options {
		if o == value {
			return true
		}
	}
	return false
}

// ForStudent strips the correct answer.
func (q *Question) ForStudent() QuestionForStudent {
	return QuestionForStudent{
		ID:       q.ID,
		Text:     q.Text,
		Options:  q.Options,
		Category: q.Category,
	}
}

// QuestionForStudent is a question without the correct answer, sent to students.
type QuestionForStudent struct {
	ID       uuid.UUID `json:"id"`
	Text     string    `json:"text"`
	Options  []string  `json:"options"`
	Category string    `json:"category"`
}
