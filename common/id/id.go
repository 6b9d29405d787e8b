package id

import "github.com/google/uuid"

// NewQuestionID generates a fresh opaque question identifier.
func NewQuestionID() string {
	return uuid.NewString()
}
