package model

import "time"

// Student represents a student user. Program scopes which exams and
// question pools apply to them.
type Student struct {
	ID           int       `json:"id"`
	RollNo       string    `json:"roll_no"`
	Name         string    `json:"name"`
	Program      string    `json:"program"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StudentLoginRequest is the payload for student authentication.
type StudentLoginRequest struct {
	RollNo   string `json:"roll_no" binding:"required,notblank,min=3,max=30"`
	Password string `json:"password" binding:"required,min=4,max=128"`
}

// StudentLoginResponse is returned after successful student login.
type StudentLoginResponse struct {
	Token   string  `json:"token"`
	Student Student `json:"student"`
}
