package models

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

type Team struct {
	ID             int64
	Name           string
	PasswordHash   string
	CurStage       int
	Score          int
	CurMemberID    int64
	StageEnteredAt time.Time
}

// NextStage moves the team one stage forward, wrapping past stageCount back to 1.
func (t *Team) NextStage(stageCount int, now time.Time) {
	t.CurStage++
	if t.CurStage > stageCount || t.CurStage < 1 {
		t.CurStage = 1
	}
	t.Score++
	t.StageEnteredAt = now
}

func (t *Team) VerifyPassword(plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(t.PasswordHash), []byte(plain)) == nil
}

// SwitchMember reports whether the active member changed.
func (t *Team) SwitchMember(memberID int64) bool {
	if t.CurMemberID == memberID {
		return false
	}
	t.CurMemberID = memberID
	return true
}

type Member struct {
	ID       int64
	Nickname string
	Name     string
	TeamID   int64
}

// HashPassword returns a bcrypt hash suitable for Team.PasswordHash.
func HashPassword(plain string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
