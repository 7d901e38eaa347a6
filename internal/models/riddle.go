package models

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

type RiddleKind string

const (
	RiddleText         RiddleKind = "text"
	RiddleVerification RiddleKind = "verification"
	RiddleMaze         RiddleKind = "maze"
	RiddleFinale       RiddleKind = "finale"
)

func (k RiddleKind) Valid() bool {
	switch k {
	case RiddleText, RiddleVerification, RiddleMaze, RiddleFinale:
		return true
	}
	return false
}

// Riddle is one stage of the quest. ID equals the stage number.
type Riddle struct {
	ID       int
	Kind     RiddleKind
	Answer   string
	Messages []Message
}

// Check compares the message against the riddle answer.
// Riddles judged by a person or a mini-game have no automatic check and return an error.
func (r Riddle) Check(msg Message) (bool, error) {
	switch r.Kind {
	case RiddleText, "":
		return NormalizeAnswer(msg.Text) == NormalizeAnswer(r.Answer), nil
	case RiddleFinale:
		return false, nil
	default:
		return false, fmt.Errorf("riddle %d of kind %q has no automatic check", r.ID, r.Kind)
	}
}

// Payload returns fresh copies of the riddle messages.
func (r Riddle) Payload() []Message {
	out := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, m.Copy())
	}
	return out
}

// NormalizeAnswer folds case, applies NFC, treats ё as е and collapses whitespace.
func NormalizeAnswer(s string) string {
	s = norm.NFC.String(s)
	s = cases.Fold().String(s)
	s = strings.ReplaceAll(s, "ё", "е")
	return strings.Join(strings.Fields(s), " ")
}
