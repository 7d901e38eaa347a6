// Package content loads the quest texts that organizers edit without rebuilding:
// character flavor lines, the finale message, maze decorations and the riddle set.
package content

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"quest-bot/internal/models"
)

//go:embed default.yaml
var defaultYAML []byte

type Content struct {
	Keywords map[string][]string `yaml:"keywords"`
	Finale   string              `yaml:"finale"`
	Maze     MazeTexts           `yaml:"maze"`
}

type MazeTexts struct {
	DeerImage   string   `yaml:"deer_image"`
	SleighImage string   `yaml:"sleigh_image"`
	Deer        []string `yaml:"deer"`
	Sleigh      []string `yaml:"sleigh"`
}

// Load returns the embedded defaults, overlaid with the file at path when it is set.
func Load(path string) (Content, error) {
	var c Content
	if err := yaml.Unmarshal(defaultYAML, &c); err != nil {
		return c, fmt.Errorf("parse default content: %w", err)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read content file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("parse content file %s: %w", path, err)
		}
	}
	c.Keywords = normalizeKeys(c.Keywords)
	return c, nil
}

func normalizeKeys(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		if len(v) == 0 {
			continue
		}
		out[models.NormalizeAnswer(k)] = v
	}
	return out
}

// Flavor picks a reply for a character command. pick receives the number of lines.
func (c Content) Flavor(text string, pick func(n int) int) (string, bool) {
	lines, ok := c.Keywords[models.NormalizeAnswer(text)]
	if !ok {
		return "", false
	}
	return lines[pick(len(lines))], true
}

type riddleFile struct {
	Riddles []struct {
		ID       int    `yaml:"id"`
		Kind     string `yaml:"kind"`
		Answer   string `yaml:"answer"`
		Messages []struct {
			Text  string   `yaml:"text"`
			Files []string `yaml:"files"`
		} `yaml:"messages"`
	} `yaml:"riddles"`
}

// LoadRiddles parses a riddle set. Files are object storage paths and become deferred attachments.
func LoadRiddles(raw []byte) ([]models.Riddle, error) {
	var f riddleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse riddles: %w", err)
	}
	seen := map[int]bool{}
	out := make([]models.Riddle, 0, len(f.Riddles))
	for _, r := range f.Riddles {
		if r.ID < 1 {
			return nil, fmt.Errorf("riddle id must be positive, got %d", r.ID)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("riddle %d is defined twice", r.ID)
		}
		seen[r.ID] = true

		kind := models.RiddleKind(strings.ToLower(strings.TrimSpace(r.Kind)))
		if kind == "" {
			kind = models.RiddleText
		}
		if !kind.Valid() {
			return nil, fmt.Errorf("riddle %d: unknown kind %q", r.ID, r.Kind)
		}
		if kind == models.RiddleText && strings.TrimSpace(r.Answer) == "" {
			return nil, fmt.Errorf("riddle %d: text riddle needs an answer", r.ID)
		}

		rd := models.Riddle{ID: r.ID, Kind: kind, Answer: r.Answer}
		for _, m := range r.Messages {
			msg := models.Message{Text: m.Text}
			for _, p := range m.Files {
				msg.Files = append(msg.Files, models.StoredFile(p, 0))
			}
			rd.Messages = append(rd.Messages, msg)
		}
		out = append(out, rd)
	}
	return out, nil
}
