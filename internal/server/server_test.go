package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"quest-bot/internal/config"
	"quest-bot/internal/models"
)

type board struct {
	teams []models.Team
	err   error
}

func (b board) List(context.Context) ([]models.Team, error) { return b.teams, b.err }

func TestLeaderboardCSV(t *testing.T) {
	cfg := config.ForTests()
	cfg.BasePublicURL = "https://quest.example"
	link := LeaderboardURL(cfg)
	if !strings.HasPrefix(link, "https://quest.example/export/leaderboard.csv?token=") {
		t.Fatalf("unexpected link %q", link)
	}

	h := Handler(cfg, board{teams: []models.Team{{Name: "Олени", CurStage: 3, Score: 2}}}, zap.NewNop())
	path := strings.TrimPrefix(link, cfg.BasePublicURL)

	tests := []struct {
		name   string
		target string
		code   int
	}{
		{"signed", path, http.StatusOK},
		{"missing token", LeaderboardPath, http.StatusBadRequest},
		{"forged token", LeaderboardPath + "?token=deadbeef", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			if rec.Code != tt.code {
				t.Fatalf("want %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
			if tt.code == http.StatusOK && !strings.Contains(rec.Body.String(), "1,Олени,3,2,") {
				t.Fatalf("unexpected csv %q", rec.Body.String())
			}
		})
	}
}

func TestLeaderboardBackendFailure(t *testing.T) {
	cfg := config.ForTests()
	h := Handler(cfg, board{err: errors.New("db down")}, zap.NewNop())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, strings.TrimPrefix(LeaderboardURL(cfg), cfg.BasePublicURL), nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(config.ForTests(), board{}, zap.NewNop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz %d %q", rec.Code, rec.Body.String())
	}
}
