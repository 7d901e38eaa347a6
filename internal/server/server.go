package server

import (
	"context"
	"encoding/csv"
	"net/http"
	"net/url"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"quest-bot/internal/config"
	"quest-bot/internal/models"
	"quest-bot/internal/sheets"
	"quest-bot/internal/util"
)

const (
	LeaderboardPath = "/export/leaderboard.csv"
	exportPayload   = "export:leaderboard"
)

// Leaderboard lists teams in standings order.
type Leaderboard interface {
	List(ctx context.Context) ([]models.Team, error)
}

// LeaderboardURL is the signed CSV link handed out to admins.
func LeaderboardURL(cfg config.Config) string {
	q := url.Values{"token": {util.HMACSHA256Hex(cfg.ExportSecret, exportPayload)}}
	return cfg.BasePublicURL + LeaderboardPath + "?" + q.Encode()
}

func New(cfg config.Config, board Leaderboard, log *zap.Logger) *http.Server {
	return &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: Handler(cfg, board, log),
	}
}

func Handler(cfg config.Config, board Leaderboard, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	// CSV export (admin-only link with token = HMAC)
	mux.HandleFunc(LeaderboardPath, func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "token required", http.StatusBadRequest)
			return
		}
		if !util.ValidHMAC(cfg.ExportSecret, exportPayload, token) {
			http.Error(w, "invalid token", http.StatusForbidden)
			return
		}
		teams, err := board.List(r.Context())
		if err != nil {
			log.Error("leaderboard export failed", zap.Error(err))
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="leaderboard.csv"`)
		cw := csv.NewWriter(w)
		if err := cw.WriteAll(sheets.LeaderboardTable(teams)); err != nil {
			log.Warn("write leaderboard csv", zap.Error(err))
		}
	})

	return mux
}
