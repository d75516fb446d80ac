package gemini

import (
	"log/slog"
	"net/http"
	"time"
)

// Config for the Gemini client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string // extraction model
	JudgeModel  string // repair model; falls back to Model
	Temperature float32
	Timeout     time.Duration
}

// Client talks to the Gemini generateContent API for both the extraction
// and the repair calls.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.JudgeModel == "" {
		cfg.JudgeModel = cfg.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger,
	}
}
