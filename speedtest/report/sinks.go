package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"subcheck/internal/shared/logger"
)

// Sink persists or transmits a finished summary. Sink failures are
// non-fatal to the run and only logged.
type Sink interface {
	Publish(s *Summary) error
	Name() string
}

// Publish hands the summary to every sink, logging failures.
func Publish(sinks []Sink, s *Summary) {
	l := logger.WithComponent("Speedtest/Report")
	for _, sink := range sinks {
		if err := sink.Publish(s); err != nil {
			l.Error().Err(err).Str("sink", sink.Name()).Msg("Failed to publish results.")
			continue
		}
		l.Info().Str("sink", sink.Name()).Msg("Results published.")
	}
}

// FileSink writes the summary as an indented JSON document into a
// results directory, one file per run.
type FileSink struct {
	Dir string
}

func (f *FileSink) Name() string { return "file" }

func (f *FileSink) Publish(s *Summary) error {
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	name := fmt.Sprintf("results-%s.json", time.Now().UTC().Format("20060102-150405"))
	return os.WriteFile(filepath.Join(f.Dir, name), data, 0644)
}

// WebhookSink posts the summary as JSON to a configured URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Publish(s *Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	resp, err := w.Client.Post(w.URL, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
