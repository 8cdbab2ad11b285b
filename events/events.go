// Package events publishes lifecycle notifications over NATS so other
// systems can react to crawls and exports without polling. Publishing is
// best-effort: a nil connection disables it and publish failures are
// logged, never returned to the request path.
package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects for lifecycle events.
const (
	SubjectCrawlCompleted       = "lector.crawl.completed"
	SubjectCrunchFileWritten    = "lector.crunch.file_written"
	SubjectInterrogateCompleted = "lector.interrogate.completed"
)

// CrawlCompleted announces a stored crawl.
type CrawlCompleted struct {
	RecordID string    `json:"record_id"`
	URL      string    `json:"url"`
	At       time.Time `json:"at"`
}

// CrunchFileWritten announces one uploaded export file.
type CrunchFileWritten struct {
	File string    `json:"file"`
	At   time.Time `json:"at"`
}

// InterrogateCompleted announces a finished interrogation.
type InterrogateCompleted struct {
	URL   string    `json:"url"`
	Model string    `json:"model"`
	At    time.Time `json:"at"`
}

// Publisher emits lifecycle events. The zero value and a nil Publisher
// are safe no-ops.
type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewPublisher creates a Publisher. nc may be nil to disable publishing.
func NewPublisher(nc *nats.Conn, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{nc: nc, logger: logger}
}

// CrawlCompleted publishes a crawl event.
func (p *Publisher) CrawlCompleted(recordID, url string) {
	p.publish(SubjectCrawlCompleted, CrawlCompleted{RecordID: recordID, URL: url, At: time.Now().UTC()})
}

// CrunchFileWritten publishes an export event.
func (p *Publisher) CrunchFileWritten(file string) {
	p.publish(SubjectCrunchFileWritten, CrunchFileWritten{File: file, At: time.Now().UTC()})
}

// InterrogateCompleted publishes an interrogation event.
func (p *Publisher) InterrogateCompleted(url, model string) {
	p.publish(SubjectInterrogateCompleted, InterrogateCompleted{URL: url, Model: model, At: time.Now().UTC()})
}

func (p *Publisher) publish(subject string, v any) {
	if p == nil || p.nc == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("encode event", "subject", subject, "error", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("publish event", "subject", subject, "error", err)
	}
}
