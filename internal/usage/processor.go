package usage

import (
	"context"
	"log/slog"
	"time"
)

const writeTimeout = 5 * time.Second

// ErrorCounter is notified when a record cannot be written.
type ErrorCounter interface {
	IncError(errType string)
}

// Processor drains usage records into a Store off the request path.
type Processor struct {
	store   Store
	logger  *slog.Logger
	errs    ErrorCounter
	errType string
}

// NewProcessor builds a processor; failed writes are reported to errs under errType.
func NewProcessor(store Store, logger *slog.Logger, errs ErrorCounter, errType string) *Processor {
	return &Processor{
		store:   store,
		logger:  logger,
		errs:    errs,
		errType: errType,
	}
}

// Run consumes records until the channel is closed.
func (p *Processor) Run(records <-chan Record) {
	for record := range records {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := p.store.AddUsage(ctx, record)
		cancel()

		if err != nil {
			p.logger.Error("Failed to record usage", "model", record.Model, "error", err)
			if p.errs != nil {
				p.errs.IncError(p.errType)
			}
			continue
		}
		p.logger.Debug("Usage recorded",
			"model", record.Model,
			"prompt_tokens", record.PromptTokens,
			"generated_tokens", record.GeneratedTokens,
		)
	}
}
