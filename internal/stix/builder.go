package stix

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/witlox/crisp/internal/anonymization"
)

// Builder composes decorators around a base component. Each step returns a
// new builder, so a partially built chain can be reused.
type Builder struct {
	component Component
	logger    *zap.Logger
	now       func() time.Time
	salt      string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithLogger sets the logger handed to decorators.
func WithLogger(logger *zap.Logger) BuilderOption {
	return func(b *Builder) { b.logger = logger }
}

// WithClock sets the clock handed to decorators.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithOrganizationSalt enables organization pseudonyms during anonymization.
func WithOrganizationSalt(salt string) BuilderOption {
	return func(b *Builder) { b.salt = salt }
}

// NewBuilder starts a chain from base.
func NewBuilder(base Component, opts ...BuilderOption) *Builder {
	b := &Builder{component: base, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewObjectBuilder starts a chain from a fixed object.
func NewObjectBuilder(obj *ShareableObject, opts ...BuilderOption) *Builder {
	return NewBuilder(Base(obj), opts...)
}

func (b *Builder) wrap(c Component) *Builder {
	next := *b
	next.component = c
	return &next
}

// Validate adds a validation step.
func (b *Builder) Validate(strict bool) *Builder {
	return b.wrap(NewValidationDecorator(b.component, strict, b.logger))
}

// Anonymize adds an anonymization step. A nil strategy uses the object's
// trust context.
func (b *Builder) Anonymize(strategy anonymization.Strategy) *Builder {
	d := NewAnonymizationDecorator(b.component, strategy, b.salt, b.logger)
	d.now = b.now
	return b.wrap(d)
}

// Enrich adds an enrichment step.
func (b *Builder) Enrich() *Builder {
	return b.wrap(NewEnrichmentDecorator(b.component, b.now))
}

// PrepareForTAXII adds a TAXII export step.
func (b *Builder) PrepareForTAXII() *Builder {
	return b.wrap(NewTAXIIExportDecorator(b.component, b.now))
}

// Build runs the chain.
func (b *Builder) Build(ctx context.Context) (*ShareableObject, error) {
	return b.component.Build(ctx)
}
