package tracetools

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
)

type fakeSpan struct {
	embedded.Span

	finished       bool
	err            error
	spanContext    trace.SpanContext
	statusCode     codes.Code
	statusDesc     string
	name           string
	links          []trace.Link
	attributes     []attribute.KeyValue
	tracerProvider trace.TracerProvider
}

var _ trace.Span = (*fakeSpan)(nil)

func (s *fakeSpan) End(options ...trace.SpanEndOption)            { s.finished = true }
func (s *fakeSpan) IsRecording() bool                             { return !s.finished }
func (s *fakeSpan) RecordError(err error, _ ...trace.EventOption) { s.err = err }
func (s *fakeSpan) SpanContext() trace.SpanContext                { return s.spanContext }
func (s *fakeSpan) SetName(name string)                           { s.name = name }
func (s *fakeSpan) TracerProvider() trace.TracerProvider          { return s.tracerProvider }
func (s *fakeSpan) AddLink(link trace.Link)                       { s.links = append(s.links, link) }
func (s *fakeSpan) AddEvent(name string, _ ...trace.EventOption)  {}

func (s *fakeSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.attributes = append(s.attributes, kv...)
}

func (s *fakeSpan) SetStatus(code codes.Code, description string) {
	s.statusCode, s.statusDesc = code, description
}

func TestAddAttributesToSpan(t *testing.T) {
	span := &fakeSpan{}

	AddAttributesToSpan(span, map[string]string{"colour": "blue", "flavour": "bittersweet"})
	assert.Contains(t, span.attributes, attribute.String("colour", "blue"))
	assert.Contains(t, span.attributes, attribute.String("flavour", "bittersweet"))
}

func TestAddAttributesToSpanNilIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		AddAttributesToSpan(nil, map[string]string{"colour": "blue"})
	})
}

func TestFinishWithError(t *testing.T) {
	err := errors.New("test error")

	span := &fakeSpan{}
	FinishWithError(span, err)
	assert.True(t, span.finished)
	assert.ErrorIs(t, span.err, err)
	assert.Equal(t, codes.Error, span.statusCode)
	assert.Equal(t, err.Error(), span.statusDesc)

	span = &fakeSpan{}
	FinishWithError(span, nil)
	assert.True(t, span.finished)
	assert.NoError(t, span.err)
	assert.Equal(t, codes.Unset, span.statusCode)
}

func TestFinishWithErrorNilIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		FinishWithError(nil, errors.New("boom"))
	})
}

func TestRecordErrorNilSpanOrErrIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordError(nil, errors.New("boom"))
	})
	span := &fakeSpan{}
	RecordError(span, nil)
	assert.NoError(t, span.err)
}
