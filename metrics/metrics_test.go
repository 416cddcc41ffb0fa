package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/devrev/airdrop-runtime/logger"
)

func TestScopeNoopWhenDisabled(t *testing.T) {
	c := NewCollector(logger.Discard, CollectorConfig{Enabled: false})
	require := c.Start()
	assert.NoError(t, require)
	defer c.Stop()

	s := c.Scope(Tags{"component": "uploader"})
	// Should not panic even though no server was started.
	s.Count("uploads_total", 1)
	s.Timing("upload_duration", 50*time.Millisecond)
}

func TestTagsLabelIsSortedAndStable(t *testing.T) {
	tags := Tags{"b": "2", "a": "1"}
	assert.Equal(t, "a=1,b=2", tags.label())
}

func TestFormatNameStripsInvalidCharacters(t *testing.T) {
	assert.Equal(t, "foo_bar", formatName("foo.bar"))
	assert.Equal(t, "foo_bar", formatName("foo-bar"))
}

func TestScopeWithMergesTags(t *testing.T) {
	c := NewCollector(logger.Discard, CollectorConfig{Enabled: false})
	base := c.Scope(Tags{"component": "repository"})
	derived := base.With(Tags{"phase": "flush"})

	assert.Equal(t, "component=repository,phase=flush", derived.Tags.label())
}

func TestCounterVecIsMemoizedPerName(t *testing.T) {
	c := NewCollector(logger.Discard, CollectorConfig{Enabled: true})
	first := c.counterVec("events_emitted")
	second := c.counterVec("events_emitted")
	assert.Same(t, first, second)
}
