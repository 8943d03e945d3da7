package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-1")
	_, cid := EnsureCorrelationID(ctx)
	assert.Equal(t, "cid-1", cid)
}

func TestHeadersGeneratesCorrelationID(t *testing.T) {
	headers := Headers(context.Background())
	assert.Len(t, headers["correlation_id"], 26)
	assert.NotContains(t, headers, "trace_id")
}
