package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNilInstrumentsStartInvocationIsNoOp(t *testing.T) {
	var i *Instruments
	ctx, end := i.StartInvocation(context.Background(), "default", "anthropic", "sonnet")
	assert.NotNil(t, ctx)
	end(errors.New("boom")) // must not panic
}

func TestInitReturnsUsableInstruments(t *testing.T) {
	inst, shutdown, err := Init()
	assert.NoError(t, err)
	assert.NotNil(t, inst)
	defer shutdown(context.Background())

	ctx, end := inst.StartInvocation(context.Background(), "default", "anthropic", "sonnet")
	assert.NotNil(t, ctx)
	end(nil)
	end2Ctx, end2 := inst.StartInvocation(context.Background(), "default", "openai", "gpt-5.3-codex")
	assert.NotNil(t, end2Ctx)
	end2(errors.New("invocation failed"))
}
