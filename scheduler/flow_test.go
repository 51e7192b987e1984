package scheduler

import (
	"testing"

	"flowcore/domain"

	"github.com/stretchr/testify/assert"
)

func TestResolveThenEmptyMeansContinue(t *testing.T) {
	outcome := resolveThen("")
	assert.Equal(t, flowOutcome{}, outcome)
}

func TestResolveThenContinueDirective(t *testing.T) {
	outcome := resolveThen(domain.ThenContinue)
	assert.Equal(t, flowOutcome{}, outcome)
}

func TestResolveThenEndDirective(t *testing.T) {
	outcome := resolveThen(domain.ThenEnd)
	assert.True(t, outcome.end)
	assert.False(t, outcome.exit)
	assert.Empty(t, outcome.gotoTask)
}

func TestResolveThenExitDirective(t *testing.T) {
	outcome := resolveThen(domain.ThenExit)
	assert.True(t, outcome.exit)
	assert.False(t, outcome.end)
}

func TestResolveThenSiblingNameGoesToTask(t *testing.T) {
	outcome := resolveThen("nextTask")
	assert.Equal(t, "nextTask", outcome.gotoTask)
	assert.False(t, outcome.end)
	assert.False(t, outcome.exit)
}
