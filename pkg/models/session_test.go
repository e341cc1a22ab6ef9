package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to SessionState }{
		{StateProvisioning, StateActive},
		{StateProvisioning, StateTerminating},
		{StateActive, StateCommitting},
		{StateActive, StateTerminating},
		{StateCommitting, StateActive},
		{StateTerminating, StateTerminated},
	}
	for _, edge := range allowed {
		assert.True(t, CanTransition(edge.from, edge.to), "%s -> %s should be legal", edge.from, edge.to)
	}

	denied := []struct{ from, to SessionState }{
		{StateProvisioning, StateCommitting},
		{StateActive, StateProvisioning},
		{StateCommitting, StateTerminating},
		{StateCommitting, StateTerminated},
		{StateTerminating, StateActive},
	}
	for _, edge := range denied {
		assert.False(t, CanTransition(edge.from, edge.to), "%s -> %s should be illegal", edge.from, edge.to)
	}
}

func TestTerminatedIsTerminal(t *testing.T) {
	for _, to := range []SessionState{
		StateProvisioning, StateActive, StateCommitting, StateTerminating, StateTerminated,
	} {
		assert.False(t, CanTransition(StateTerminated, to))
	}
}

func TestValidKind(t *testing.T) {
	assert.True(t, ValidKind(KindRStudio))
	assert.True(t, ValidKind(KindJupyter))
	assert.True(t, ValidKind(KindEditor))
	assert.True(t, ValidKind(KindOperations))
	assert.False(t, ValidKind("chrome"))
	assert.False(t, ValidKind(""))
}
