package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIsStableUnderKeyReordering(t *testing.T) {
	a := FingerprintInput{
		TaskKind:       TaskKindCall,
		TaskDefinition: map[string]interface{}{"a": 1.0, "b": 2.0},
		ResolvedInput:  map[string]interface{}{"x": "y"},
	}
	b := FingerprintInput{
		TaskKind:       TaskKindCall,
		TaskDefinition: map[string]interface{}{"b": 2.0, "a": 1.0},
		ResolvedInput:  map[string]interface{}{"x": "y"},
	}

	fpA, err := Fingerprint(a)
	require.NoError(t, err)
	fpB, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB)
}

func TestFingerprintDiffersOnResolvedInput(t *testing.T) {
	base := FingerprintInput{
		TaskKind:       TaskKindCall,
		TaskDefinition: map[string]interface{}{"a": 1.0},
		ResolvedInput:  map[string]interface{}{"x": "y"},
	}
	changed := base
	changed.ResolvedInput = map[string]interface{}{"x": "z"}

	fpBase, err := Fingerprint(base)
	require.NoError(t, err)
	fpChanged, err := Fingerprint(changed)
	require.NoError(t, err)
	assert.NotEqual(t, fpBase, fpChanged)
}

func TestFingerprintDiffersOnTaskKind(t *testing.T) {
	base := FingerprintInput{TaskKind: TaskKindCall, TaskDefinition: nil, ResolvedInput: nil}
	other := FingerprintInput{TaskKind: TaskKindRun, TaskDefinition: nil, ResolvedInput: nil}

	fpBase, err := Fingerprint(base)
	require.NoError(t, err)
	fpOther, err := Fingerprint(other)
	require.NoError(t, err)
	assert.NotEqual(t, fpBase, fpOther)
}

func TestFingerprintIgnoresThenAndMetadata(t *testing.T) {
	a := FingerprintInput{
		TaskKind: TaskKindCall,
		TaskDefinition: &CallTask{
			TaskBase: TaskBase{Then: "stepTwo", Metadata: map[string]interface{}{"owner": "billing"}},
			Call:     "add-numbers:1.0.0",
		},
		ResolvedInput: map[string]interface{}{"x": 1.0},
	}
	b := FingerprintInput{
		TaskKind: TaskKindCall,
		TaskDefinition: &CallTask{
			TaskBase: TaskBase{Then: "stepThree", Metadata: map[string]interface{}{"owner": "fraud"}},
			Call:     "add-numbers:1.0.0",
		},
		ResolvedInput: map[string]interface{}{"x": 1.0},
	}

	fpA, err := Fingerprint(a)
	require.NoError(t, err)
	fpB, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB)
}

func TestFingerprintIsDeterministicAcrossCalls(t *testing.T) {
	in := FingerprintInput{
		TaskKind:       TaskKindSet,
		TaskDefinition: map[string]interface{}{"nested": map[string]interface{}{"b": 1.0, "a": 2.0}},
		ResolvedInput:  []interface{}{1.0, 2.0, 3.0},
	}

	first, err := Fingerprint(in)
	require.NoError(t, err)
	second, err := Fingerprint(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
