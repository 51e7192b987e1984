package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestTaskListUnmarshalYAMLPreservesDeclarationOrder(t *testing.T) {
	src := `
- greet:
    call: http
    with:
      method: get
- farewell:
    call: http
    with:
      method: get
`
	var list TaskList
	require.NoError(t, yaml.Unmarshal([]byte(src), &list))

	assert.Equal(t, []string{"greet", "farewell"}, list.Names())
	next, ok := list.NextSibling("greet")
	require.True(t, ok)
	assert.Equal(t, "farewell", next)

	_, ok = list.NextSibling("farewell")
	assert.False(t, ok)
}

func TestTaskListUnmarshalYAMLSetsTaskNameFromKey(t *testing.T) {
	src := `
- greet:
    call: http
`
	var list TaskList
	require.NoError(t, yaml.Unmarshal([]byte(src), &list))

	task, ok := list.Get("greet")
	require.True(t, ok)
	assert.Equal(t, "greet", task.Base().Name)
	assert.Equal(t, TaskKindCall, task.Kind())
}

func TestTaskListUnmarshalYAMLRejectsAmbiguousTaskBody(t *testing.T) {
	src := `
- bad:
    call: http
    set:
      x: 1
`
	var list TaskList
	err := yaml.Unmarshal([]byte(src), &list)
	require.Error(t, err)
}

func TestTaskListUnmarshalYAMLRejectsNonSequence(t *testing.T) {
	var list TaskList
	err := yaml.Unmarshal([]byte(`greet: {}`), &list)
	require.Error(t, err)
}
