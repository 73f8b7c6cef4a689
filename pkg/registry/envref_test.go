package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveEnvReferencesBraced(t *testing.T) {
	env := map[string]string{
		"HOST": "db.internal",
		"URL":  "postgres://${HOST}:5432/app",
	}
	resolved := ResolveEnvReferences(env)
	assert.Equal(t, "postgres://db.internal:5432/app", resolved["URL"])
}

func TestResolveEnvReferencesBareDollar(t *testing.T) {
	env := map[string]string{
		"PASSWORD": "s3cret",
		"MY_PASS":  "$PASSWORD",
	}
	resolved := ResolveEnvReferences(env)
	assert.Equal(t, "s3cret", resolved["MY_PASS"])
}

func TestResolveEnvReferencesChained(t *testing.T) {
	env := map[string]string{
		"A": "$B",
		"B": "$C",
		"C": "value",
	}
	resolved := ResolveEnvReferences(env)
	assert.Equal(t, "value", resolved["A"])
	assert.Equal(t, "value", resolved["B"])
}

func TestResolveEnvReferencesUnresolvedLeftVerbatim(t *testing.T) {
	env := map[string]string{"X": "${MISSING}"}
	resolved := ResolveEnvReferences(env)
	assert.Equal(t, "${MISSING}", resolved["X"])
}

func TestResolveEnvReferencesFixpoint(t *testing.T) {
	env := map[string]string{
		"HOST": "db.internal",
		"URL":  "postgres://${HOST}:5432/app",
	}
	once := ResolveEnvReferences(env)
	twice := ResolveEnvReferences(once)
	assert.Equal(t, once, twice)
}

func TestResolveEnvReferencesDoesNotMutateInput(t *testing.T) {
	env := map[string]string{"A": "$B", "B": "value"}
	_ = ResolveEnvReferences(env)
	assert.Equal(t, "$B", env["A"])
}
