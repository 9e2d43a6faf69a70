package flow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
flows:
  - name: login
    tags: [smoke, auth]
    url: https://acme.test/login
    variables:
      EMAIL: qa@acme.test
    steps:
      - Fill name='email' with ${EMAIL}
      - click text 'Login'
    stopOnError: true
    timeout: 90s
  - name: search
    tags: [catalog]
    steps:
      - Type "shoes" into the search box
`

func TestParse(t *testing.T) {
	flows, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, flows, 2)

	login := flows[0]
	assert.Equal(t, "login", login.Name)
	assert.Equal(t, []string{"smoke", "auth"}, login.Tags)
	assert.Equal(t, "qa@acme.test", login.Variables["EMAIL"])
	assert.Len(t, login.Steps, 2)
	require.NotNil(t, login.StopOnError)
	assert.True(t, *login.StopOnError)
	assert.Equal(t, 90*time.Second, login.Timeout)
	assert.Nil(t, flows[1].StopOnError)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"empty":         ``,
		"no flows":      `flows: []`,
		"missing name":  "flows:\n  - steps: [a]\n",
		"duplicate":     "flows:\n  - name: a\n    steps: [x]\n  - name: a\n    steps: [y]\n",
		"no steps":      "flows:\n  - name: a\n",
		"blank step":    "flows:\n  - name: a\n    steps: ['  ']\n",
		"unknown field": "flows:\n  - name: a\n    stepz: [x]\n    steps: [x]\n",
		"bad yaml":      "flows: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	flows, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, flows, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestFilter(t *testing.T) {
	flows, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Len(t, Filter(flows, "", ""), 2)
	got := Filter(flows, "SMOKE", "")
	require.Len(t, got, 1)
	assert.Equal(t, "login", got[0].Name)
	got = Filter(flows, "", "search")
	require.Len(t, got, 1)
	assert.Equal(t, "search", got[0].Name)
	assert.Empty(t, Filter(flows, "catalog", "login"))
}

func TestSubstitute(t *testing.T) {
	env := map[string]string{"HOST": "env.acme.test", "EMAIL": "env@acme.test"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	vars := map[string]string{"EMAIL": "flow@acme.test"}

	out, missing := Substitute("Log in at ${HOST} as ${EMAIL} with ${PASSWORD}", vars, lookup)
	assert.Equal(t, "Log in at env.acme.test as flow@acme.test with ${PASSWORD}", out)
	assert.Equal(t, []string{"PASSWORD"}, missing)

	out, missing = Substitute("no placeholders, $HOST or ${} stay", vars, lookup)
	assert.Equal(t, "no placeholders, $HOST or ${} stay", out)
	assert.Empty(t, missing)
}

func TestSubstituteDefaultsToEnvironment(t *testing.T) {
	t.Setenv("NLFLOW_TEST_USER", "alice")
	out, missing := Substitute("hi ${NLFLOW_TEST_USER}", nil, nil)
	assert.Equal(t, "hi alice", out)
	assert.Empty(t, missing)
}
