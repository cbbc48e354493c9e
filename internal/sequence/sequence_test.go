package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanChain(t *testing.T) {
	// bitcoind <- electrs <- pool, nginx last
	deps := map[string][]string{
		"bitcoind": {},
		"electrs":  {"bitcoind"},
		"pool":     {"electrs"},
		"nginx":    {"pool"},
	}
	stages, err := Plan(deps)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"bitcoind"}, {"electrs"}, {"pool"}, {"nginx"}}, stages)
}

func TestPlanMaximalStages(t *testing.T) {
	// Two independent roots share the first stage; their dependents the
	// second.
	deps := map[string][]string{
		"a": {},
		"e": {},
		"b": {"a"},
		"c": {"b"},
		"d": {"b"},
	}
	stages, err := Plan(deps)
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.ElementsMatch(t, []string{"a", "e"}, stages[0])
	assert.ElementsMatch(t, []string{"b"}, stages[1])
	assert.ElementsMatch(t, []string{"c", "d"}, stages[2])
}

func TestPlanEveryServiceAppearsOnce(t *testing.T) {
	deps := map[string][]string{
		"bitcoind": {},
		"elementsd": {"bitcoind"},
		"electrs":  {"bitcoind"},
		"pool":     {"bitcoind", "elementsd", "electrs"},
		"nginx":    {"pool"},
	}
	stages, err := Plan(deps)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, stage := range stages {
		for _, name := range stage {
			seen[name]++
		}
	}
	assert.Len(t, seen, len(deps))
	for name, n := range seen {
		assert.Equal(t, 1, n, "service %s planned %d times", name, n)
	}
}

func TestPlanCycle(t *testing.T) {
	deps := map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	}
	stages, err := Plan(deps)
	assert.Nil(t, stages, "cycle must yield no partial plan")
	require.Error(t, err)

	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cerr.Members[:len(cerr.Members)-1])
	// Path notation closes the loop on the starting member.
	assert.Equal(t, cerr.Members[0], cerr.Members[len(cerr.Members)-1])
	assert.Contains(t, err.Error(), "dependency cycle detected")
}

func TestPlanSelfCycle(t *testing.T) {
	_, err := Plan(map[string][]string{"a": {"a"}})
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Members, "a")
}

func TestDependents(t *testing.T) {
	deps := map[string][]string{
		"bitcoind": {},
		"electrs":  {"bitcoind"},
		"pool":     {"electrs"},
		"nginx":    {"pool"},
	}
	got := Dependents(deps, "electrs")
	assert.Equal(t, []string{"pool", "nginx"}, got, "nearest dependent first")

	assert.Empty(t, Dependents(deps, "nginx"))
	assert.Equal(t, []string{"electrs", "pool", "nginx"}, Dependents(deps, "bitcoind"))
}
