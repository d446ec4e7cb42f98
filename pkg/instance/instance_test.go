package instance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetIDPrefersDyno(t *testing.T) {
	t.Setenv("DYNO", "web.1")
	t.Setenv("GENFORGE_INSTANCE_ID", "gf-7")
	require.Equal(t, "web.1", GetID())
}

func TestGetIDFallsBackToInstanceEnv(t *testing.T) {
	t.Setenv("DYNO", "")
	t.Setenv("GENFORGE_INSTANCE_ID", "gf-7")
	require.Equal(t, "gf-7", GetID())
}

func TestGetIDNeverEmpty(t *testing.T) {
	t.Setenv("DYNO", " ")
	t.Setenv("GENFORGE_INSTANCE_ID", "")
	require.NotEmpty(t, GetID())
}
