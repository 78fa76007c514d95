package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/stage"
)

func noopFactory(config.Stage) (stage.Stage, error) {
	return stage.Func(func(context.Context, stage.Input) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}), nil
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("noop", noopFactory, stage.Metadata{Category: "test"}))

	s, err := r.Resolve(config.Stage{Name: "a", Type: "noop"})
	require.NoError(t, err)
	require.NotNil(t, s)

	meta, ok := r.Metadata("noop")
	require.True(t, ok)
	assert.Equal(t, "test", meta.Category)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("noop", noopFactory, stage.Metadata{}))
	err := r.Register("noop", noopFactory, stage.Metadata{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestResolveUnknownType(t *testing.T) {
	r := New()
	_, err := r.Resolve(config.Stage{Name: "a", Type: "ghost"})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ghost", nf.Type)
}

func TestResolveWrapsFactoryError(t *testing.T) {
	r := New()
	boom := errors.New("bad params")
	require.NoError(t, r.Register("broken", func(config.Stage) (stage.Stage, error) {
		return nil, boom
	}, stage.Metadata{}))

	_, err := r.Resolve(config.Stage{Name: "a", Type: "broken"})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `stage "a"`)
}

func TestTypesSorted(t *testing.T) {
	r := New()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(name, noopFactory, stage.Metadata{}))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Types())
}
