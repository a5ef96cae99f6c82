package train

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-punctuation/model"
	"github.com/gomlx/go-punctuation/models/safetensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnv(t *testing.T) {
	env, err := NewEnv(-1)
	require.NoError(t, err)
	assert.False(t, env.Distributed())
	assert.True(t, env.IsMain())
	assert.Equal(t, 1, env.WorldSize)

	t.Setenv("WORLD_SIZE", "4")
	t.Setenv("RANK", "3")
	env, err = NewEnv(1)
	require.NoError(t, err)
	assert.Equal(t, Env{Rank: 3, WorldSize: 4, LocalRank: 1}, env)
	assert.True(t, env.Distributed())
	assert.False(t, env.IsMain())
	assert.Equal(t, "rank 3/4 (local rank 1)", env.String())

	t.Setenv("RANK", "4")
	_, err = NewEnv(1)
	require.Error(t, err)
	t.Setenv("WORLD_SIZE", "many")
	_, err = NewEnv(1)
	require.Error(t, err)
}

func TestSharedInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "output")
	var calls int
	initialize := func() error {
		calls++
		return nil
	}

	// Single process: no marker.
	session, err := Env{WorldSize: 1, LocalRank: -1}.SharedInit(dir, 0, initialize)
	require.NoError(t, err)
	assert.NotEmpty(t, session)
	assert.Equal(t, 1, calls)
	assert.NoFileExists(t, filepath.Join(dir, initMarkerFile))

	// The main rank initializes and publishes the session, the other ranks pick it up.
	mainRank := Env{Rank: 0, WorldSize: 2, LocalRank: 0}
	session, err = mainRank.SharedInit(dir, 0, initialize)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	other := Env{Rank: 1, WorldSize: 2, LocalRank: 1}
	otherSession, err := other.SharedInit(dir, 0, initialize)
	require.NoError(t, err)
	assert.Equal(t, session, otherSession)
	assert.Equal(t, 2, calls, "only the main rank initializes")

	require.NoError(t, RemoveInitMarker(dir))
	assert.NoFileExists(t, filepath.Join(dir, initMarkerFile))
}

func TestFileAllReducer(t *testing.T) {
	dir := t.TempDir()
	rank0 := NewFileAllReducer(Env{Rank: 0, WorldSize: 2, LocalRank: 0}, dir, "session")
	rank1 := NewFileAllReducer(Env{Rank: 1, WorldSize: 2, LocalRank: 1}, dir, "session")
	params := []*model.Parameter{model.NewParameter("w", 2), model.NewParameter("b", 1)}
	params[0].Grad[0], params[0].Grad[1], params[1].Grad[0] = 1, 2, 3

	// Rank 1's gradients of the first two rounds are already there.
	for round, scale := range []float32{1, 10} {
		ts := []safetensors.Tensor{
			safetensors.Float32Tensor("w", []int{2}, []float32{3 * scale, 4 * scale}),
			safetensors.Float32Tensor("b", []int{1}, []float32{5 * scale}),
		}
		require.NoError(t, safetensors.WriteFile(rank1.roundPath(round, 1), ts, nil))
	}

	require.NoError(t, rank0.AllReduce(context.Background(), params))
	assert.Equal(t, []float32{2, 3}, params[0].Grad)
	assert.Equal(t, []float32{4}, params[1].Grad)
	assert.FileExists(t, rank0.roundPath(0, 0))

	require.NoError(t, rank0.AllReduce(context.Background(), params))
	assert.Equal(t, []float32{16, 21.5}, params[0].Grad)
	assert.Equal(t, []float32{27}, params[1].Grad)
	_, err := os.Stat(rank0.roundPath(0, 0))
	assert.True(t, os.IsNotExist(err), "files of finished rounds are removed")

	// A single rank has nothing to reduce.
	single := NewFileAllReducer(Env{WorldSize: 1, LocalRank: -1}, dir, "single")
	require.NoError(t, single.AllReduce(context.Background(), params))
	assert.Equal(t, []float32{27}, params[1].Grad)
}
