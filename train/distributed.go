package train

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/go-punctuation/hub"
	"github.com/gomlx/go-punctuation/model"
	"github.com/gomlx/go-punctuation/models/safetensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Env describes the process in a multi-process data-parallel run. A single process run has
// Rank 0, WorldSize 1 and LocalRank -1.
type Env struct {
	Rank      int
	WorldSize int
	LocalRank int
}

// NewEnv returns the environment of the process. localRank is the value given by the launcher
// (-1 if not distributed); the global rank and world size are read from the RANK and WORLD_SIZE
// environment variables.
func NewEnv(localRank int) (Env, error) {
	if localRank < 0 {
		return Env{WorldSize: 1, LocalRank: -1}, nil
	}
	env := Env{Rank: localRank, WorldSize: 1, LocalRank: localRank}
	var err error
	if v, found := os.LookupEnv("WORLD_SIZE"); found {
		if env.WorldSize, err = strconv.Atoi(strings.TrimSpace(v)); err != nil {
			return env, errors.Wrapf(err, "invalid WORLD_SIZE=%q", v)
		}
	}
	if v, found := os.LookupEnv("RANK"); found {
		if env.Rank, err = strconv.Atoi(strings.TrimSpace(v)); err != nil {
			return env, errors.Wrapf(err, "invalid RANK=%q", v)
		}
	}
	if env.WorldSize < 1 || env.Rank < 0 || env.Rank >= env.WorldSize {
		return env, errors.Errorf("invalid distributed environment: rank %d, world size %d", env.Rank, env.WorldSize)
	}
	return env, nil
}

// Distributed returns whether the process is one of the ranks of a distributed run.
func (e Env) Distributed() bool {
	return e.LocalRank >= 0
}

// IsMain returns whether the process is rank 0, the one that writes shared files.
func (e Env) IsMain() bool {
	return e.Rank == 0
}

// String implements fmt.Stringer.
func (e Env) String() string {
	if !e.Distributed() {
		return "single process"
	}
	return fmt.Sprintf("rank %d/%d (local rank %d)", e.Rank, e.WorldSize, e.LocalRank)
}

// initMarkerFile is written by the main rank once the shared initialization is done.
const initMarkerFile = ".punctuate-init"

// SharedInit runs fn on the main rank, while the other ranks wait for it to finish. It returns a
// session id, the same on all ranks, identifying this launch.
//
// The main rank runs fn holding a lock in dir, and then writes a marker file with the session id.
// Single process runs simply call fn.
// A marker left behind by a crashed launch must be removed (see RemoveInitMarker) before
// relaunching.
func (e Env) SharedInit(dir string, timeout time.Duration, fn func() error) (string, error) {
	markerPath := filepath.Join(dir, initMarkerFile)
	if !e.IsMain() {
		klog.V(1).Infof("%s: waiting for the shared initialization by rank 0", e)
		if err := hub.WaitForFile(markerPath, timeout); err != nil {
			return "", errors.WithMessagef(err, "waiting for rank 0 to initialize %q", dir)
		}
		content, err := os.ReadFile(markerPath)
		if err != nil {
			return "", errors.Wrapf(err, "reading %q", markerPath)
		}
		return strings.TrimSpace(string(content)), nil
	}

	session := uuid.New().String()
	if !e.Distributed() {
		return session, fn()
	}
	if err := os.MkdirAll(dir, hub.DefaultDirCreationPerm); err != nil {
		return "", errors.Wrapf(err, "failed to create %q", dir)
	}
	var fnErr error
	err := hub.ExecOnFileLock(markerPath+".lock", func() {
		if fnErr = fn(); fnErr != nil {
			return
		}
		fnErr = hub.WriteFileAtomic(markerPath, func(w io.Writer) error {
			_, err := io.WriteString(w, session+"\n")
			return err
		})
	})
	if fnErr != nil {
		return "", fnErr
	}
	if err != nil {
		return "", err
	}
	return session, nil
}

// RemoveInitMarker removes the marker written by SharedInit, and its lock file.
func RemoveInitMarker(dir string) error {
	for _, name := range []string{initMarkerFile, initMarkerFile + ".lock"} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove %q", name)
		}
	}
	return nil
}

// GradientReducer averages the gradients of the parameters across the ranks of a distributed run.
// All ranks must call AllReduce the same number of times, with the parameters in the same order.
type GradientReducer interface {
	AllReduce(ctx context.Context, params []*model.Parameter) error
}

// FileAllReducer is a GradientReducer for processes that share a file system: at each round every
// rank writes its gradients to a file, and then reads and averages the files of all ranks.
//
// It's slow (files are polled every 1 to 2 seconds) but it needs no network setup. The files of
// the last round are left behind, since other ranks may still be reading them.
type FileAllReducer struct {
	Dir       string
	Rank      int
	WorldSize int

	// Timeout waiting for the other ranks at each round. 0 waits forever.
	Timeout time.Duration

	round int
}

// NewFileAllReducer creates a reducer that exchanges files under dir, in a subdirectory of the
// session, so files of different launches never mix.
func NewFileAllReducer(env Env, dir, session string) *FileAllReducer {
	return &FileAllReducer{
		Dir:       filepath.Join(dir, ".allreduce", session),
		Rank:      env.Rank,
		WorldSize: env.WorldSize,
	}
}

func (r *FileAllReducer) roundPath(round, rank int) string {
	return filepath.Join(r.Dir, fmt.Sprintf("round-%09d-rank-%04d.safetensors", round, rank))
}

// AllReduce implements GradientReducer.
func (r *FileAllReducer) AllReduce(ctx context.Context, params []*model.Parameter) error {
	round := r.round
	r.round++
	if r.WorldSize <= 1 {
		return nil
	}

	ts := make([]safetensors.Tensor, len(params))
	for i, p := range params {
		ts[i] = safetensors.Float32Tensor(p.Name, p.Shape, p.Grad)
	}
	if err := safetensors.WriteFile(r.roundPath(round, r.Rank), ts, nil); err != nil {
		return errors.WithMessagef(err, "all-reduce round %d", round)
	}

	// Sum in rank order, so all ranks get bit-identical results.
	sums := make([][]float32, len(params))
	for i, p := range params {
		sums[i] = make([]float32, len(p.Grad))
	}
	for rank := range r.WorldSize {
		if err := ctx.Err(); err != nil {
			return errors.WithMessagef(err, "all-reduce round %d interrupted", round)
		}
		path := r.roundPath(round, rank)
		if err := hub.WaitForFile(path, r.Timeout); err != nil {
			return errors.WithMessagef(err, "all-reduce round %d, waiting for rank %d", round, rank)
		}
		if err := addGrads(path, params, sums); err != nil {
			return errors.WithMessagef(err, "all-reduce round %d, rank %d", round, rank)
		}
	}
	scale := 1 / float32(r.WorldSize)
	for i, p := range params {
		for j, s := range sums[i] {
			p.Grad[j] = s * scale
		}
	}

	// Every rank finished reading the previous round before writing this one.
	if round >= 1 {
		if err := os.Remove(r.roundPath(round-1, r.Rank)); err != nil && !os.IsNotExist(err) {
			klog.Warningf("all-reduce: failed to remove round %d file: %v", round-1, err)
		}
	}
	return nil
}

func addGrads(path string, params []*model.Parameter, sums [][]float32) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	for i, p := range params {
		values, _, err := f.Float32s(p.Name)
		if err != nil {
			return err
		}
		if len(values) != len(p.Grad) {
			return errors.Errorf("gradient of %q has %d values, expected %d", p.Name, len(values), len(p.Grad))
		}
		for j, v := range values {
			sums[i][j] += v
		}
	}
	return nil
}
