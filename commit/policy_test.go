package commit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/tablesink/commit"
	"reduction.dev/tablesink/storage/locations"
)

type recordingPolicy struct {
	kind  string
	err   error
	calls *[]string
}

func (p recordingPolicy) Kind() string { return p.kind }

func (p recordingPolicy) Commit(ctx context.Context, pc commit.PolicyContext) error {
	*p.calls = append(*p.calls, p.kind+":"+pc.PartitionPath)
	return p.err
}

func TestChain_RunsInOrderAndStopsAtFirstFailure(t *testing.T) {
	var calls []string
	failure := errors.New("boom")
	chain := commit.NewChainOf("db.t",
		recordingPolicy{kind: "first", calls: &calls},
		recordingPolicy{kind: "second", err: failure, calls: &calls},
		recordingPolicy{kind: "third", calls: &calls},
	)

	err := chain.Commit(t.Context(), commit.PolicyContext{Spec: spec7, PartitionPath: spec7.Path()})
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, []string{"first:d=2020-05-03/e=7", "second:d=2020-05-03/e=7"}, calls)
}

func TestNewChain_Validation(t *testing.T) {
	loc := locations.NewLocalDirectory(t.TempDir())

	chain, err := commit.NewChain([]string{commit.PolicySuccessFile}, commit.ChainDeps{Location: loc})
	require.NoError(t, err)
	assert.Equal(t, []string{commit.PolicySuccessFile}, chain.Kinds())

	_, err = commit.NewChain([]string{"metastore", "webhook", "success-file", "success-file"}, commit.ChainDeps{Location: loc})
	require.Error(t, err)
	assert.ErrorContains(t, err, "metastore policy requires a catalog")
	assert.ErrorContains(t, err, `unknown commit policy "webhook"`)
	assert.ErrorContains(t, err, "listed more than once")
}

func TestSuccessFilePolicy(t *testing.T) {
	loc := locations.NewLocalDirectory(t.TempDir())
	policy := commit.SuccessFilePolicy{Location: loc, FileName: commit.DefaultSuccessFileName}

	require.NoError(t, policy.Commit(t.Context(), commit.PolicyContext{Spec: spec7, PartitionPath: spec7.Path()}))
	data, err := loc.Read("d=2020-05-03/e=7/_SUCCESS")
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, policy.Commit(t.Context(), commit.PolicyContext{Spec: spec7, PartitionPath: spec7.Path()}))
}
