package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccountKeyPath(t *testing.T) {
	path, err := accountKeyPath()
	require.NoError(t, err)
	require.Equal(t, filepath.Join("aggregator", "accounts", "private.ecdsa"), path)

	require.Equal(t, filepath.Join("keys", "signer.ecdsa"), keyPath("signer", "keys"))
	require.Equal(t, filepath.Join("keys", "signer.ecdsa"), keyPath("signer.ecdsa", "keys"))
}
