package main

import (
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartDetached_ReapsChild(t *testing.T) {
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("no true binary on this system")
	}

	exited, err := startDetached(truePath)
	require.NoError(t, err)

	select {
	case err := <-exited:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("helper process was not reaped")
	}
}

func TestStartDetached_MissingBinary(t *testing.T) {
	t.Parallel()

	_, err := startDetached("cloudview-no-such-opener")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launching cloudview-no-such-opener")
}

func TestSystemOpener(t *testing.T) {
	t.Parallel()

	name, args, err := systemOpener("https://example.com")
	if err != nil {
		t.Skipf("no opener on %s", runtime.GOOS)
	}

	assert.NotEmpty(t, name)
	assert.Equal(t, "https://example.com", args[len(args)-1])
}
