package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/salieri-dev/nexus/nexus"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := nexus.Version
	originalCommitSHA := nexus.CommitSHA
	originalBuildTime := nexus.BuildTime

	t.Cleanup(
		func() {
			nexus.Version = originalVersion
			nexus.CommitSHA = originalCommitSHA
			nexus.BuildTime = originalBuildTime
		},
	)

	nexus.Version = "1.0.0"
	nexus.CommitSHA = "abc123"
	nexus.BuildTime = "2025-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		nexus.Version,
		nexus.CommitSHA,
		nexus.BuildTime,
	)
	assert.Equal(t, expected, output)
}
