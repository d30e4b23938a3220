package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/rerererei/zero-bot-next/zerobot"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := zerobot.Version
	originalCommitSHA := zerobot.CommitSHA
	originalBuildTime := zerobot.BuildTime

	t.Cleanup(
		func() {
			zerobot.Version = originalVersion
			zerobot.CommitSHA = originalCommitSHA
			zerobot.BuildTime = originalBuildTime
		},
	)

	zerobot.Version = "1.0.0"
	zerobot.CommitSHA = "abc123"
	zerobot.BuildTime = "2023-10-01T12:00:00Z"

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
		zerobot.Version,
		zerobot.CommitSHA,
		zerobot.BuildTime,
	)
	assert.Equal(t, expected, output)
}
