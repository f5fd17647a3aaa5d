package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	info := &RunInfo{
		stdout: []byte("starting up\ntransfer complete: 42 packets\ndone\n"),
		stderr: []byte("warning: slow link\n"),
	}

	assert.NoError(t, info.Match("*complete*", ""))
	assert.NoError(t, info.Match("done", ""))
	assert.NoError(t, info.Match("", "warning:*"))
	assert.NoError(t, info.Match("transfer complete: ?? packets", ""))

	err := info.Match("*failure*", "")
	assert.Error(t, err)
	var matchErr *MatchError
	assert.ErrorAs(t, err, &matchErr)
	assert.Equal(t, "stdout", matchErr.Stream)
}

func TestMatch_EmptyOutput(t *testing.T) {
	info := &RunInfo{}
	assert.Error(t, info.Match("*", ""))
}

func TestRunInfo_String(t *testing.T) {
	code := 1
	info := &RunInfo{Cmd: "ping -c 1 localhost", Pid: 42, exitCode: &code}
	s := info.String()
	assert.Contains(t, s, "ping -c 1 localhost")
	assert.Contains(t, s, "exit: 1")
}
