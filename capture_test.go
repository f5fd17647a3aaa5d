package dummynet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dummynet/monitor"
	"grimm.is/dummynet/shell"
)

func TestCaptureStart_BuildsCommand(t *testing.T) {
	sh := &shell.MockShell{}
	d, err := New(sh, WithNetlinker(NewDryRunNetlinker()), WithUID(testUID))
	require.NoError(t, err)

	sh.On("RunArgsAsync", []string{
		"tcpdump", "-i", "d-2vKc-eth0", "-w", "/tmp/out.pcap", "-U",
		"-s", "96", "icmp",
	}).Return(nil, nil)

	_, err = d.CaptureStart(CaptureOptions{
		Interface: "eth0",
		File:      "/tmp/out.pcap",
		Filter:    "icmp",
		Snaplen:   96,
	})
	require.NoError(t, err)
	sh.AssertExpectations(t)
}

func TestFieldsFromCapture(t *testing.T) {
	sh := &shell.MockShell{}
	d, err := New(sh, WithNetlinker(NewDryRunNetlinker()), WithUID(testUID))
	require.NoError(t, err)

	sh.On("RunArgs", []string{
		"tshark", "-r", "/tmp/out.pcap", "-T", "fields",
		"-e", "ip.src", "-e", "ip.dst",
	}).Return(monitor.NewTestInfo("10.0.0.1\t10.0.0.2\n", "", 0), nil)

	info, err := d.FieldsFromCapture("/tmp/out.pcap", "ip.src", "ip.dst")
	require.NoError(t, err)
	assert.Contains(t, info.Stdout(), "10.0.0.1")
	sh.AssertExpectations(t)
}

func TestWaitReachable_Unreachable(t *testing.T) {
	sh := &shell.MockShell{}
	d, err := New(sh, WithNetlinker(NewDryRunNetlinker()), WithUID(testUID))
	require.NoError(t, err)

	// TEST-NET-1 never answers; expect a timely failure whether or not the
	// environment permits raw sockets.
	start := time.Now()
	err = d.WaitReachable("192.0.2.1", 300*time.Millisecond)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
