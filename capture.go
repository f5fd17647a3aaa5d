package dummynet

import (
	"fmt"
	"time"

	"grimm.is/dummynet/monitor"
	"grimm.is/dummynet/shell"
)

// CaptureOptions describes a packet capture.
type CaptureOptions struct {
	// Interface is the logical name of the interface to capture on.
	Interface string

	// File is the pcap output path.
	File string

	// Filter is an optional BPF filter expression.
	Filter string

	// Snaplen truncates captured packets to this many bytes. Zero captures
	// whole packets.
	Snaplen int
}

// CaptureStart begins a tcpdump capture in this instance's namespace. The
// capture runs as a daemon: it is expected to outlive the traffic under test
// and is stopped explicitly with CaptureStop. -U flushes each packet to the
// file immediately, so the pcap is usable even after a hard kill.
func (d *DummyNet) CaptureStart(opts CaptureOptions) (*monitor.Process, error) {
	sn, err := d.iface(opts.Interface)
	if err != nil {
		return nil, err
	}
	args := []string{"tcpdump", "-i", sn.String(), "-w", opts.File, "-U"}
	if opts.Snaplen > 0 {
		args = append(args, "-s", fmt.Sprint(opts.Snaplen))
	}
	if opts.Filter != "" {
		args = append(args, opts.Filter)
	}

	d.log.Info("starting capture", "interface", sn.String(), "file", opts.File)
	return d.sh.RunArgsAsync(args, shell.AsDaemon())
}

// CaptureStop terminates a capture gracefully so tcpdump flushes and closes
// the pcap file, escalating to SIGKILL after the timeout.
func (d *DummyNet) CaptureStop(p *monitor.Process, timeout time.Duration) error {
	return d.sh.Monitor().StopProcess(p, timeout)
}

// FieldsFromCapture extracts per-packet field values from a pcap with
// tshark, one line per packet, tab-separated. Useful for asserting on
// captured traffic in tests.
func (d *DummyNet) FieldsFromCapture(file string, fields ...string) (*monitor.RunInfo, error) {
	args := []string{"tshark", "-r", file, "-T", "fields"}
	for _, f := range fields {
		args = append(args, "-e", f)
	}
	return d.sh.RunArgs(args)
}
