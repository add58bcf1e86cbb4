//go:build !race

package pulsetester

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/usnistgov/pulsetester/device"
)

// TestBoundedRunTiming checks that a bounded run ends close to its expected
// length. The race detector slows the watcher too much for the upper bound.
func TestBoundedRunTiming(t *testing.T) {
	ctx := context.Background()
	nh := device.NewNoHardware(device.DefaultCapabilities)
	ctrl := NewRunController(nh, nil)
	p := mustPattern(t, Digital, Sample{int64(5 * time.Millisecond), 1}, Sample{int64(5 * time.Millisecond), 0})
	seq, err := BuildSequence(device.DefaultCapabilities, Assignment{Channel: 6, Kind: Digital, Pattern: p})
	require.NoError(t, err)

	run, err := ctrl.Start(ctx, RunRequest{Sequence: seq, RunCount: 4})
	require.NoError(t, err)
	require.Equal(t, 40*time.Millisecond, run.Expected)
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, run.Wait(waitCtx))
	elapsed := time.Since(run.Started)
	if elapsed < run.Expected {
		t.Errorf("run ended after %v, before its expected %v", elapsed, run.Expected)
	}
	if elapsed > run.Expected+100*time.Millisecond {
		t.Errorf("run ended after %v, want about %v", elapsed, run.Expected)
	}
}
