package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	backupCalls    int32
	retentionCalls int32
	runErr         error
	retentionErr   error
}

func (f *fakeRunner) Run(ctx context.Context, serviceNames []string) (map[string]bool, error) {
	atomic.AddInt32(&f.backupCalls, 1)
	if f.runErr != nil {
		return nil, f.runErr
	}
	return map[string]bool{"svc": true}, nil
}

func (f *fakeRunner) RunRetentionOnly(ctx context.Context) (int, error) {
	atomic.AddInt32(&f.retentionCalls, 1)
	if f.retentionErr != nil {
		return 0, f.retentionErr
	}
	return 1, nil
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "one hour", input: "1h", want: time.Hour},
		{name: "twenty four hours", input: "24h", want: 24 * time.Hour},
		{name: "zero rejected", input: "0h", wantErr: true},
		{name: "negative rejected", input: "-1h", wantErr: true},
		{name: "missing suffix rejected", input: "6", wantErr: true},
		{name: "garbage rejected", input: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInterval(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchedulerRunsInitialRetentionAlways(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, Config{
		BackupInterval:    time.Hour,
		RetentionInterval: time.Hour,
		RunInitialBackup:  false,
	})

	go s.loop(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	<-s.doneCh

	assert.EqualValues(t, 1, atomic.LoadInt32(&runner.retentionCalls))
	assert.EqualValues(t, 0, atomic.LoadInt32(&runner.backupCalls))
}

func TestSchedulerRunsInitialBackupWhenConfigured(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, Config{
		BackupInterval:    time.Hour,
		RetentionInterval: time.Hour,
		RunInitialBackup:  true,
	})

	go s.loop(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	<-s.doneCh

	assert.EqualValues(t, 1, atomic.LoadInt32(&runner.backupCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&runner.retentionCalls))
}

func TestSchedulerTicksBackupOnInterval(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, Config{
		BackupInterval:    20 * time.Millisecond,
		RetentionInterval: time.Hour,
		RunInitialBackup:  false,
	})

	go s.loop(context.Background())
	time.Sleep(120 * time.Millisecond)
	s.Stop()
	<-s.doneCh

	assert.GreaterOrEqual(t, atomic.LoadInt32(&runner.backupCalls), int32(2))
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, Config{BackupInterval: time.Hour, RetentionInterval: time.Hour})

	go s.loop(context.Background())
	time.Sleep(10 * time.Millisecond)

	assert.NotPanics(t, func() {
		s.Stop()
		s.Stop()
	})
	<-s.doneCh
}

func TestSchedulerStopsOnContextCancellation(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, Config{BackupInterval: time.Hour, RetentionInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go s.loop(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-s.doneCh:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
