package sinkhole

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsInitialRebuildBeforeLooping(t *testing.T) {
	dir := t.TempDir()
	listURL := writeList(t, dir, "block.txt", "ads.example\n")
	e := NewEngine(EngineOptions{BlockURLs: []string{listURL}, CacheDir: t.TempDir()})

	s := NewScheduler(e, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return e.Len() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestSchedulerLoopsAtConfiguredInterval(t *testing.T) {
	dir := t.TempDir()
	listURL := writeList(t, dir, "block.txt", "ads.example\n")
	e := NewEngine(EngineOptions{BlockURLs: []string{listURL}, CacheDir: t.TempDir()})

	s := NewScheduler(e, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return e.Len() == 1 }, 200*time.Millisecond, 5*time.Millisecond)

	// Only a scheduled rebuild can pick up the rewritten list.
	writeList(t, dir, "block.txt", "ads.example\ntracker.example\n")
	require.Eventually(t, func() bool { return e.Len() == 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestSchedulerDefaultInterval(t *testing.T) {
	e := NewEngine(EngineOptions{CacheDir: t.TempDir()})
	s := NewScheduler(e, 0)
	require.Equal(t, DefaultRefreshInterval, s.Interval)
}
