package diagnostics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func TestFilename(t *testing.T) {
	at := time.Date(2024, 3, 9, 7, 5, 2, 0, time.UTC)
	assert.Equal(t, "failure_example.com_20240309_070502.png", Filename(KindFailure, "example.com", at))
	assert.Equal(t, "ddos_guard_failure_example.com_20240309_070502.png", Filename(KindDDoSGuardFailure, "example.com", at))
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "www.example.com", Domain("https://www.example.com:8443/path?q=1"))
	assert.Equal(t, "unknown", Domain(""))
	assert.Equal(t, "a_b", Domain("a/b"))
}

func TestCaptureWritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shots")
	c := NewCapturer(true, dir)
	c.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	c.Capture(KindFailure, "https://example.com/x", func(context.Context) ([]byte, error) {
		return pngBytes, nil
	})
	c.Wait()

	data, err := os.ReadFile(filepath.Join(dir, "failure_example.com_20240102_030405.png"))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestCaptureDDoSGuardPrefix(t *testing.T) {
	dir := t.TempDir()
	c := NewCapturer(true, dir)

	c.Capture(KindDDoSGuardFailure, "https://guarded.test/", func(context.Context) ([]byte, error) {
		return pngBytes, nil
	})
	c.Wait()

	matches, err := filepath.Glob(filepath.Join(dir, "ddos_guard_failure_guarded.test_*.png"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestCaptureDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	c := NewCapturer(false, dir)
	called := false

	c.Capture(KindFailure, "https://example.com/", func(context.Context) ([]byte, error) {
		called = true
		return pngBytes, nil
	})
	p := c.Start(time.Time{}, KindFailure, "https://example.com/", func(context.Context) ([]byte, error) {
		called = true
		return pngBytes, nil
	})
	assert.Nil(t, p)
	p.Commit()
	<-p.Grabbed()
	c.Wait()

	assert.False(t, called)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCaptureDoesNotBlock(t *testing.T) {
	c := NewCapturer(true, t.TempDir())
	release := make(chan struct{})

	start := time.Now()
	c.Capture(KindFailure, "https://example.com/", func(context.Context) ([]byte, error) {
		<-release
		return pngBytes, nil
	})
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)
	c.Wait()
}

func TestCaptureErrorsReported(t *testing.T) {
	c := NewCapturer(true, t.TempDir())
	boom := errors.New("page gone")

	c.Capture(KindFailure, "https://example.com/", func(context.Context) ([]byte, error) {
		return nil, boom
	})
	c.Wait()

	select {
	case err := <-c.Errors():
		assert.ErrorIs(t, err, boom)
	default:
		t.Fatal("expected an error on the channel")
	}
}

func TestPendingCommitWrites(t *testing.T) {
	dir := t.TempDir()
	c := NewCapturer(true, dir)

	p := c.Start(time.Time{}, KindFailure, "https://example.com/", func(context.Context) ([]byte, error) {
		return pngBytes, nil
	})
	require.NotNil(t, p)
	<-p.Grabbed()
	p.Commit()
	c.Wait()

	matches, err := filepath.Glob(filepath.Join(dir, "failure_example.com_*.png"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestPendingWithoutCommitWritesNothing(t *testing.T) {
	dir := t.TempDir()
	c := NewCapturer(true, dir)

	p := c.Start(time.Time{}, KindFailure, "https://example.com/", func(context.Context) ([]byte, error) {
		return pngBytes, nil
	})
	<-p.Grabbed()
	c.Wait()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPendingWriteFailureReported(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(parent, []byte("x"), 0o644))

	c := NewCapturer(true, filepath.Join(parent, "shots"))
	p := c.Start(time.Time{}, KindFailure, "https://example.com/", func(context.Context) ([]byte, error) {
		return pngBytes, nil
	})
	p.Commit()
	c.Wait()

	select {
	case err := <-c.Errors():
		assert.Error(t, err)
	default:
		t.Fatal("expected an error on the channel")
	}
}

func TestGrabLimit(t *testing.T) {
	now := time.Date(2024, 3, 9, 7, 5, 2, 0, time.UTC)
	assert.Equal(t, grabTimeout, grabLimit(time.Time{}, now))
	assert.Equal(t, grabTimeout, grabLimit(now.Add(time.Minute), now))
	assert.Equal(t, 2*time.Second, grabLimit(now.Add(2*time.Second), now))
	assert.Equal(t, minGrab, grabLimit(now.Add(-time.Second), now))
}

func TestStartGrabBoundedByDeadline(t *testing.T) {
	c := NewCapturer(true, t.TempDir())

	start := time.Now()
	p := c.Start(start.Add(50*time.Millisecond), KindFailure, "https://example.com/", func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	select {
	case <-p.Grabbed():
	case <-time.After(grabTimeout):
		t.Fatal("grab outlived its deadline")
	}
	assert.Less(t, time.Since(start), grabTimeout)
	c.Wait()
}
