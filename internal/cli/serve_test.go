package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/httpapi"
	"github.com/fmueller/voxserve/internal/transcription"
	"github.com/stretchr/testify/require"
)

type stubTranscriber struct {
	language string
}

func (s *stubTranscriber) Transcribe(_ context.Context, _ string, language string) (transcription.Result, error) {
	s.language = language
	return transcription.Result{
		Transcript: []transcription.Cue{{Text: "hello", Offset: 0, Duration: 800}},
		Language:   "en",
		Text:       "hello",
	}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.Device = "cpu"
	cfg.ScratchDir = t.TempDir()
	cfg.ModelDir = t.TempDir()
	return cfg
}

type healthBody struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
	Device string `json:"device"`
}

func fetchHealth(addr string) (healthBody, error) {
	var body healthBody
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		return body, err
	}
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&body)
	return body, err
}

func TestRunServeReportsReadinessAndShutsDown(t *testing.T) {
	t.Parallel()

	addrCh := make(chan string, 1)
	release := make(chan struct{})
	app := &appState{
		loadFn: func(ctx context.Context, _ config.Config, device string) (httpapi.Transcriber, error) {
			if device != "cpu" {
				return nil, errors.New("unexpected device " + device)
			}
			select {
			case <-release:
				return &stubTranscriber{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		onListen: func(addr string) { addrCh <- addr },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.runServe(ctx, testConfig(t)) }()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	}

	health, err := fetchHealth(addr)
	require.NoError(t, err)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "cpu", health.Device)
	require.False(t, health.Ready)

	close(release)
	require.Eventually(t, func() bool {
		h, err := fetchHealth(addr)
		return err == nil && h.Ready
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunServeStopsWhenModelFailsToLoad(t *testing.T) {
	t.Parallel()

	app := &appState{
		loadFn: func(context.Context, config.Config, string) (httpapi.Transcriber, error) {
			return nil, errors.New("model file is corrupt")
		},
	}

	err := app.runServe(context.Background(), testConfig(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "load model base")
	require.Contains(t, err.Error(), "model file is corrupt")
}

func TestRunServeRejectsBusyAddress(t *testing.T) {
	t.Parallel()

	addrCh := make(chan string, 1)
	first := &appState{
		loadFn: func(ctx context.Context, _ config.Config, _ string) (httpapi.Transcriber, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		onListen: func(addr string) { addrCh <- addr },
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- first.runServe(ctx, testConfig(t)) }()
	addr := <-addrCh

	cfg := testConfig(t)
	cfg.Addr = addr
	second := &appState{loadFn: first.loadFn}
	err := second.runServe(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "listen on")

	cancel()
	require.NoError(t, <-done)
}

func TestRunTranscribePrintsJSONResult(t *testing.T) {
	t.Parallel()

	audio := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(audio, makePCM16WAVForTest(make([]int16, 160), 16000, 1), 0o644))

	stub := &stubTranscriber{}
	out := new(bytes.Buffer)
	app := &appState{
		out: out,
		loadFn: func(context.Context, config.Config, string) (httpapi.Transcriber, error) {
			return stub, nil
		},
	}

	require.NoError(t, app.runTranscribe(context.Background(), testConfig(t), audio, "AUTO"))
	require.Equal(t, "", stub.language)

	var got transcription.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, "en", got.Language)
	require.Equal(t, []transcription.Cue{{Text: "hello", Offset: 0, Duration: 800}}, got.Transcript)
}

func TestRunTranscribeRejectsUnsupportedFormat(t *testing.T) {
	t.Parallel()

	notes := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("text"), 0o644))

	app := &appState{
		loadFn: func(context.Context, config.Config, string) (httpapi.Transcriber, error) {
			t.Fatal("model must not load for unsupported input")
			return nil, nil
		},
	}
	err := app.runTranscribe(context.Background(), testConfig(t), notes, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported file format: .txt")
}

func TestEnsureModelAvailableRequiresAutoDownload(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Model = "tiny"
	cfg.AutoDownload = false

	app := &appState{}
	_, err := app.ensureModelAvailable(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "voxserve setup --model tiny")
}

func TestEnsureModelAvailableUsesExistingFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	custom := filepath.Join(t.TempDir(), "custom.bin")
	require.NoError(t, os.WriteFile(custom, []byte("ggml"), 0o644))
	cfg.Model = custom

	app := &appState{}
	model, err := app.ensureModelAvailable(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, custom, model.Path)
}
