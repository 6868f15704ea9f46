package whisper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/fmueller/voxserve/internal/platform"
	"github.com/stretchr/testify/require"
)

const sampleOutput = `{
  "systeminfo": "AVX = 1",
  "params": {"model": "ggml-base.bin", "language": "auto", "translate": false},
  "result": {"language": "de"},
  "transcription": [
    {"timestamps": {"from": "00:00:01,200", "to": "00:00:03,450"}, "offsets": {"from": 1200, "to": 3450}, "text": " Guten Morgen."},
    {"timestamps": {"from": "00:00:03,450", "to": "00:00:05,000"}, "offsets": {"from": 3450, "to": 5000}, "text": " Wie geht es?"}
  ]
}`

func TestResolveBundledEnginePathFindsLibexecSibling(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	engineDir := filepath.Join(root, "libexec", "whisper")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	require.NoError(t, os.MkdirAll(engineDir, 0o755))

	self := filepath.Join(binDir, "voxserve")
	require.NoError(t, os.WriteFile(self, []byte(""), 0o755))

	enginePath := filepath.Join(engineDir, engineBinaryName())
	require.NoError(t, os.WriteFile(enginePath, []byte(""), 0o755))

	resolved, err := ResolveBundledEnginePath(self)
	require.NoError(t, err)
	require.Equal(t, enginePath, resolved)
}

func TestResolveBundledEnginePathMissing(t *testing.T) {
	t.Parallel()

	self := filepath.Join(t.TempDir(), "bin", "voxserve")
	require.NoError(t, os.MkdirAll(filepath.Dir(self), 0o755))
	require.NoError(t, os.WriteFile(self, []byte(""), 0o755))

	_, err := ResolveBundledEnginePath(self)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bundled whisper engine not found")
}

func TestResolveBundledEnginePathFindsPackagingPathForLocalDev(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	self := filepath.Join(root, "voxserve")
	require.NoError(t, os.WriteFile(self, []byte(""), 0o755))

	targetDir := filepath.Join(root, "packaging", "whisper", fmt.Sprintf("%s_%s", runtime.GOOS, platform.NormalizeArch(runtime.GOARCH)))
	require.NoError(t, os.MkdirAll(targetDir, 0o755))
	enginePath := filepath.Join(targetDir, engineBinaryName())
	require.NoError(t, os.WriteFile(enginePath, []byte(""), 0o755))

	resolved, err := ResolveBundledEnginePath(self)
	require.NoError(t, err)
	require.Equal(t, enginePath, resolved)
}

func TestBuildArgsDefaultsToAutoDetect(t *testing.T) {
	t.Parallel()

	engine := &BundledEngine{}
	args := engine.buildArgs("/m.bin", "/a.wav", "/tmp/out", "")
	require.Equal(t, []string{"-m", "/m.bin", "-f", "/a.wav", "-oj", "-of", "/tmp/out", "-l", "auto"}, args)
}

func TestBuildArgsPassesLanguageThreadsAndNoGPU(t *testing.T) {
	t.Parallel()

	engine := &BundledEngine{Threads: 4, NoGPU: true}
	args := engine.buildArgs("/m.bin", "/a.wav", "/tmp/out", " EN ")
	require.Equal(t, []string{"-m", "/m.bin", "-f", "/a.wav", "-oj", "-of", "/tmp/out", "-l", "en", "-t", "4", "-ng"}, args)
}

func TestParseOutput(t *testing.T) {
	t.Parallel()

	out, err := ParseOutput([]byte(sampleOutput))
	require.NoError(t, err)
	require.Equal(t, "de", out.Language)
	require.Equal(t, "Guten Morgen. Wie geht es?", out.Text)
	require.Len(t, out.Segments, 2)
	require.Equal(t, " Guten Morgen.", out.Segments[0].Text)
	require.InDelta(t, 1.2, out.Segments[0].Start, 1e-9)
	require.InDelta(t, 3.45, out.Segments[0].End, 1e-9)
	require.InDelta(t, 3.45, out.Segments[1].Start, 1e-9)
}

func TestParseOutputClampsInvertedOffsets(t *testing.T) {
	t.Parallel()

	out, err := ParseOutput([]byte(`{"result":{"language":"en"},"transcription":[{"offsets":{"from":-5,"to":-10},"text":"x"}]}`))
	require.NoError(t, err)
	require.Len(t, out.Segments, 1)
	require.Zero(t, out.Segments[0].Start)
	require.Zero(t, out.Segments[0].End)
}

func TestParseOutputRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := ParseOutput([]byte("not json"))
	require.Error(t, err)
}

func TestBundledEngineTranscribeRunsFakeCLI(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine")
	}
	t.Parallel()

	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	script := fmt.Sprintf(`#!/bin/sh
echo "$@" > %q
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -of) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
cat > "$out.json" <<'JSON'
%s
JSON
`, argsFile, sampleOutput)
	exe := filepath.Join(dir, "whisper-cli")
	require.NoError(t, os.WriteFile(exe, []byte(script), 0o755))

	engine := &BundledEngine{Executable: exe, OutputDir: dir}
	out, err := engine.Transcribe(context.Background(), TranscriptionRequest{
		AudioPath: "/tmp/audio.wav",
		ModelPath: "/tmp/model.bin",
	})
	require.NoError(t, err)
	require.Equal(t, "de", out.Language)
	require.Len(t, out.Segments, 2)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	require.Contains(t, string(args), "-l auto")

	leftovers, err := filepath.Glob(filepath.Join(dir, "voxserve-*.json"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestBundledEngineTranscribeReportsEngineFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine")
	}
	t.Parallel()

	dir := t.TempDir()
	exe := filepath.Join(dir, "whisper-cli")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\necho 'whisper_init: loading model'\necho 'failed to read audio file' >&2\nexit 3\n"), 0o755))

	engine := &BundledEngine{Executable: exe, OutputDir: dir}
	_, err := engine.Transcribe(context.Background(), TranscriptionRequest{AudioPath: "/tmp/a.mp3", ModelPath: "/tmp/m.bin"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read audio file")
}

func TestBundledEngineTranscribeHonorsDeadline(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine")
	}
	t.Parallel()

	dir := t.TempDir()
	exe := filepath.Join(dir, "whisper-cli")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := &BundledEngine{Executable: exe, OutputDir: dir}
	_, err := engine.Transcribe(ctx, TranscriptionRequest{AudioPath: "/tmp/a.wav", ModelPath: "/tmp/m.bin"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "aborted"), err.Error())
}

func TestBundledEngineTranscribeRequiresPaths(t *testing.T) {
	t.Parallel()

	engine := &BundledEngine{}
	_, err := engine.Transcribe(context.Background(), TranscriptionRequest{ModelPath: "/m.bin"})
	require.EqualError(t, err, "audio path is required")

	_, err = engine.Transcribe(context.Background(), TranscriptionRequest{AudioPath: "/a.wav"})
	require.EqualError(t, err, "model path is required")
}

func TestBundledEngineIsConcurrentSafe(t *testing.T) {
	t.Parallel()

	require.True(t, (&BundledEngine{}).ConcurrentSafe())
}

func TestIsMissingSharedLibraryError(t *testing.T) {
	t.Parallel()

	require.True(t, isMissingSharedLibraryError("error while loading shared libraries: libwhisper.so.1: cannot open shared object file"))
	require.True(t, isMissingSharedLibraryError("dyld: Library not loaded: @rpath/libwhisper.dylib"))
	require.False(t, isMissingSharedLibraryError("some other runtime error"))
}

func TestIsIllegalInstructionError(t *testing.T) {
	t.Parallel()

	require.True(t, isIllegalInstructionError("signal: illegal instruction (core dumped)"))
	require.False(t, isIllegalInstructionError("some other runtime error"))
	require.False(t, isIllegalInstructionError(""))
}

func TestLastLine(t *testing.T) {
	t.Parallel()

	require.Equal(t, "boom", lastLine("banner\nmore\nboom\n"))
	require.Equal(t, "single", lastLine("single"))
	require.Equal(t, "", lastLine(""))
}
