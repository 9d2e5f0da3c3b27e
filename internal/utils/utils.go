package utils

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"github.com/andresmejia3/rollcall/internal/apperr"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python and FFmpeg logs)
// so a crashing child does not take its diagnostics with it.
type SafeCommand struct {
	*exec.Cmd
	Stderr *LogBuffer
}

// LogBuffer collects child output. exec copies into it from its own goroutine while the process
// runs, so every access is locked.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LogBuffer) WriteString(s string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.WriteString(s)
}

func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &LogBuffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box with the error kind, and dumps captured child logs if
// a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	writeError(os.Stderr, context, err, s)
}

func writeError(w io.Writer, context string, err error, s *SafeCommand) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🚨 ROLLCALL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(w, "KIND: %s\n", apperr.KindOf(err))
		fmt.Fprintf(w, "DETAILS: %v\n", err)
	}

	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(w, "\nCHILD PROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// --- 2. Camera Stream ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner.
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// CameraInput returns the FFmpeg input format and device name for a camera index on this OS.
func CameraInput(index int) (format, device string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", strconv.Itoa(index)
	case "windows":
		return "dshow", "video=" + strconv.Itoa(index)
	default:
		return "v4l2", "/dev/video" + strconv.Itoa(index)
	}
}

// NewCameraCmd creates an FFmpeg process streaming MJPEG frames from a camera to Stdout.
// fps <= 0 leaves the device rate unchanged.
func NewCameraCmd(index, width, height, fps int) *SafeCommand {
	format, device := CameraInput(index)
	args := []string{"-hide_banner", "-loglevel", "error", "-f", format}
	if width > 0 && height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", width, height))
	}
	if fps > 0 {
		args = append(args, "-framerate", strconv.Itoa(fps))
	}
	args = append(args, "-i", device, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
	return NewSafeCommand("ffmpeg", args...)
}
