// Package worker drives the Python model process that hosts the face detector and embedder.
//
// Requests and responses are framed as [uint32 big-endian length][body]. Requests go to the
// child's stdin; responses come back on a dedicated pipe (FD 3) so Python logging on stdout and
// stderr never corrupts the stream.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/rollcall/internal/apperr"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

// Request opcodes.
const (
	opDetect byte = 'D'
	opEmbed  byte = 'E'
)

// Response status bytes.
const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxResponse caps a single response body.
const maxResponse = 64 * 1024 * 1024

var errBroken = errors.New("worker pipe is broken")

// PythonWorker is one model process. Calls are serialized; a call abandoned because of its
// context kills the process since the pipe can no longer be resynchronized.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu     sync.Mutex
	broken bool
}

// NewPythonWorker starts python3 running script.
func NewPythonWorker(id int, python, script string) (*PythonWorker, error) {
	if python == "" {
		python = "python3"
	}
	py := utils.NewSafeCommand(python, "-u", script)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now.
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// call runs one request under ctx. On cancellation the process is killed and the worker is
// marked broken.
func (w *PythonWorker) call(ctx context.Context, op byte, payload []byte) (*bytes.Reader, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken {
		return nil, fmt.Errorf("worker %d: %w: %w", w.ID, apperr.ErrModel, errBroken)
	}

	req := make([]byte, 0, len(payload)+1)
	req = append(req, op)
	req = append(req, payload...)

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := w.Communicate(req)
		done <- result{body, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		w.kill()
		return nil, fmt.Errorf("worker %d: %w: %w", w.ID, apperr.ErrModel, ctx.Err())
	}
	if r.err != nil {
		w.broken = true
		return nil, fmt.Errorf("worker %d: %w: %w%s", w.ID, apperr.ErrModel, r.err, w.logs())
	}
	return parseStatus(r.body)
}

func parseStatus(body []byte) (*bytes.Reader, error) {
	rd := bytes.NewReader(body)
	st, err := rd.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: empty response", apperr.ErrModel)
	}
	switch st {
	case statusOK:
		return rd, nil
	case statusError:
		var n uint32
		if err := binary.Read(rd, binary.BigEndian, &n); err != nil || int(n) > rd.Len() {
			return nil, fmt.Errorf("%w: malformed error response", apperr.ErrModel)
		}
		msg := make([]byte, n)
		_, _ = io.ReadFull(rd, msg)
		return nil, fmt.Errorf("%w: python worker error: %s", apperr.ErrModel, msg)
	default:
		return nil, fmt.Errorf("%w: unknown response status %d", apperr.ErrModel, st)
	}
}

func (w *PythonWorker) kill() {
	w.broken = true
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
	w.Stdin.Close()
	w.DataPipe.Close()
}

// Broken reports whether the process was killed or its pipe failed.
func (w *PythonWorker) Broken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}

func (w *PythonWorker) logs() string {
	if w.Cmd == nil || w.Cmd.Stderr.Len() == 0 {
		return ""
	}
	return "\npython logs:\n" + w.Cmd.Stderr.String()
}

// Detect asks the model for the most prominent face in frame. Response body after the status
// byte: [count uint32] then, when count > 0, [box int32x4][confidence float32][crop len uint32][crop].
func (w *PythonWorker) Detect(ctx context.Context, frame []byte) (*types.Face, error) {
	rd, err := w.call(ctx, opDetect, frame)
	if err != nil {
		return nil, err
	}

	var count uint32
	if err := binary.Read(rd, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: read face count: %w", apperr.ErrModel, err)
	}
	if count == 0 {
		return nil, nil
	}

	var box [4]int32
	var conf float32
	var cropLen uint32
	if err := binary.Read(rd, binary.BigEndian, &box); err != nil {
		return nil, fmt.Errorf("%w: read box: %w", apperr.ErrModel, err)
	}
	if err := binary.Read(rd, binary.BigEndian, &conf); err != nil {
		return nil, fmt.Errorf("%w: read confidence: %w", apperr.ErrModel, err)
	}
	if err := binary.Read(rd, binary.BigEndian, &cropLen); err != nil {
		return nil, fmt.Errorf("%w: read crop length: %w", apperr.ErrModel, err)
	}
	if int(cropLen) > rd.Len() {
		return nil, fmt.Errorf("%w: crop length %d exceeds response", apperr.ErrModel, cropLen)
	}
	crop := make([]byte, cropLen)
	_, _ = io.ReadFull(rd, crop)

	return &types.Face{
		Crop:       crop,
		Box:        [4]int{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
		Confidence: float64(conf),
	}, nil
}

// Embed asks the model for the embedding of a detected face. Response body after the status
// byte: [dim uint32][float32 x dim].
func (w *PythonWorker) Embed(ctx context.Context, face *types.Face) ([]float32, error) {
	if face == nil || len(face.Crop) == 0 {
		return nil, fmt.Errorf("embed: empty face crop: %w", apperr.ErrInput)
	}
	rd, err := w.call(ctx, opEmbed, face.Crop)
	if err != nil {
		return nil, err
	}

	var dim uint32
	if err := binary.Read(rd, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("%w: read dimension: %w", apperr.ErrModel, err)
	}
	if int(dim)*4 != rd.Len() {
		return nil, fmt.Errorf("%w: embedding of %d dimensions with %d payload bytes", apperr.ErrModel, dim, rd.Len())
	}
	vec := make([]float32, dim)
	if err := binary.Read(rd, binary.BigEndian, vec); err != nil {
		return nil, fmt.Errorf("%w: read embedding: %w", apperr.ErrModel, err)
	}
	return vec, nil
}

// Close shuts down the process.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	err := w.Cmd.Wait()
	if w.broken {
		// Killed processes always exit non-zero.
		return nil
	}
	return err
}
