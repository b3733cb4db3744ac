package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"pixi.build/go/exec"
	"pixi.build/go/skerr"
	"pixi.build/go/sklog"
	"pixi.build/go/util"
)

// rpcRequest/rpcResponse are length-delimited JSON-RPC 2.0 envelopes, per
// §6: each message is preceded by its byte length as a decimal line,
// mirroring the Language Server Protocol framing pixi's real backends use.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  interface{}     `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("backend error %d: %s", e.Code, e.Message) }

// traceRecord is the structured form of a backend stderr line (§6): lines
// that don't parse as one of these are logged verbatim at Info.
type traceRecord struct {
	Level   string                 `json:"level"`
	Target  string                 `json:"target"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	Span    string                 `json:"span,omitempty"`
}

// outputNotification is the out-of-band progress notification a backend
// sends for streamed build-log lines (§6).
type outputNotification struct {
	Line string `json:"line"`
}

// JSONRPC is a Backend implementation that speaks length-delimited
// JSON-RPC 2.0 to a spawned child process over stdio (§4.4).
type JSONRPC struct {
	tool string
	args []string

	proc    exec.Process
	stdin   *os.File
	stdout  *bufio.Reader
	done    <-chan error

	nextID  int64
	pending sync.Map // id -> chan rpcResponse
	writeMu sync.Mutex

	identifier string
	version    APIVersion
	capabilities Capabilities

	onLine atomic.Value // OutputLineHandler
}

// NewJSONRPC spawns tool with args and returns a Backend talking JSON-RPC
// over its stdio. The process is not initialized until Initialize is
// called.
func NewJSONRPC(ctx context.Context, tool string, args []string) (*JSONRPC, error) {
	stdinRead, stdinWrite, err := os.Pipe()
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	stderrLog := &stderrLineWriter{}
	proc, done, err := exec.RunIndefinitely(&exec.Command{
		Name:   tool,
		Args:   args,
		Stdin:  stdinRead,
		Stdout: stdoutWrite,
		Stderr: stderrLog,
	})
	if err != nil {
		util.Close(stdinWrite)
		util.Close(stdoutRead)
		return nil, skerr.Wrapf(err, "spawning build backend %s", tool)
	}
	util.Close(stdinRead)
	util.Close(stdoutWrite)

	j := &JSONRPC{
		tool:   tool,
		args:   args,
		proc:   proc,
		stdin:  stdinWrite,
		stdout: bufio.NewReader(stdoutRead),
		done:   done,
	}
	j.onLine.Store(OutputLineHandler(func(string) {}))
	go j.readLoop()
	return j, nil
}

// stderrLineWriter parses backend stderr as structured tracing records,
// re-emitting them through sklog at the severity named in the record; lines
// that don't parse are logged verbatim at Info (§6).
type stderrLineWriter struct {
	buf strings.Builder
}

func (w *stderrLineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		s := w.buf.String()
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			break
		}
		line := s[:idx]
		w.buf.Reset()
		w.buf.WriteString(s[idx+1:])
		emitTraceLine(line)
	}
	return len(p), nil
}

func emitTraceLine(line string) {
	var rec traceRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Message == "" {
		sklog.Info(line)
		return
	}
	switch strings.ToLower(rec.Level) {
	case "debug", "trace":
		sklog.Debugf("[%s] %s", rec.Target, rec.Message)
	case "warn", "warning":
		sklog.Warningf("[%s] %s", rec.Target, rec.Message)
	case "error":
		sklog.Errorf("[%s] %s", rec.Target, rec.Message)
	default:
		sklog.Infof("[%s] %s", rec.Target, rec.Message)
	}
}

func (j *JSONRPC) readLoop() {
	for {
		lenLine, err := j.stdout.ReadString('\n')
		if err != nil {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(lenLine))
		if err != nil {
			continue
		}
		buf := make([]byte, n)
		if _, err := readFull(j.stdout, buf); err != nil {
			return
		}

		var peek struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(buf, &peek); err != nil {
			continue
		}
		if peek.Method == "build/output" {
			var note outputNotification
			if err := json.Unmarshal(buf, &struct {
				Params *outputNotification `json:"params"`
			}{Params: &note}); err == nil {
				handler := j.onLine.Load().(OutputLineHandler)
				handler(note.Line)
			}
			continue
		}
		if peek.ID == nil {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(buf, &resp); err != nil {
			continue
		}
		if ch, ok := j.pending.LoadAndDelete(*peek.ID); ok {
			ch.(chan rpcResponse) <- resp
		}
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (j *JSONRPC) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := atomic.AddInt64(&j.nextID, 1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	raw, err := json.Marshal(req)
	if err != nil {
		return skerr.Wrap(err)
	}

	ch := make(chan rpcResponse, 1)
	j.pending.Store(id, ch)
	defer j.pending.Delete(id)

	j.writeMu.Lock()
	_, writeErr := fmt.Fprintf(j.stdin, "%d\n", len(raw))
	if writeErr == nil {
		_, writeErr = j.stdin.Write(raw)
	}
	j.writeMu.Unlock()
	if writeErr != nil {
		return skerr.Wrapf(writeErr, "writing %s request", method)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return skerr.Wrap(resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return skerr.Wrapf(err, "decoding %s response", method)
			}
		}
		return nil
	}
}

type initializeResult struct {
	APIVersion int    `json:"apiVersion"`
	Identifier string `json:"identifier"`
	Capabilities struct {
		ProvidesCondaOutputs bool `json:"providesCondaOutputs"`
		ProvidesCondaBuildV1 bool `json:"providesCondaBuildV1"`
	} `json:"capabilities"`
}

func (j *JSONRPC) Initialize(ctx context.Context, project ProjectModel, manifestPath string, config Configuration) error {
	params := map[string]interface{}{
		"projectModel": project,
		"manifestPath": manifestPath,
		"configuration": config,
	}
	var result initializeResult
	if err := j.call(ctx, "initialize", params, &result); err != nil {
		return skerr.Wrapf(err, "initializing build backend %s", j.tool)
	}
	version := APIVersion(result.APIVersion)
	if version > CurrentAPIVersion {
		version = CurrentAPIVersion
	}
	j.version = version
	j.identifier = result.Identifier
	j.capabilities = maskCapabilities(Capabilities{
		ProvidesCondaOutputs: result.Capabilities.ProvidesCondaOutputs,
		ProvidesCondaBuildV1: result.Capabilities.ProvidesCondaBuildV1,
	}, version)
	return nil
}

func (j *JSONRPC) Capabilities() Capabilities   { return j.capabilities }
func (j *JSONRPC) NegotiatedVersion() APIVersion { return j.version }
func (j *JSONRPC) Identifier() string            { return j.identifier }

func (j *JSONRPC) CondaOutputs(ctx context.Context, req CondaOutputsRequest) (*CondaOutputsResponse, error) {
	if !j.capabilities.ProvidesCondaOutputs {
		return nil, &ErrIncompatibleAPI{Required: APIVersionV0, Available: j.version}
	}
	var result CondaOutputsResponse
	if err := j.call(ctx, "conda/outputs", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (j *JSONRPC) CondaBuildV1(ctx context.Context, req CondaBuildV1Request, onLine OutputLineHandler) (*CondaBuildV1Response, error) {
	if !j.capabilities.ProvidesCondaBuildV1 {
		return nil, &ErrIncompatibleAPI{Required: APIVersionV1, Available: j.version}
	}
	if onLine == nil {
		onLine = func(string) {}
	}
	j.onLine.Store(onLine)
	var result CondaBuildV1Response
	if err := j.call(ctx, "conda/build-v1", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close terminates the backend child process. §9: "JSON-RPC backends must
// be terminated on dispatcher shutdown; they hold OS resources that must
// not leak on panic/early-exit paths."
func (j *JSONRPC) Close() error {
	util.Close(j.stdin)
	if err := j.proc.Kill(); err != nil {
		sklog.Warningf("failed to kill build backend %s: %s", j.tool, err)
	}
	<-j.done
	return nil
}
