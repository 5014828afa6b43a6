package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "genhub-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "testserver")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/testserver")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func startServer(t *testing.T) *serverProc {
	t.Helper()
	binary := getBinary(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(), "GENHUB_LISTEN_ADDR="+addr)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// rpc posts a JSON-RPC message to /mcp and decodes the reply.
func (sp *serverProc) rpc(t *testing.T, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(sp.url+"/mcp", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /mcp: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200\nbody: %s", resp.StatusCode, data)
	}

	var reply map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

// generate calls generate_image and returns the stream/start params.
func (sp *serverProc) generate(t *testing.T, prompt string) map[string]any {
	t.Helper()
	reply := sp.rpc(t, fmt.Sprintf(
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"generate_image","arguments":{"prompt":%q,"seed":5}}}`, prompt))
	if reply["method"] != "stream/start" {
		t.Fatalf("reply = %v, want stream/start", reply)
	}
	params, ok := reply["params"].(map[string]any)
	if !ok {
		t.Fatalf("stream/start without params: %v", reply)
	}
	return params
}

// collect reads every text frame until the server closes the connection.
func collect(t *testing.T, wsURL string) ([]map[string]any, int) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var frames []map[string]any
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return frames, ce.Code
			}
			t.Fatalf("read frame: %v", err)
		}
		var f map[string]any
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		frames = append(frames, f)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	sp := startServer(t)

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var health map[string]any
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" || health["backends"] != float64(1) {
		t.Errorf("healthz = %v", health)
	}

	resp, err = http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "genhub_http_requests_total") {
		t.Error("metrics output missing genhub_http_requests_total")
	}
}

func TestToolsList(t *testing.T) {
	sp := startServer(t)

	reply := sp.rpc(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	result, _ := reply["result"].(map[string]any)
	tools, _ := result["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v, want only generate_image", tools)
	}
	if name := tools[0].(map[string]any)["name"]; name != "generate_image" {
		t.Errorf("tool name = %v", name)
	}
}

func TestGenerateDeliversImage(t *testing.T) {
	sp := startServer(t)

	start := sp.generate(t, "a lighthouse at dusk")
	frames, code := collect(t, start["ws_url"].(string))

	if code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", code, websocket.CloseNormalClosure)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want chunk and end: %v", len(frames), frames)
	}
	if frames[0]["method"] != "stream/chunk" || frames[1]["method"] != "stream/end" {
		t.Fatalf("frames = %v", frames)
	}

	params := frames[0]["params"].(map[string]any)
	result, ok := params["result"].(map[string]any)
	if !ok {
		t.Fatalf("chunk without result: %v", params)
	}
	out := result["structured_output"].(map[string]any)
	if out["seed"] != float64(5) {
		t.Errorf("seed = %v, want 5", out["seed"])
	}

	imgURL := out["image_url"].(string)
	resp, err := http.Get(imgURL)
	if err != nil {
		t.Fatalf("GET %s: %v", imgURL, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Errorf("artifact status = %d body = %q", resp.StatusCode, data)
	}

	jobResp, err := http.Get(sp.url + "/v1/jobs/" + start["stream_id"].(string))
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	defer jobResp.Body.Close()
	var job map[string]any
	json.NewDecoder(jobResp.Body).Decode(&job)
	if job["status"] != "succeeded" || job["backend"] != "stub-comfy" {
		t.Errorf("job = %v", job)
	}
}

func TestGenerateReportsBackendError(t *testing.T) {
	sp := startServer(t)

	start := sp.generate(t, "fail")
	frames, _ := collect(t, start["ws_url"].(string))
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want chunk and end", len(frames))
	}

	params := frames[0]["params"].(map[string]any)
	rpcErr, ok := params["error"].(map[string]any)
	if !ok {
		t.Fatalf("chunk without error: %v", params)
	}
	if rpcErr["code"] != float64(-32000) {
		t.Errorf("code = %v, want -32000", rpcErr["code"])
	}
}

func TestSecondConnectionRejected(t *testing.T) {
	sp := startServer(t)

	start := sp.generate(t, "a quiet harbor")
	wsURL := start["ws_url"].(string)

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("second dial succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("second dial response = %v, want 409", resp)
	}
}

func TestJobAcceptedLogged(t *testing.T) {
	sp := startServer(t)
	sp.generate(t, "a snowy owl")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), "job accepted") {
			return
		}
		time.Sleep(pollInterval)
	}
	t.Errorf("server output missing job accepted log line:\n%s", sp.stdout.String())
}
