// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianNamer/services/namer/assistant"
	"github.com/AleutianAI/AleutianNamer/services/namer/tasks"
)

const testListing = `int sub_401000(int arg1)
{
    return arg1 + 1;
}

int main(void)
{
    return sub_401000(2);
}
`

const testProgramYAML = `name: tiny
functions:
  - address: 0x1000
    name: sub_1000
    lines:
      - address: 0x1000
        tokens:
          - {kind: text, text: "return 1;"}
`

// =============================================================================
// HELPERS
// =============================================================================

// ollamaServer answers /api/generate with response and lists two models.
type ollamaServer struct {
	mu       sync.Mutex
	response string
	prompts  []string
	srv      *httptest.Server
}

func newOllamaServer(t *testing.T, response string) *ollamaServer {
	t.Helper()
	o := &ollamaServer{response: response}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			var req struct {
				Prompt string `json:"prompt"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			o.mu.Lock()
			o.prompts = append(o.prompts, req.Prompt)
			resp := o.response
			o.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{"response": resp})
		case "/v1/models":
			w.Write([]byte(`{"data":[{"id":"llama3"},{"id":"codellama"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *ollamaServer) promptCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.prompts)
}

func (o *ollamaServer) flags(t *testing.T) []string {
	t.Helper()
	host, port, err := net.SplitHostPort(strings.TrimPrefix(o.srv.URL, "http://"))
	if err != nil {
		t.Fatalf("split %s: %v", o.srv.URL, err)
	}
	return []string{"--host", host, "--port", port, "--model", "llama3"}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OLLAMA_HOST", "OLLAMA_PORT", "OLLAMA_MODEL", "NAMER_DB"} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// runCLI executes the root command in-process and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCLIWithApp(t, nil, args...)
}

func runCLIWithApp(t *testing.T, setup func(*app), args ...string) (string, error) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var out, errOut bytes.Buffer
	a := newApp(strings.NewReader(""), &out, &errOut)
	if setup != nil {
		setup(a)
	}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.ExecuteContext(context.Background())
	a.close(context.Background())
	return out.String(), err
}

// =============================================================================
// LOGGING
// =============================================================================

func TestNewLogger_Formats(t *testing.T) {
	tests := []struct {
		format  string
		wantErr bool
		want    string
	}{
		{"json", false, `"msg":"hello"`},
		{"text", false, "msg=hello"},
		// A buffer is not a terminal.
		{"auto", false, `"msg":"hello"`},
		{"xml", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(&buf, tt.format, false)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("newLogger: %v", err)
			}
			logger.Info("hello")
			logger.Debug("hidden")
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
			if strings.Contains(buf.String(), "hidden") {
				t.Error("debug message logged at info level")
			}
		})
	}
}

func TestNewLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "text", true)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("debug message missing: %q", buf.String())
	}
}

// =============================================================================
// PROGRAM COMMANDS
// =============================================================================

func TestFunctions_ListsImportedListing(t *testing.T) {
	clearEnv(t)
	listing := writeFile(t, "tiny.c", testListing)

	out, err := runCLI(t, "functions", "--input", listing)
	if err != nil {
		t.Fatalf("functions: %v", err)
	}
	if !strings.Contains(out, "* 0x401000") || !strings.Contains(out, "sub_401000") {
		t.Errorf("placeholder not marked: %q", out)
	}
	if !strings.Contains(out, "main") {
		t.Errorf("main missing: %q", out)
	}

	out, err = runCLI(t, "functions", "--placeholders", "--input", listing)
	if err != nil {
		t.Fatalf("functions --placeholders: %v", err)
	}
	if strings.Contains(out, "main") {
		t.Errorf("--placeholders listed main: %q", out)
	}
}

func TestImportFile_FormatByExtension(t *testing.T) {
	clearEnv(t)
	program := writeFile(t, "tiny.yaml", testProgramYAML)

	out, err := runCLI(t, "show", "0x1000", "--input", program)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "return 1;") {
		t.Errorf("program file not imported: %q", out)
	}

	// An explicit format must be one the importers know.
	_, err = runCLI(t, "import", "--format", "bogus", program)
	if err == nil || !strings.Contains(err.Error(), "unknown format") {
		t.Errorf("expected unknown format error, got %v", err)
	}
}

func TestCommands_RequireProgram(t *testing.T) {
	clearEnv(t)
	_, err := runCLI(t, "functions")
	if err == nil || !strings.Contains(err.Error(), "no program loaded") {
		t.Errorf("expected no program error, got %v", err)
	}
}

func TestShow_InvalidAddress(t *testing.T) {
	clearEnv(t)
	_, err := runCLI(t, "show", "zzz")
	if err == nil || !strings.Contains(err.Error(), "invalid address") {
		t.Errorf("expected invalid address error, got %v", err)
	}
}

func TestExport_WritesFile(t *testing.T) {
	clearEnv(t)
	listing := writeFile(t, "tiny.c", testListing)
	dest := filepath.Join(t.TempDir(), "out.c")

	if _, err := runCLI(t, "export", "-o", dest, "--input", listing); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(data), "sub_401000(2)") {
		t.Errorf("export missing call: %q", data)
	}
}

// =============================================================================
// ASSISTANT COMMANDS
// =============================================================================

func TestRenameAll_PrintsRenamesAndDiff(t *testing.T) {
	clearEnv(t)
	ollama := newOllamaServer(t, "add_one")
	listing := writeFile(t, "tiny.c", testListing)

	args := append([]string{"rename-all", "--diff", "--input", listing}, ollama.flags(t)...)
	out, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("rename-all: %v", err)
	}
	for _, want := range []string{"sub_401000 -> add_one", "Renamed 1, failed 0", "@@", "+", "add_one(2);"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if n := ollama.promptCount(); n != 1 {
		t.Errorf("expected one generate call for the single placeholder, got %d", n)
	}
}

func TestRenameFunction_NotConfigured(t *testing.T) {
	clearEnv(t)
	listing := writeFile(t, "tiny.c", testListing)

	_, err := runCLI(t, "rename-function", "0x401000", "--input", listing)
	if !errors.Is(err, assistant.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestExplain_PrintsReport(t *testing.T) {
	clearEnv(t)
	ollama := newOllamaServer(t, "  Adds one to its argument.  ")
	listing := writeFile(t, "tiny.c", testListing)

	args := append([]string{"explain", "0x401000", "--input", listing}, ollama.flags(t)...)
	out, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if !strings.Contains(out, "Explanation of sub_401000") {
		t.Errorf("header missing: %q", out)
	}
	if !strings.Contains(out, "Adds one to its argument.\n") {
		t.Errorf("report text missing: %q", out)
	}
}

func TestAnalyze_EmptyResponse(t *testing.T) {
	clearEnv(t)
	ollama := newOllamaServer(t, "   ")
	listing := writeFile(t, "tiny.c", testListing)

	args := append([]string{"analyze", "0x401000", "--input", listing}, ollama.flags(t)...)
	out, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !strings.Contains(out, "Vulnerability analysis of sub_401000") || !strings.Contains(out, "(the model returned nothing)") {
		t.Errorf("output: %q", out)
	}
}

func TestUndo_AcrossInvocations(t *testing.T) {
	clearEnv(t)
	ollama := newOllamaServer(t, "add_one")
	listing := writeFile(t, "tiny.c", testListing)
	dbDir := t.TempDir()

	if _, err := runCLI(t, "import", listing, "--db", dbDir); err != nil {
		t.Fatalf("import: %v", err)
	}
	args := append([]string{"rename-function", "0x401000", "--db", dbDir}, ollama.flags(t)...)
	if _, err := runCLI(t, args...); err != nil {
		t.Fatalf("rename-function: %v", err)
	}

	out, err := runCLI(t, "undo", "--db", dbDir)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if !strings.Contains(out, "add_one -> sub_401000") {
		t.Errorf("undo output: %q", out)
	}

	if _, err := runCLI(t, "undo", "--db", dbDir); err == nil {
		t.Error("second undo should fail with nothing to undo")
	}
}

func TestModels_MarksCurrent(t *testing.T) {
	clearEnv(t)
	ollama := newOllamaServer(t, "")

	out, err := runCLI(t, append([]string{"models"}, ollama.flags(t)...)...)
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if !strings.Contains(out, "* llama3") || !strings.Contains(out, "  codellama") {
		t.Errorf("models output: %q", out)
	}
}

func TestSetServer_NeedsTerminal(t *testing.T) {
	clearEnv(t)
	_, err := runCLI(t, "set-server")
	if !errors.Is(err, errNeedTerminal) {
		t.Errorf("expected errNeedTerminal, got %v", err)
	}
}

// scriptedDialogs answers the settings dialogs without a terminal.
type scriptedDialogs struct {
	host, port, model string
	errors            []string
}

func (d *scriptedDialogs) ServerDialog(context.Context, string, string) (string, string, bool, error) {
	return d.host, d.port, true, nil
}

func (d *scriptedDialogs) ModelDialog(_ context.Context, models []string, _ string) (string, bool, error) {
	return d.model, true, nil
}

func (d *scriptedDialogs) ShowError(_ context.Context, title, message string) {
	d.errors = append(d.errors, title+": "+message)
}

func TestSetModel_PrintsEnvironment(t *testing.T) {
	clearEnv(t)
	ollama := newOllamaServer(t, "")
	host, port, _ := net.SplitHostPort(strings.TrimPrefix(ollama.srv.URL, "http://"))
	d := &scriptedDialogs{host: host, port: port, model: "codellama"}

	out, err := runCLIWithApp(t, func(a *app) { a.dialogsForced = d }, "set-model")
	if err != nil {
		t.Fatalf("set-model: %v", err)
	}
	for _, want := range []string{"OLLAMA_HOST=" + host, "OLLAMA_PORT=" + port, "OLLAMA_MODEL=codellama"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
	if len(d.errors) != 0 {
		t.Errorf("unexpected error dialogs: %v", d.errors)
	}
}

// =============================================================================
// PROGRESS VIEW
// =============================================================================

func TestProgressModel_ShowsMessagesAndOutcome(t *testing.T) {
	runner := tasks.NewRunner(nil)
	defer runner.Shutdown(context.Background())

	release := make(chan struct{})
	task, err := runner.Submit(context.Background(), tasks.Spec{
		Kind: "test",
		Run: func(ctx context.Context, r tasks.Reporter) (any, error) {
			<-release
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	m := newProgressModel(task, nil)
	next, _ := m.Update(eventMsg(tasks.Event{Type: tasks.EventProgress, Progress: "Renaming sub_1000..."}))
	next, _ = next.Update(eventMsg(tasks.Event{Type: tasks.EventProgress, Progress: "Renamed sub_1000 to f"}))
	view := next.View()
	if !strings.Contains(view, "Renaming sub_1000...") || !strings.Contains(view, "Renamed sub_1000 to f") {
		t.Errorf("view missing progress: %q", view)
	}

	close(release)
	<-task.Done()
	next, cmd := next.Update(streamClosedMsg{})
	if cmd == nil {
		t.Error("expected quit command after stream closed")
	}
	if !strings.Contains(next.View(), "✓ Renamed sub_1000 to f") {
		t.Errorf("final view: %q", next.View())
	}
}

func TestFollowPlain_LogsProgress(t *testing.T) {
	runner := tasks.NewRunner(nil)
	defer runner.Shutdown(context.Background())

	task, err := runner.Submit(context.Background(), tasks.Spec{
		Kind: "test",
		Run: func(ctx context.Context, r tasks.Reporter) (any, error) {
			r.Progress("step one")
			return "done", nil
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var buf bytes.Buffer
	a := newApp(strings.NewReader(""), &bytes.Buffer{}, &buf)
	a.logger = slog.New(slog.NewTextHandler(&buf, nil))
	if err := a.follow(context.Background(), task); err != nil {
		t.Fatalf("follow: %v", err)
	}
	if !strings.Contains(buf.String(), "step one") {
		t.Errorf("progress not logged: %q", buf.String())
	}
}
