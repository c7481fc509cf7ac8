// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/n-transfer/internal/protocol"
)

// expectEventually lê eventos descartando os intermediários (progress etc.)
// até encontrar o esperado. Falha em evento de erro.
func expectEventually(t *testing.T, ws *websocket.Conn, event string) *protocol.ServerEvent {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		ws.SetReadDeadline(deadline)
		var ev protocol.ServerEvent
		if err := ws.ReadJSON(&ev); err != nil {
			t.Fatalf("reading event while waiting for %q: %v", event, err)
		}
		if ev.Event == event {
			return &ev
		}
		if ev.Event == protocol.EventError {
			t.Fatalf("got error %q while waiting for %q", ev.Error, event)
		}
	}
	t.Fatalf("timed out waiting for %q", event)
	return nil
}

func TestDownloadHappyPath(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer origin.Close()

	b, url := newTestBroker(t, &stubDownstream{remoteID: "R1"})
	ws := dialWS(t, url)

	sendMsg(t, ws, &protocol.ClientMessage{Action: "download-start", FileID: "d1", URL: origin.URL + "/fox.txt"})
	started := expectEventually(t, ws, "download-started")
	if started.Filename != "fox.txt" {
		t.Errorf("filename = %q, want fox.txt", started.Filename)
	}
	if *started.TotalSize != int64(len(content)) {
		t.Errorf("totalSize = %d, want %d", *started.TotalSize, len(content))
	}

	done := expectEventually(t, ws, "download-complete")
	data, err := os.ReadFile(done.FilePath)
	if err != nil {
		t.Fatalf("reading placed file: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("placed contents differ from origin")
	}
	if filepath.Dir(done.FilePath) != b.stager.DownloadsDir() {
		t.Errorf("file placed outside downloads dir: %s", done.FilePath)
	}

	// Temp file não pode sobrar no staging
	waitFor(t, func() bool {
		entries, _ := os.ReadDir(b.stager.StagingDir())
		return len(entries) == 0
	}, "staging dir to be empty")
}

func TestDownloadPauseResume(t *testing.T) {
	content := []byte("ABCDEFGH")
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rangeHdr := r.Header.Get("Range"); rangeHdr != "" {
			var start int64
			fmt.Sscanf(rangeHdr, "bytes=%d-", &start)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(content)-1, len(content)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(content[start:])
			return
		}
		// Primeira requisição: entrega metade e segura até o cancel
		w.WriteHeader(http.StatusOK)
		w.Write(content[:4])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer origin.Close()

	b, url := newTestBroker(t, &stubDownstream{remoteID: "R1"})
	ws := dialWS(t, url)

	sendMsg(t, ws, &protocol.ClientMessage{Action: "download-start", FileID: "d1", URL: origin.URL + "/f.bin"})
	expectEventually(t, ws, "download-started")

	// Espera a primeira leva de bytes chegar ao disco
	prog := expectEventually(t, ws, "download-progress")
	if *prog.Downloaded == 0 || *prog.Downloaded > 4 {
		t.Fatalf("downloaded = %d, want 1..4", *prog.Downloaded)
	}

	sendMsg(t, ws, &protocol.ClientMessage{Action: "download-pause", FileID: "d1"})
	paused := expectEventually(t, ws, "download-paused")
	if *paused.Downloaded == 0 || *paused.Downloaded > 4 {
		t.Errorf("paused downloaded = %d, want 1..4", *paused.Downloaded)
	}

	sendMsg(t, ws, &protocol.ClientMessage{Action: "download-resume", FileID: "d1"})
	resumed := expectEventually(t, ws, "download-resumed")
	if *resumed.Offset != *paused.Downloaded {
		t.Errorf("resumed offset = %d, want %d", *resumed.Offset, *paused.Downloaded)
	}

	done := expectEventually(t, ws, "download-complete")
	data, err := os.ReadFile(done.FilePath)
	if err != nil || string(data) != string(content) {
		t.Errorf("placed contents = %q, err %v, want %q", data, err, content)
	}
	_ = b
}

func TestDownloadResetWhenOriginIgnoresRange(t *testing.T) {
	content := []byte("FULLBODY")
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignora Range de propósito: sempre 200 com o corpo inteiro
		w.Write(content)
	}))
	defer origin.Close()

	b, url := newTestBroker(t, &stubDownstream{remoteID: "R1"})
	ws := dialWS(t, url)

	// Temp file remanescente de uma tentativa anterior
	temp := b.stager.DownloadTempPath("d1", "f.bin")
	os.WriteFile(temp, []byte("JUNK"), 0o644)

	sendMsg(t, ws, &protocol.ClientMessage{Action: "download-start", FileID: "d1", URL: origin.URL + "/f.bin", Filename: "f.bin"})
	done := expectEventually(t, ws, "download-complete")

	data, err := os.ReadFile(done.FilePath)
	if err != nil {
		t.Fatalf("reading placed file: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("contents = %q, want %q (stale bytes must be truncated)", data, content)
	}
}

func TestDownloadStopDeletesTemp(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("AB"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer origin.Close()

	b, url := newTestBroker(t, &stubDownstream{remoteID: "R1"})
	ws := dialWS(t, url)

	sendMsg(t, ws, &protocol.ClientMessage{Action: "download-start", FileID: "d1", URL: origin.URL + "/f.bin", Filename: "f.bin"})
	expectEventually(t, ws, "download-progress")

	temp := b.stager.DownloadTempPath("d1", "f.bin")
	sendMsg(t, ws, &protocol.ClientMessage{Action: "download-stop", FileID: "d1"})
	expectEventually(t, ws, "download-stop-ack")

	if _, err := os.Stat(temp); !os.IsNotExist(err) {
		t.Error("temp file must be deleted on stop")
	}
	if b.downloads.get("d1") != nil {
		t.Error("download session must be removed on stop")
	}

	sendMsg(t, ws, &protocol.ClientMessage{Action: "download-pause", FileID: "d1"})
	ev := expectEventually(t, ws, "error")
	if ev.Error == "" {
		t.Error("control on a stopped download must error")
	}
}
