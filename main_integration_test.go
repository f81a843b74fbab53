package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/ai-diagnose/internal/diagnosis"
	"github.com/example/ai-diagnose/internal/handlers"
	"github.com/example/ai-diagnose/internal/staging"
	"github.com/example/ai-diagnose/internal/usecase"
)

// blockingInvoker holds the request open until released.
type blockingInvoker struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingInvoker) Invoke(ctx context.Context, requestID, path string) (*diagnosis.Outcome, error) {
	close(b.started)
	<-b.release
	return &diagnosis.Outcome{Stdout: []byte(`{"tb_diagnosis":"Negative","tb_probability":5,"dr_diagnosis":"Positive","dr_probability":92}`)}, nil
}

func TestServerGracefulShutdownFinishesDiagnosis(t *testing.T) {
	logger := zap.NewNop()
	gin.SetMode(gin.TestMode)

	invoker := &blockingInvoker{started: make(chan struct{}), release: make(chan struct{})}
	released := false
	defer func() {
		if !released {
			close(invoker.release)
		}
	}()

	stagingDir := filepath.Join(t.TempDir(), "uploads")
	uc := usecase.NewDiagnosisUseCase(staging.NewStager(stagingDir, logger), invoker, logger)
	router := gin.New()
	handlers.RegisterRoutes(router, uc, handlers.Options{})

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	body, contentType := multipartImage(t, []byte("retina"))
	client := &http.Client{Timeout: 5 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		t.Log("sending request")
		resp, err := client.Post("http://"+addr+"/api/diagnose", contentType, body)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-invoker.started:
		t.Log("inference started")
	case <-time.After(2 * time.Second):
		t.Fatal("inference did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(invoker.release)
	released = true
	t.Log("released inference")

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		data, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(data))
		}
		if !bytes.Contains(data, []byte("Diabetic Retinopathy Detected")) {
			t.Fatalf("unexpected body: %s", data)
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}

	entries, err := os.ReadDir(stagingDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected staging dir to be empty, found %d entries", len(entries))
	}
}

func multipartImage(t *testing.T, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", "retina.jpg")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
