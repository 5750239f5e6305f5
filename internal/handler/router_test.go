package handler

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/MaxBauer1337/VirtualACPNet/internal/service"
)

func TestWriteJSON_EncodeErrorLogged(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]any{"ch": make(chan int)})

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(buf.String(), "error encoding response") {
		t.Fatalf("expected encode failure to be logged, got %q", buf.String())
	}
}

func TestWriteServiceError_RetryUnsupportedIsConflict(t *testing.T) {
	h := &JobHandler{}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/actions/sign:20/retry", nil)

	h.writeServiceError(w, r, "retry failed", fmt.Errorf("action sign:20: %w", service.ErrRetryUnsupported))

	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", w.Code)
	}
}
