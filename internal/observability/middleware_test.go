package observability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/scope/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestAdminMiddlewareLogsRouteAndCountsRequest(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	RegisterMetrics()

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	r := gin.New()
	r.Use(AdminRequestLogger(logger), AdminRequestMetrics("mw-test"))
	r.GET("/services/:name/commands", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "missing"})
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("mw-test", "GET", "/services/:name/commands", "404"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/services/nope/commands", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status: %d", rr.Code)
	}

	var event map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if event["level"] != "warn" || event["route"] != "/services/:name/commands" || event["message"] != "admin request" {
		t.Fatalf("log event: %v", event)
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues("mw-test", "GET", "/services/:name/commands", "404"))
	if after != before+1 {
		t.Fatalf("request counter: got %v want %v", after, before+1)
	}
}

func TestAdminMiddlewareQuietsProbes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
	r := gin.New()
	r.Use(AdminRequestLogger(logger))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if buf.Len() != 0 {
		t.Fatalf("health probe should log at debug: %q", buf.String())
	}

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if !bytes.Contains(buf.Bytes(), []byte(`"route":"unmatched"`)) {
		t.Fatalf("unmatched route label missing: %q", buf.String())
	}
}
