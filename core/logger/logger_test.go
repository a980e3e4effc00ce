package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestContextWithLogger(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	id := RequestIDFromContext(ctx)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, rlog.Data[requestIDLoggerKey])

	// an existing logger is kept
	same, _ := ContextWithLogger(ctx)
	assert.Equal(t, id, RequestIDFromContext(same))

	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestContextWithClient(t *testing.T) {
	ctx, _ := ContextWithLogger(context.Background())
	ctx, rlog := ContextWithClient(ctx, "iot-d1")
	assert.Equal(t, "iot-d1", rlog.Data[clientIDLoggerKey])
	assert.NotEmpty(t, rlog.Data[requestIDLoggerKey], "request ID is kept")
	assert.Equal(t, rlog, FromContext(ctx))

	_, rlog = ContextWithDevice(context.Background(), "d1")
	assert.Equal(t, "d1", rlog.Data[deviceIDLoggerKey])
}

func TestAddRequestID(t *testing.T) {
	r := mux.NewRouter()
	AddRequestID(r)
	var id string
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		id = RequestIDFromContext(r.Context())
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, id)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("nonsense"))
}
