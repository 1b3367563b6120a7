package adapter_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lobby/pkg/adapter"
)

func TestFileCapture(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	face := filepath.Join(dir, "face.json")
	gt.NoError(t, os.WriteFile(face, []byte(`{"descriptor":[0.1,0.2,0.3],"score":0.98}`), 0644))

	noFace := filepath.Join(dir, "noface.json")
	gt.NoError(t, os.WriteFile(noFace, []byte(`{"descriptor":null}`), 0644))

	broken := filepath.Join(dir, "broken.json")
	gt.NoError(t, os.WriteFile(broken, []byte(`{`), 0644))

	capture := adapter.NewFileCapture()

	t.Run("face", func(t *testing.T) {
		v, err := capture.DetectFace(ctx, face)
		gt.NoError(t, err)
		gt.A(t, v).Length(3)
		gt.Equal(t, v[1], float32(0.2))
	})

	t.Run("no face", func(t *testing.T) {
		_, err := capture.DetectFace(ctx, noFace)
		gt.True(t, errors.Is(err, adapter.ErrNoFaceDetected))
	})

	t.Run("broken document", func(t *testing.T) {
		_, err := capture.DetectFace(ctx, broken)
		gt.Error(t, err)
		gt.False(t, errors.Is(err, adapter.ErrNoFaceDetected))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := capture.DetectFace(ctx, filepath.Join(dir, "missing.json"))
		gt.Error(t, err)
	})

	t.Run("gs without storage", func(t *testing.T) {
		_, err := capture.DetectFace(ctx, "gs://bucket/frame.json")
		gt.Error(t, err)
	})
}

func TestParseGSURL(t *testing.T) {
	bucket, key, ok := adapter.ParseGSURL("gs://kiosk-frames/lobby/001.json")
	gt.True(t, ok)
	gt.Equal(t, bucket, "kiosk-frames")
	gt.Equal(t, key, "lobby/001.json")

	_, _, ok = adapter.ParseGSURL("/tmp/001.json")
	gt.False(t, ok)
	_, _, ok = adapter.ParseGSURL("gs://bucket-only")
	gt.False(t, ok)
}

func TestEmailJSSend(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gt.Equal(t, r.URL.Path, "/api/v1.0/email/send")
		gt.Equal(t, r.Method, http.MethodPost)
		gt.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	client, err := adapter.NewEmailJS(adapter.EmailJSConfig{
		ServiceID:  "service_x",
		TemplateID: "template_y",
		PublicKey:  "pub",
	}, adapter.WithEmailJSBaseURL(srv.URL))
	gt.NoError(t, err)

	err = client.Send(context.Background(), "Blue", "blue@example.com", map[string]string{
		"expected_time": "17:30",
	})
	gt.NoError(t, err)

	gt.Equal(t, received["service_id"], any("service_x"))
	gt.Equal(t, received["template_id"], any("template_y"))
	gt.Equal(t, received["user_id"], any("pub"))
	params, ok := received["template_params"].(map[string]any)
	gt.True(t, ok)
	gt.Equal(t, params["to_name"], any("Blue"))
	gt.Equal(t, params["to_email"], any("blue@example.com"))
	gt.Equal(t, params["expected_time"], any("17:30"))
}

func TestEmailJSSendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("The template ID is invalid"))
	}))
	defer srv.Close()

	client, err := adapter.NewEmailJS(adapter.EmailJSConfig{
		ServiceID:  "service_x",
		TemplateID: "bad",
		PublicKey:  "pub",
	}, adapter.WithEmailJSBaseURL(srv.URL))
	gt.NoError(t, err)

	err = client.Send(context.Background(), "Blue", "blue@example.com", nil)
	gt.Error(t, err)
}

func TestNewEmailJSValidation(t *testing.T) {
	_, err := adapter.NewEmailJS(adapter.EmailJSConfig{TemplateID: "t", PublicKey: "p"})
	gt.Error(t, err)
	_, err = adapter.NewEmailJS(adapter.EmailJSConfig{ServiceID: "s", PublicKey: "p"})
	gt.Error(t, err)
	_, err = adapter.NewEmailJS(adapter.EmailJSConfig{ServiceID: "s", TemplateID: "t"})
	gt.Error(t, err)
}
