package adapter

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
)

var ErrNoFaceDetected = goerr.New("no face detected")

// Capture obtains a face descriptor from a frame source
type Capture interface {
	// DetectFace returns the descriptor of the single face found in source.
	// It returns ErrNoFaceDetected when the frame has no usable face.
	DetectFace(ctx context.Context, source string) (firestore.Vector32, error)
}

// captureResult is the JSON document written by the face detector for each
// captured frame. Descriptor is null when no face was found.
type captureResult struct {
	Descriptor []float32 `json:"descriptor"`
	Score      float64   `json:"score,omitempty"`
}

// FileCapture reads descriptor documents from the local filesystem or from
// Cloud Storage ("gs://bucket/key").
type FileCapture struct {
	storage Storage
}

type FileCaptureOption func(*FileCapture)

// WithCaptureStorage enables gs:// sources
func WithCaptureStorage(s Storage) FileCaptureOption {
	return func(c *FileCapture) {
		c.storage = s
	}
}

func NewFileCapture(opts ...FileCaptureOption) *FileCapture {
	c := &FileCapture{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *FileCapture) DetectFace(ctx context.Context, source string) (firestore.Vector32, error) {
	if source == "" {
		return nil, goerr.Wrap(ErrNoFaceDetected, "capture source is empty")
	}

	r, err := c.open(ctx, source)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var result captureResult
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return nil, goerr.Wrap(err, "failed to decode capture result", goerr.V("source", source))
	}

	if len(result.Descriptor) == 0 {
		return nil, goerr.Wrap(ErrNoFaceDetected, "capture has no descriptor", goerr.V("source", source))
	}

	return firestore.Vector32(result.Descriptor), nil
}

func (c *FileCapture) open(ctx context.Context, source string) (io.ReadCloser, error) {
	if bucket, key, ok := ParseGSURL(source); ok {
		if c.storage == nil {
			return nil, goerr.New("cloud storage is not configured", goerr.V("source", source))
		}
		return c.storage.Get(ctx, bucket, key)
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open capture file", goerr.V("source", source))
	}
	return f, nil
}
