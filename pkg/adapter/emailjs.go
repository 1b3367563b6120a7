package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

const emailJSBaseURL = "https://api.emailjs.com"

// Messenger sends a templated message to a visitor
type Messenger interface {
	Send(ctx context.Context, name, email string, payload map[string]string) error
}

// EmailJSConfig holds the identifiers of an EmailJS template
type EmailJSConfig struct {
	ServiceID  string `yaml:"service_id"`
	TemplateID string `yaml:"template_id"`
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
}

// Validate checks required fields
func (c EmailJSConfig) Validate() error {
	if c.ServiceID == "" {
		return goerr.New("emailjs service_id is required")
	}
	if c.TemplateID == "" {
		return goerr.New("emailjs template_id is required")
	}
	if c.PublicKey == "" {
		return goerr.New("emailjs public_key is required")
	}
	return nil
}

// EmailJS implements Messenger with the EmailJS REST API
type EmailJS struct {
	cfg        EmailJSConfig
	baseURL    string
	httpClient *http.Client
}

type EmailJSOption func(*EmailJS)

// WithEmailJSBaseURL overrides the API endpoint
func WithEmailJSBaseURL(url string) EmailJSOption {
	return func(x *EmailJS) {
		x.baseURL = url
	}
}

// WithEmailJSHTTPClient replaces the HTTP client
func WithEmailJSHTTPClient(client *http.Client) EmailJSOption {
	return func(x *EmailJS) {
		x.httpClient = client
	}
}

func NewEmailJS(cfg EmailJSConfig, opts ...EmailJSOption) (*EmailJS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	x := &EmailJS{
		cfg:     cfg,
		baseURL: emailJSBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

type emailJSRequest struct {
	ServiceID      string            `json:"service_id"`
	TemplateID     string            `json:"template_id"`
	UserID         string            `json:"user_id"`
	AccessToken    string            `json:"accessToken,omitempty"`
	TemplateParams map[string]string `json:"template_params"`
}

func (x *EmailJS) Send(ctx context.Context, name, email string, payload map[string]string) error {
	params := make(map[string]string, len(payload)+2)
	for k, v := range payload {
		params[k] = v
	}
	params["to_name"] = name
	params["to_email"] = email

	body, err := json.Marshal(emailJSRequest{
		ServiceID:      x.cfg.ServiceID,
		TemplateID:     x.cfg.TemplateID,
		UserID:         x.cfg.PublicKey,
		AccessToken:    x.cfg.PrivateKey,
		TemplateParams: params,
	})
	if err != nil {
		return goerr.Wrap(err, "failed to marshal emailjs request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.baseURL+"/api/v1.0/email/send", bytes.NewReader(body))
	if err != nil {
		return goerr.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return goerr.Wrap(err, "failed to send request", goerr.V("email", email))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return goerr.New("EmailJS API returned error",
			goerr.V("status", resp.StatusCode),
			goerr.V("body", string(respBody)),
			goerr.V("email", email))
	}

	return nil
}
