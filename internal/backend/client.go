package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/normanking/avatarchat/internal/metrics"
	"github.com/rs/zerolog"
)

// ClientConfig configures the backend client
type ClientConfig struct {
	BaseURL string        // e.g., "http://localhost:5000"
	Timeout time.Duration // HTTP request timeout
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: "http://localhost:5000",
		Timeout: 60 * time.Second,
	}
}

// Client talks to the chatbot backend over HTTP
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new backend client
func NewClient(cfg *ClientConfig, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With().Str("component", "backend").Logger(),
	}
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// ResolveURL turns a backend-relative media path into an absolute URL.
func (c *Client) ResolveURL(path string) string {
	if path == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.config.BaseURL + path
}

// FAQVideoURL is the raw stream route used when the status response carries
// no signed stream URL.
func FAQVideoURL(faqID int) string {
	return "/video/faq/" + strconv.Itoa(faqID)
}

// ListChatbots returns every configured bot.
func (c *Client) ListChatbots(ctx context.Context) ([]Chatbot, error) {
	var bots []Chatbot
	status, err := c.doJSON(ctx, "list_chatbots", http.MethodGet, "/chatbots", nil, &bots)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list chatbots: http %d", status)
	}
	return bots, nil
}

// GetChatbot returns identity, styling, signed asset URLs and custom texts of one bot.
func (c *Client) GetChatbot(ctx context.Context, id int) (*ChatbotDetail, error) {
	var detail ChatbotDetail
	status, err := c.doJSON(ctx, "get_chatbot", http.MethodGet, "/chatbots/"+strconv.Itoa(id), nil, &detail)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("chatbot %d: %w", id, ErrNotFound)
	case status != http.StatusOK || !detail.Success:
		return nil, fmt.Errorf("get chatbot %d: http %d %s", id, status, detail.Error)
	}
	return &detail, nil
}

// SetActive marks a bot as the globally active one.
func (c *Client) SetActive(ctx context.Context, id int) error {
	status, err := c.doJSON(ctx, "set_active", http.MethodPut, "/chatbots/"+strconv.Itoa(id)+"/active", map[string]any{}, nil)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("chatbot %d: %w", id, ErrNotFound)
	case status >= 300:
		return fmt.Errorf("set active chatbot %d: http %d", id, status)
	}
	return nil
}

// Ask posts a question. The decoded body is returned for any HTTP status:
// failures are reported in-band through Success/Error/PromptRag.
func (c *Client) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	var resp AskResponse
	status, err := c.doJSON(ctx, "ask", http.MethodPost, "/obter-resposta", req, &resp)
	if err != nil {
		return nil, err
	}
	if status >= 400 && !resp.Success && !resp.PromptRag && resp.Error == "" {
		return nil, fmt.Errorf("ask: http %d: %w", status, ErrNetwork)
	}
	return &resp, nil
}

// SimilarQuestions returns follow-up suggestions for a question.
func (c *Client) SimilarQuestions(ctx context.Context, req SimilarRequest) ([]string, error) {
	var resp similarResponse
	status, err := c.doJSON(ctx, "similar_questions", http.MethodPost, "/perguntas-semelhantes", req, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || !resp.Success {
		return nil, nil
	}
	return resp.Suggestions, nil
}

// RandomFAQs returns up to req.N question texts for the opening suggestions.
func (c *Client) RandomFAQs(ctx context.Context, req RandomRequest) ([]string, error) {
	var resp randomResponse
	status, err := c.doJSON(ctx, "random_faqs", http.MethodPost, "/faqs-aleatorias", req, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || !resp.Success {
		return nil, nil
	}
	out := make([]string, 0, len(resp.FAQs))
	for _, f := range resp.FAQs {
		if f.Question != "" {
			out = append(out, f.Question)
		}
	}
	return out, nil
}

// FAQVideoStatus returns the generation status of one FAQ video.
// A 404 means the FAQ or its video was withdrawn.
func (c *Client) FAQVideoStatus(ctx context.Context, faqID int) (*FAQVideoStatus, error) {
	var resp FAQVideoStatus
	status, err := c.doJSON(ctx, "faq_video_status", http.MethodGet, "/video/faq/status/"+strconv.Itoa(faqID), nil, &resp)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("faq %d: %w", faqID, ErrJobNotFound)
	case status != http.StatusOK:
		return nil, fmt.Errorf("faq %d video status: http %d", faqID, status)
	}
	return &resp, nil
}

// JobStatus returns the single server-side video job.
func (c *Client) JobStatus(ctx context.Context) (*Job, error) {
	var resp jobStatusResponse
	status, err := c.doJSON(ctx, "job_status", http.MethodGet, "/video/status", nil, &resp)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &resp.Job, nil
	case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("job status: http %d: %w", status, ErrJobNotFound)
	default:
		return nil, fmt.Errorf("job status: http %d", status)
	}
}

// CancelJob requests cancellation of the running job; deleteChatbot also
// removes the bot that owns a whole-bot video job.
func (c *Client) CancelJob(ctx context.Context, deleteChatbot bool) (*CancelResult, error) {
	var resp CancelResult
	status, err := c.doJSON(ctx, "cancel_job", http.MethodPost, "/video/cancel", map[string]bool{"delete_chatbot": deleteChatbot}, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || !resp.Success {
		return &resp, fmt.Errorf("cancel job: http %d %s", status, resp.Error)
	}
	return &resp, nil
}

// QueueFAQVideo asks the backend to generate a FAQ's video.
func (c *Client) QueueFAQVideo(ctx context.Context, faqID int) error {
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	status, err := c.doJSON(ctx, "queue_video", http.MethodPost, "/video/queue", map[string]int{"faq_id": faqID}, &resp)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusConflict:
		return fmt.Errorf("queue faq %d: %w", faqID, ErrBusy)
	case status == http.StatusNotFound:
		return fmt.Errorf("faq %d: %w", faqID, ErrNotFound)
	case status != http.StatusOK || !resp.Success:
		return fmt.Errorf("queue faq %d: http %d %s", faqID, status, resp.Error)
	}
	return nil
}

// GetFAQ returns one FAQ, used to label FAQ jobs.
func (c *Client) GetFAQ(ctx context.Context, id int) (*FAQ, error) {
	var resp faqResponse
	status, err := c.doJSON(ctx, "get_faq", http.MethodGet, "/faqs/"+strconv.Itoa(id), nil, &resp)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("faq %d: %w", id, ErrNotFound)
	case status != http.StatusOK || !resp.Success:
		return nil, fmt.Errorf("get faq %d: http %d", id, status)
	}
	return &resp.FAQ, nil
}

// Transcribe uploads a WAV clip and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/vosk/transcribe", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp transcribeResponse
	status, err := c.send(req, "transcribe", &resp)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK || !resp.Success {
		return "", fmt.Errorf("transcribe: http %d %s", status, resp.Error)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (c *Client) doJSON(ctx context.Context, endpoint, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return c.send(req, endpoint, out)
}

// send executes req and decodes a JSON body into out when present. Transport
// failures and undecodable bodies are reported as ErrNetwork.
func (c *Client) send(req *http.Request, endpoint string, out any) (int, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.BackendLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("Request failed")
		return 0, fmt.Errorf("%s: %w: %v", endpoint, ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s: %w: %v", endpoint, ErrNetwork, err)
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			if resp.StatusCode >= 400 {
				// error pages without JSON keep their status for the caller
				return resp.StatusCode, nil
			}
			return resp.StatusCode, fmt.Errorf("%s: %w: invalid response: %v", endpoint, ErrNetwork, err)
		}
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Backend request")
	return resp.StatusCode, nil
}
